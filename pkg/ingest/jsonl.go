package ingest

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

// ReadJSONL feeds one Row per JSON line to fn. Blank lines are skipped;
// a line that is not a JSON object is reported to fn as a nil row with the
// raw line, letting the caller count it as malformed without stopping the
// read.
func ReadJSONL(r io.Reader, fn func(row Row, raw string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		parsed := gjson.Parse(raw)
		if !parsed.IsObject() {
			if err := fn(nil, raw); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
			continue
		}

		row := make(Row)
		parsed.ForEach(func(key, value gjson.Result) bool {
			row[key.String()] = value.Value()
			return true
		})
		if err := fn(row, raw); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	return scanner.Err()
}
