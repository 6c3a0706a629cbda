package fact

// Substitution binds pattern variables to concrete identifiers. A matcher
// produces a single-variable substitution; pattern evaluation extends it to
// cover every variable the pattern names.
type Substitution map[string]string

// Bind returns a fresh substitution holding a single binding.
func Bind(variable, id string) Substitution {
	return Substitution{variable: id}
}

// Clone returns an independent copy.
func (s Substitution) Clone() Substitution {
	out := make(Substitution, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// With returns a copy of s extended with one more binding.
func (s Substitution) With(variable, id string) Substitution {
	out := s.Clone()
	out[variable] = id
	return out
}

// Compatible reports whether o agrees with s on every variable both bind.
func (s Substitution) Compatible(o Substitution) bool {
	for k, v := range o {
		if have, ok := s[k]; ok && have != v {
			return false
		}
	}
	return true
}
