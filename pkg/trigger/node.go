package trigger

// Node is the argument handed to a derivation function for each node
// parameter: the bound node's identifier plus a snapshot of its attributes
// at evaluation time.
type Node struct {
	ID    string
	Attrs map[string]any
}

// Attr returns the named attribute, or nil when the node does not carry it.
func (n Node) Attr(name string) any {
	return n.Attrs[name]
}
