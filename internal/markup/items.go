package markup

// Coalesce merges adjacent text spans so a transcript reads the same no
// matter how the stream was chunked.
func Coalesce(items []Item) []Item {
	out := make([]Item, 0, len(items))
	for _, item := range items {
		if item.IsText() {
			if item.Text == "" {
				continue
			}
			if n := len(out); n > 0 && out[n-1].IsText() {
				out[n-1].Text += item.Text
				continue
			}
		}
		out = append(out, item)
	}
	return out
}

// Nodes returns the action nodes of items in order.
func Nodes(items []Item) []Node {
	var nodes []Node
	for _, item := range items {
		if item.Node != nil {
			nodes = append(nodes, *item.Node)
		}
	}
	return nodes
}

// Text concatenates the text spans of items.
func Text(items []Item) string {
	var size int
	for _, item := range items {
		size += len(item.Text)
	}
	buf := make([]byte, 0, size)
	for _, item := range items {
		buf = append(buf, item.Text...)
	}
	return string(buf)
}

// ParseAll runs a complete text through a fresh parser.
func ParseAll(text string, names ...string) []Item {
	p := New(names...)
	p.Feed(text)
	p.Close()
	return Coalesce(p.Drain())
}
