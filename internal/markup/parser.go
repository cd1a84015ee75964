// Package markup incrementally extracts action tags from streamed model text.
//
// The parser accepts chunks in arrival order and yields text spans and
// closed action nodes as soon as they are complete. Markup that could still
// turn into an allowed tag stays buffered until more text arrives or the
// stream is closed. At close, an unterminated open tag is released verbatim
// as text and never as a node; scanning resumes right after its '<', so
// complete tags that follow it are still recognised.
package markup

import (
	"html"
	"iter"
	"sort"
	"strings"
)

// DefaultTags is the tag vocabulary recognised when New is called without names.
var DefaultTags = []string{"write", "rename", "delete", "add", "sql"}

// Node is a closed action tag.
type Node struct {
	Name        string            `json:"name"`
	Attrs       map[string]string `json:"attrs,omitempty"`
	Body        string            `json:"body,omitempty"`
	SelfClosing bool              `json:"self_closing,omitempty"`
	Raw         string            `json:"raw"`
}

// Attr returns the attribute value and whether it was present.
func (n Node) Attr(name string) (string, bool) {
	v, ok := n.Attrs[name]
	return v, ok
}

// Item is either a text span or an action node. Exactly one of Text or Node is set.
type Item struct {
	Text string `json:"text,omitempty"`
	Node *Node  `json:"node,omitempty"`
}

// IsText reports whether the item is a plain text span.
func (i Item) IsText() bool {
	return i.Node == nil
}

// Parser scans a growing buffer for allowed tags.
type Parser struct {
	allowed map[string]struct{}
	names   []string
	buf     strings.Builder
	closed  bool
	pending []Item
	// resume is the offset into the buffered head from which the search
	// for its closing marker continues.
	resume int
}

// New returns a parser recognising the given tag names (case-sensitive).
func New(names ...string) *Parser {
	if len(names) == 0 {
		names = DefaultTags
	}
	allowed := make(map[string]struct{}, len(names))
	sorted := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, dup := allowed[name]; dup {
			continue
		}
		allowed[name] = struct{}{}
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)
	return &Parser{allowed: allowed, names: sorted}
}

// Feed appends a chunk to the buffer and scans for newly completed units.
// Feeding after Close is ignored.
func (p *Parser) Feed(chunk string) {
	if p.closed || chunk == "" {
		return
	}
	p.buf.WriteString(chunk)
	p.scan()
}

// Close signals end of stream. Any buffered partial markup becomes text.
func (p *Parser) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.scan()
}

// Closed reports whether Close has been called.
func (p *Parser) Closed() bool {
	return p.closed
}

// Buffered returns the text held back waiting for more input.
func (p *Parser) Buffered() string {
	return p.buf.String()
}

// Items yields the units completed since the previous call. Each call starts
// where the last one stopped; breaking out of the loop keeps the remaining
// items for the next call.
func (p *Parser) Items() iter.Seq[Item] {
	return func(yield func(Item) bool) {
		for len(p.pending) > 0 {
			item := p.pending[0]
			p.pending = p.pending[1:]
			if !yield(item) {
				return
			}
		}
	}
}

// Drain collects everything Items would yield.
func (p *Parser) Drain() []Item {
	var out []Item
	for item := range p.Items() {
		out = append(out, item)
	}
	return out
}

func (p *Parser) scan() {
	s := p.buf.String()
	pos := 0
	defer func() {
		if pos == 0 {
			return
		}
		rest := s[pos:]
		p.buf.Reset()
		p.buf.WriteString(rest)
	}()
	for pos < len(s) {
		rest := s[pos:]
		lt := strings.IndexByte(rest, '<')
		if lt < 0 {
			p.emitText(rest)
			p.advance(&pos, len(rest))
			return
		}
		if lt > 0 {
			p.emitText(rest[:lt])
			p.advance(&pos, lt)
			continue
		}
		node, n, res := p.match(rest)
		switch res {
		case matchNode:
			p.pending = append(p.pending, Item{Node: node})
			p.advance(&pos, n)
		case matchNone:
			p.emitText("<")
			p.advance(&pos, 1)
		case matchPartial:
			if !p.closed {
				return
			}
			p.emitText("<")
			p.advance(&pos, 1)
		}
	}
}

// advance moves past n bytes of the head; a new head has not been searched yet.
func (p *Parser) advance(pos *int, n int) {
	*pos += n
	p.resume = 0
}

func (p *Parser) emitText(text string) {
	if text == "" {
		return
	}
	if n := len(p.pending); n > 0 && p.pending[n-1].IsText() {
		p.pending[n-1].Text += text
		return
	}
	p.pending = append(p.pending, Item{Text: text})
}

type matchResult int

const (
	matchNone matchResult = iota
	matchPartial
	matchNode
)

// match inspects s, which starts with '<'. It only decides matchNone or
// matchNode from bytes already present, so the outcome does not depend on
// where chunk boundaries fell.
func (p *Parser) match(s string) (*Node, int, matchResult) {
	i := 1
	for i < len(s) && isNameByte(s[i]) {
		i++
	}
	name := s[1:i]
	if i == len(s) {
		if p.isPrefix(name) {
			return nil, 0, matchPartial
		}
		return nil, 0, matchNone
	}
	if _, ok := p.allowed[name]; !ok {
		return nil, 0, matchNone
	}
	if c := s[i]; c != '>' && c != '/' && !isSpace(c) {
		return nil, 0, matchNone
	}

	attrs := make(map[string]string)
	for {
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		if i == len(s) {
			return nil, 0, matchPartial
		}
		switch s[i] {
		case '>':
			i++
			return p.matchBody(s, name, attrs, i)
		case '/':
			if i+1 == len(s) {
				return nil, 0, matchPartial
			}
			if s[i+1] != '>' {
				return nil, 0, matchNone
			}
			i += 2
			return &Node{Name: name, Attrs: attrs, SelfClosing: true, Raw: s[:i]}, i, matchNode
		}

		start := i
		for i < len(s) && isAttrNameByte(s[i]) {
			i++
		}
		if i == len(s) {
			return nil, 0, matchPartial
		}
		if i == start {
			return nil, 0, matchNone
		}
		key := s[start:i]
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		if i == len(s) {
			return nil, 0, matchPartial
		}
		if s[i] != '=' {
			attrs[key] = ""
			continue
		}
		i++
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		if i == len(s) {
			return nil, 0, matchPartial
		}
		quote := s[i]
		if quote == '"' || quote == '\'' {
			end := strings.IndexByte(s[i+1:], quote)
			if end < 0 {
				return nil, 0, matchPartial
			}
			attrs[key] = html.UnescapeString(s[i+1 : i+1+end])
			i += end + 2
			continue
		}
		start = i
		for i < len(s) && !isSpace(s[i]) && s[i] != '>' && s[i] != '/' {
			if s[i] == '"' || s[i] == '\'' || s[i] == '<' || s[i] == '=' {
				return nil, 0, matchNone
			}
			i++
		}
		if i == len(s) {
			return nil, 0, matchPartial
		}
		attrs[key] = html.UnescapeString(s[start:i])
	}
}

func (p *Parser) matchBody(s, name string, attrs map[string]string, bodyStart int) (*Node, int, matchResult) {
	closing := "</" + name + ">"
	from := max(bodyStart, p.resume)
	idx := strings.Index(s[from:], closing)
	if idx < 0 {
		// A closing marker can only start in the last len(closing)-1 bytes.
		p.resume = max(bodyStart, len(s)-len(closing)+1)
		return nil, 0, matchPartial
	}
	end := from + idx - bodyStart
	body := s[bodyStart : bodyStart+end]
	switch {
	case strings.HasPrefix(body, "\r\n"):
		body = body[2:]
	case strings.HasPrefix(body, "\n"):
		body = body[1:]
	}
	n := bodyStart + end + len(closing)
	return &Node{Name: name, Attrs: attrs, Body: body, Raw: s[:n]}, n, matchNode
}

func (p *Parser) isPrefix(name string) bool {
	for _, allowed := range p.names {
		if strings.HasPrefix(allowed, name) {
			return true
		}
	}
	return false
}

func isNameByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_'
}

func isAttrNameByte(c byte) bool {
	return isNameByte(c) || c == ':' || c == '.'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}
