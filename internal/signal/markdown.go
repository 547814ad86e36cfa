package signal

import (
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// Signal text style names.
const (
	StyleBold          = "BOLD"
	StyleItalic        = "ITALIC"
	StyleStrikethrough = "STRIKETHROUGH"
	StyleMonospace     = "MONOSPACE"
)

// TextStyle is a styled range of a message body. Offsets count UTF-16
// code units, as Signal clients do.
type TextStyle struct {
	Start  int
	Length int
	Style  string
}

// String renders the style in signal-cli's "start:length:STYLE" form.
func (s TextStyle) String() string {
	return fmt.Sprintf("%d:%d:%s", s.Start, s.Length, s.Style)
}

var markdownParser = goldmark.New(goldmark.WithExtensions(extension.Strikethrough)).Parser()

// FormatMarkdown converts backend Markdown into a plain message body
// and the Signal text styles that reproduce its emphasis, code spans
// and headings. Lists become bullet lines and links keep their target
// in parentheses.
func FormatMarkdown(src string) (string, []TextStyle) {
	source := []byte(src)
	doc := markdownParser.Parse(text.NewReader(source))

	f := &formatter{source: source}
	_ = ast.Walk(doc, f.walk)
	return strings.TrimRight(f.buf.String(), "\n"), f.styles
}

type mark struct {
	units int // UTF-16 offset
	bytes int // byte offset into buf
}

type formatter struct {
	source []byte
	buf    strings.Builder
	units  int
	styles []TextStyle
	open   []mark
	bullet bool // a list marker was just written
}

func (f *formatter) write(s string) {
	f.buf.WriteString(s)
	for _, r := range s {
		f.units += utf16.RuneLen(r)
	}
}

func (f *formatter) push() {
	f.open = append(f.open, mark{units: f.units, bytes: f.buf.Len()})
}

func (f *formatter) pop() mark {
	m := f.open[len(f.open)-1]
	f.open = f.open[:len(f.open)-1]
	return m
}

func (f *formatter) span(entering bool, style string) {
	if entering {
		f.push()
		return
	}
	m := f.pop()
	if f.units > m.units {
		f.styles = append(f.styles, TextStyle{Start: m.units, Length: f.units - m.units, Style: style})
	}
}

// blockBreak separates a block from the text before it: a blank line
// between top-level blocks, a single newline otherwise.
func (f *formatter) blockBreak(n ast.Node) {
	if f.bullet {
		f.bullet = false
		return
	}
	out := f.buf.String()
	if out == "" {
		return
	}
	want := 1
	if n.Parent() != nil && n.Parent().Kind() == ast.KindDocument && n.PreviousSibling() != nil {
		want = 2
	}
	have := len(out) - len(strings.TrimRight(out, "\n"))
	for ; have < want; have++ {
		f.write("\n")
	}
}

func (f *formatter) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch n := n.(type) {
	case *ast.Document:

	case *ast.Text:
		if entering {
			f.write(string(n.Segment.Value(f.source)))
			if n.SoftLineBreak() || n.HardLineBreak() {
				f.write("\n")
			}
		}

	case *ast.String:
		if entering {
			f.write(string(n.Value))
		}

	case *ast.Emphasis:
		style := StyleItalic
		if n.Level >= 2 {
			style = StyleBold
		}
		f.span(entering, style)

	case *extast.Strikethrough:
		f.span(entering, StyleStrikethrough)

	case *ast.CodeSpan:
		f.span(entering, StyleMonospace)

	case *ast.Heading:
		if entering {
			f.blockBreak(n)
		}
		f.span(entering, StyleBold)

	case *ast.FencedCodeBlock, *ast.CodeBlock:
		if entering {
			f.blockBreak(n)
			body := strings.TrimRight(f.lines(n), "\n")
			f.push()
			f.write(body)
			f.span(false, StyleMonospace)
		}
		return ast.WalkSkipChildren, nil

	case *ast.HTMLBlock:
		if entering {
			f.blockBreak(n)
			f.write(strings.TrimRight(f.lines(n), "\n"))
		}
		return ast.WalkSkipChildren, nil

	case *ast.RawHTML:
		if entering {
			for i := 0; i < n.Segments.Len(); i++ {
				seg := n.Segments.At(i)
				f.write(string(seg.Value(f.source)))
			}
		}
		return ast.WalkSkipChildren, nil

	case *ast.AutoLink:
		if entering {
			f.write(string(n.URL(f.source)))
		}
		return ast.WalkSkipChildren, nil

	case *ast.Link:
		if entering {
			f.push()
			break
		}
		m := f.pop()
		label := f.buf.String()[m.bytes:]
		if dest := string(n.Destination); dest != "" && dest != label {
			f.write(" (" + dest + ")")
		}

	case *ast.ListItem:
		if entering {
			f.blockBreak(n)
			f.write(listMarker(n))
			f.bullet = true
		}

	case *ast.ThematicBreak:
		if entering {
			f.blockBreak(n)
			f.write("---")
		}

	default:
		if entering && n.Type() == ast.TypeBlock {
			f.blockBreak(n)
		}
	}
	return ast.WalkContinue, nil
}

func (f *formatter) lines(n ast.Node) string {
	var b strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(f.source))
	}
	return b.String()
}

func listMarker(item *ast.ListItem) string {
	list, ok := item.Parent().(*ast.List)
	if !ok || !list.IsOrdered() {
		return "• "
	}
	idx := list.Start
	for c := list.FirstChild(); c != nil && c != ast.Node(item); c = c.NextSibling() {
		idx++
	}
	return fmt.Sprintf("%d. ", idx)
}
