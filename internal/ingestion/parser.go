package ingestion

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/knoguchi/syllabus/internal/corpus"
)

const subheadingClass = "lesson_plan_subheading"

// Field is one extractable syllabus field.
type Field struct {
	// Heading is the label printed on the page, e.g. "(曜時限)".
	Heading string
	// Key is the metadata key the value is stored under.
	Key string
	// Section marks free-text fields whose value is the heading's container
	// text. Other fields are table cells.
	Section bool
}

// Label is the heading without its parentheses, used inside chunk text.
func (f Field) Label() string {
	return strings.TrimSuffix(strings.TrimPrefix(f.Heading, "("), ")")
}

// Fields lists every field the parser extracts, in page order.
var Fields = []Field{
	{Heading: "(科目ナンバリング)", Key: "numbering"},
	{Heading: "(英 訳)", Key: "english_title"},
	{Heading: "(所属部局)", Key: "instructor_department"},
	{Heading: "(職 名)", Key: "instructor_position"},
	{Heading: "(氏 名)", Key: corpus.KeyInstructor},
	{Heading: "(配当学年)", Key: corpus.KeyLevel},
	{Heading: "(単位数)", Key: "credits"},
	{Heading: "(開講年度・開講期)", Key: corpus.KeySemester},
	{Heading: "(曜時限)", Key: corpus.KeySchedule},
	{Heading: "(授業形態)", Key: corpus.KeyClassType},
	{Heading: "(使用言語)", Key: corpus.KeyLanguage},
	{Heading: "(授業の概要・目的)", Key: "overview", Section: true},
	{Heading: "(到達目標)", Key: "goals", Section: true},
	{Heading: "(授業計画と内容)", Key: "plan", Section: true},
	{Heading: "(履修要件)", Key: "prerequisites", Section: true},
	{Heading: "(成績評価の方法・観点)", Key: "grading", Section: true},
	{Heading: "(教科書)", Key: "textbooks", Section: true},
	{Heading: "(参考書等)", Key: "references", Section: true},
	{Heading: "(授業外学修（予習・復習）等)", Key: "self_study", Section: true},
}

// SelectedKeys are the fields that make up chunk text for the
// simple_selected preprocessing method.
var SelectedKeys = []string{"overview", "goals", "plan"}

// Syllabus maps field keys to extracted values. Absent fields are omitted.
type Syllabus map[string]string

// ParseSyllabus extracts the known fields from a syllabus page.
func ParseSyllabus(r io.Reader) (Syllabus, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse syllabus html: %w", err)
	}

	byHeading := make(map[string]Field, len(Fields))
	for _, f := range Fields {
		byHeading[f.Heading] = f
	}

	out := make(Syllabus)
	for _, sub := range findAll(doc, func(n *html.Node) bool { return hasClass(n, subheadingClass) }) {
		heading := strings.TrimSpace(innerText(sub))
		f, ok := byHeading[heading]
		if !ok {
			continue
		}
		if _, seen := out[f.Key]; seen {
			continue
		}

		var value string
		if f.Section {
			value = sectionText(sub)
		} else {
			value = cellValue(sub)
		}
		if value != "" {
			out[f.Key] = value
		}
	}
	return out, nil
}

// cellValue returns the value cell for a label cell: the next cell in the
// same row, or when that is itself a label, the cell in the same column of
// the following row.
func cellValue(sub *html.Node) string {
	td := ancestor(sub, atom.Td)
	if td == nil {
		return ""
	}

	if next := nextElement(td, atom.Td); next != nil && !containsSubheading(next) {
		return strings.TrimSpace(innerText(next))
	}

	tr := ancestor(td, atom.Tr)
	if tr == nil {
		return ""
	}
	col := 0
	for c := tr.FirstChild; c != nil && c != td; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Td {
			col++
		}
	}

	nextRow := nextElement(tr, atom.Tr)
	if nextRow == nil {
		return ""
	}
	i := 0
	for c := nextRow.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.DataAtom != atom.Td {
			continue
		}
		if i == col {
			return strings.TrimSpace(innerText(c))
		}
		i++
	}
	return ""
}

// sectionText returns the text of the heading's container without the
// heading itself, one non-empty line per text node.
func sectionText(sub *html.Node) string {
	container := sub.Parent
	if container == nil {
		return ""
	}

	var lines []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n == sub {
			return
		}
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				lines = append(lines, s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(container)
	return strings.Join(lines, "\n")
}

func findAll(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if match(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func hasClass(n *html.Node, class string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, a := range n.Attr {
		if a.Key == "class" {
			for _, c := range strings.Fields(a.Val) {
				if c == class {
					return true
				}
			}
		}
	}
	return false
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func containsSubheading(n *html.Node) bool {
	return len(findAll(n, func(c *html.Node) bool { return hasClass(c, subheadingClass) })) > 0
}

func ancestor(n *html.Node, a atom.Atom) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.DataAtom == a {
			return p
		}
	}
	return nil
}

func nextElement(n *html.Node, a atom.Atom) *html.Node {
	for s := n.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode && s.DataAtom == a {
			return s
		}
	}
	return nil
}

// innerText concatenates the trimmed text nodes under n.
func innerText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(strings.TrimSpace(n.Data))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
