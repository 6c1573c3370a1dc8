// ABOUTME: STRUCTURE quality gate that walks the markdown AST of a body
// ABOUTME: Penalizes link farms, heading spam and long unbroken walls of text

package gates

import (
	"context"
	"strconv"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Structure judges markdown shape.
type Structure struct {
	md goldmark.Markdown
}

// NewStructure creates a STRUCTURE gate with a CommonMark parser.
func NewStructure() *Structure {
	return &Structure{md: goldmark.New()}
}

func (*Structure) Name() string { return StructureGate }

type mdStats struct {
	headings   int
	paragraphs int
	links      int
	codeBlocks int
	textChars  int
	linkChars  int
}

func (s *Structure) Evaluate(_ context.Context, in Input) Evidence {
	src := []byte(in.Body)
	doc := s.md.Parser().Parse(text.NewReader(src))

	var st mdStats
	inLink := 0
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Heading:
			if entering {
				st.headings++
			}
		case *ast.Paragraph:
			if entering {
				st.paragraphs++
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				st.codeBlocks++
			}
		case *ast.Link:
			if entering {
				st.links++
				inLink++
			} else {
				inLink--
			}
		case *ast.AutoLink:
			if entering {
				st.links++
				size := len(node.Label(src))
				st.textChars += size
				st.linkChars += size
			}
		case *ast.Text:
			if entering {
				size := len(node.Segment.Value(src))
				st.textChars += size
				if inLink > 0 {
					st.linkChars += size
				}
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return Evidence{Result: Skipped, Reason: "markdown could not be walked"}
	}

	density := 0.0
	if st.textChars > 0 {
		density = float64(st.linkChars) / float64(st.textChars)
	}

	conf := 1.0
	reason := "content is well structured"
	if density > 0.5 {
		conf -= 0.5
		reason = "content is mostly links"
	}
	if st.links > 10 {
		conf -= 0.3
		reason = "content carries too many links"
	}
	if st.headings > st.paragraphs+1 {
		conf -= 0.2
		reason = "content is mostly headings"
	}
	if st.textChars > 600 && st.paragraphs <= 1 && st.headings == 0 && st.codeBlocks == 0 {
		conf -= 0.2
		reason = "long content has no paragraph breaks"
	}
	conf = clamp01(conf)

	ev := Evidence{
		Result:     Passed,
		Confidence: conf,
		Reason:     reason,
		Details: map[string]string{
			"headings":     strconv.Itoa(st.headings),
			"paragraphs":   strconv.Itoa(st.paragraphs),
			"links":        strconv.Itoa(st.links),
			"code_blocks":  strconv.Itoa(st.codeBlocks),
			"link_density": fmtFloat(density),
		},
	}
	if conf < 0.5 {
		ev.Result = Warning
	}
	return ev
}
