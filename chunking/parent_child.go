package chunking

import (
	"strings"

	"github.com/google/uuid"
)

const (
	DefaultParentSize = 2000
	DefaultChildSize  = 300
)

// Parent is a coarse chunk carrying enough surrounding context for generation
// once one of its children matches a query.
type Parent struct {
	ID      string
	Index   int
	Content string
}

// Child is a fine, sentence-grouped chunk meant for precise embedding
// similarity. It always references the parent it was cut from.
type Child struct {
	ParentID   string
	ChunkIndex int
	Content    string
}

type ParentChildOptions struct {
	ParentSize int
	ChildSize  int
	Splitter   SentenceSplitter
}

// ChunkParentChild produces a small-to-big chunking of text: parents cut at
// ParentSize via ChunkText, each parent split into children by greedily
// grouping sentences under ChildSize. A sentence too long for any child is
// sub-chunked by characters on its own; the surrounding sentences keep their
// grouping.
func ChunkParentChild(text string, opts ParentChildOptions) ([]Parent, []Child) {
	if opts.ParentSize <= 0 {
		opts.ParentSize = DefaultParentSize
	}
	if opts.ChildSize <= 0 {
		opts.ChildSize = DefaultChildSize
	}
	splitter := opts.Splitter
	if splitter == nil {
		splitter = NewRegexSentenceSplitter()
	}

	parentTexts := ChunkText(text, Options{ChunkSize: opts.ParentSize})
	parents := make([]Parent, 0, len(parentTexts))
	var children []Child

	for i, content := range parentTexts {
		parent := Parent{
			ID:      uuid.New().String(),
			Index:   i,
			Content: content,
		}
		parents = append(parents, parent)

		for idx, childContent := range childTexts(content, opts.ChildSize, splitter) {
			children = append(children, Child{
				ParentID:   parent.ID,
				ChunkIndex: idx,
				Content:    childContent,
			})
		}
	}
	return parents, children
}

func childTexts(parent string, childSize int, splitter SentenceSplitter) []string {
	sentences := splitter.Split(parent)

	var out []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			out = append(out, current.String())
			current.Reset()
		}
	}

	for _, sentence := range sentences {
		// A sentence that cannot fit a child on its own is cut by characters;
		// grouping resumes with the next sentence.
		if len(sentence) > childSize {
			flush()
			out = append(out, ChunkText(sentence, Options{ChunkSize: childSize})...)
			continue
		}

		prospective := current.Len()
		if prospective > 0 {
			prospective++ // space separator
		}
		prospective += len(sentence)

		if current.Len() > 0 && prospective > childSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sentence)
	}
	flush()
	return out
}
