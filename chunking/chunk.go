package chunking

import "strings"

const (
	// DefaultChunkSize and DefaultOverlap match the ingestion path used for
	// plain documents; PDF sections that exceed the section cap are re-chunked
	// with the same values.
	DefaultChunkSize = 1000
	DefaultOverlap   = 200

	// maxBreakSearch caps how far back from the window end a break point is
	// searched for.
	maxBreakSearch = 100
)

// Options controls ChunkText.
type Options struct {
	ChunkSize int
	Overlap   int
}

func (o Options) normalized() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	return o
}

// ChunkText splits text into chunks of at most opts.ChunkSize characters with
// opts.Overlap characters of overlap between consecutive chunks. Each window
// is truncated at the last paragraph, line, sentence, or word boundary found
// within the window's tail so chunks avoid splitting mid-sentence where
// possible. The next chunk always advances at least one character past the
// previous start, so the sequence is finite even when Overlap >= ChunkSize.
func ChunkText(text string, opts Options) []string {
	if text == "" {
		return nil
	}
	opts = opts.normalized()
	if len(text) <= opts.ChunkSize {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + opts.ChunkSize
		if end >= len(text) {
			chunks = append(chunks, text[start:])
			break
		}

		window := text[start:end]
		if cut := breakPoint(window, opts.ChunkSize); cut > 0 {
			end = start + cut
		}
		chunks = append(chunks, text[start:end])

		next := end - opts.Overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// breakPoint returns the offset just past the best break point in the tail of
// window, or -1 when the tail holds no break at all. Break candidates are
// tried in priority order: paragraph break, line break, sentence end, word
// gap. Within a priority the last occurrence wins.
func breakPoint(window string, chunkSize int) int {
	searchLen := chunkSize / 10
	if searchLen > maxBreakSearch {
		searchLen = maxBreakSearch
	}
	if searchLen < 1 {
		searchLen = 1
	}
	tailStart := len(window) - searchLen
	if tailStart < 0 {
		tailStart = 0
	}

	for _, group := range [][]string{
		{"\n\n"},
		{"\n"},
		{". ", "! ", "? "},
		{" "},
	} {
		best := -1
		for _, sep := range group {
			idx := strings.LastIndex(window, sep)
			if idx >= tailStart && idx+len(sep) > best {
				best = idx + len(sep)
			}
		}
		if best > 0 {
			return best
		}
	}
	return -1
}
