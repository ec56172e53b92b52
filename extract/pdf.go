package extract

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"context-engine/chunking"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"
)

// headerFontRatio classifies a line as a header when its font height exceeds
// the page median by this factor.
const headerFontRatio = 1.2

// textLine is one assembled line of a PDF page with its dominant font height.
type textLine struct {
	text     string
	fontSize float64
}

// section is a run of body lines grouped under the most recent header.
type section struct {
	title string
	text  string
}

// PDF extracts a PDF document page by page. Lines whose font height exceeds
// 1.2x the page median become headers; body lines accumulate under the most
// recent header into sections. Sections within the size cap are kept whole,
// larger ones are re-chunked. Pages without any detected structure fall back
// to plain fixed-size chunking, and empty pages contribute nothing.
func (e *Extractor) PDF(ra io.ReaderAt, size int64) ([]Chunk, error) {
	reader, err := pdf.NewReader(ra, size)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	var chunks []Chunk
	totalPages := reader.NumPage()
	for pageNum := 1; pageNum <= totalPages; pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			e.logger.Warn("Skipping null page", zap.Int("page", pageNum))
			continue
		}
		chunks = append(chunks, e.extractPage(page, pageNum)...)
	}

	e.logger.Debug("PDF extraction completed",
		zap.Int("pages", totalPages),
		zap.Int("chunks", len(chunks)))
	return chunks, nil
}

func (e *Extractor) extractPage(page pdf.Page, pageNum int) []Chunk {
	lines := pageLines(page.Content().Text)

	sections, structured := buildSections(lines)
	if !structured {
		text, err := page.GetPlainText(nil)
		if err != nil {
			e.logger.Warn("Failed to extract text from page",
				zap.Int("page", pageNum),
				zap.Error(err))
			return nil
		}
		return e.flatPageChunks(text, pageNum)
	}

	var chunks []Chunk
	for _, sec := range sections {
		if sec.title != "" {
			chunks = append(chunks, Chunk{
				Content: sec.title,
				Meta: PDFMeta{
					PageStart: pageNum,
					PageEnd:   pageNum,
					ChunkType: ChunkHeader,
				},
			})
		}

		body := strings.TrimSpace(sec.text)
		if body == "" {
			continue
		}
		if len(body) <= e.opts.SectionMaxChars {
			chunks = append(chunks, Chunk{
				Content: body,
				Meta: PDFMeta{
					PageStart:    pageNum,
					PageEnd:      pageNum,
					ChunkType:    ChunkBody,
					SectionTitle: sec.title,
				},
			})
			continue
		}
		for _, part := range chunking.ChunkText(body, chunking.Options{
			ChunkSize: e.opts.ChunkSize,
			Overlap:   e.opts.ChunkOverlap,
		}) {
			chunks = append(chunks, Chunk{
				Content: part,
				Meta: PDFMeta{
					PageStart:    pageNum,
					PageEnd:      pageNum,
					ChunkType:    ChunkBody,
					SectionTitle: sec.title,
				},
			})
		}
	}
	return chunks
}

func (e *Extractor) flatPageChunks(text string, pageNum int) []Chunk {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	parts := chunking.ChunkText(trimmed, chunking.Options{
		ChunkSize: e.opts.ChunkSize,
		Overlap:   e.opts.ChunkOverlap,
	})
	chunks := make([]Chunk, 0, len(parts))
	for _, part := range parts {
		chunks = append(chunks, Chunk{
			Content: part,
			Meta: PDFMeta{
				PageStart: pageNum,
				PageEnd:   pageNum,
				ChunkType: ChunkBody,
			},
		})
	}
	return chunks
}

// pageLines assembles raw text runs into lines keyed by their Y coordinate.
// Runs on the same baseline are concatenated in content order; the line's
// font height is the largest run height on that baseline.
func pageLines(texts []pdf.Text) []textLine {
	var lines []textLine
	var current strings.Builder
	currentFont := 0.0
	currentY := 0.0
	open := false

	flush := func() {
		if !open {
			return
		}
		text := strings.TrimSpace(current.String())
		if text != "" {
			lines = append(lines, textLine{text: text, fontSize: currentFont})
		}
		current.Reset()
		currentFont = 0
		open = false
	}

	for _, t := range texts {
		if t.S == "" {
			continue
		}
		if open && !sameBaseline(t.Y, currentY) {
			flush()
		}
		if !open {
			open = true
			currentY = t.Y
		}
		current.WriteString(t.S)
		if t.FontSize > currentFont {
			currentFont = t.FontSize
		}
	}
	flush()
	return lines
}

func sameBaseline(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 0.5
}

// buildSections classifies lines into headers and body text and groups body
// lines under the most recent header. The second return value is false when
// the page has no usable structure (no lines, or no header detected).
func buildSections(lines []textLine) ([]section, bool) {
	if len(lines) == 0 {
		return nil, false
	}

	median := medianFontSize(lines)
	hasHeader := false
	for _, line := range lines {
		if line.fontSize > median*headerFontRatio {
			hasHeader = true
			break
		}
	}
	if !hasHeader {
		return nil, false
	}

	var sections []section
	current := section{}
	started := false

	for _, line := range lines {
		if line.fontSize > median*headerFontRatio {
			if started {
				sections = append(sections, current)
			}
			current = section{title: line.text}
			started = true
			continue
		}
		if current.text != "" {
			current.text += "\n"
		}
		current.text += line.text
		started = true
	}
	if started {
		sections = append(sections, current)
	}
	return sections, true
}

func medianFontSize(lines []textLine) float64 {
	sizes := make([]float64, len(lines))
	for i, line := range lines {
		sizes[i] = line.fontSize
	}
	sort.Float64s(sizes)
	mid := len(sizes) / 2
	if len(sizes)%2 == 0 {
		return (sizes[mid-1] + sizes[mid]) / 2
	}
	return sizes[mid]
}
