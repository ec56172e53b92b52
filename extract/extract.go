package extract

import (
	"path/filepath"
	"strconv"
	"strings"

	"context-engine/chunking"

	"go.uber.org/zap"
)

// Kind identifies the source file family handed to the extractor.
type Kind string

const (
	KindText Kind = "text"
	KindCode Kind = "code"
	KindData Kind = "data"
	KindPDF  Kind = "pdf"
)

// ChunkType distinguishes header chunks from body chunks in structured
// documents.
type ChunkType string

const (
	ChunkHeader ChunkType = "header"
	ChunkBody   ChunkType = "body"
)

// Meta is the per-chunk provenance record. Each source family carries its own
// concrete type; Fields flattens it for JSONB persistence.
type Meta interface {
	Fields() map[string]string
}

// FileMeta describes a chunk cut from a plain text, code, or data file.
type FileMeta struct {
	Kind Kind
	Name string
}

func (m FileMeta) Fields() map[string]string {
	return map[string]string{
		"kind": string(m.Kind),
		"name": m.Name,
	}
}

// PDFMeta describes a chunk cut from a PDF page. PageStart and PageEnd are
// always equal since chunks never span pages.
type PDFMeta struct {
	PageStart    int
	PageEnd      int
	ChunkType    ChunkType
	SectionTitle string
}

func (m PDFMeta) Fields() map[string]string {
	fields := map[string]string{
		"kind":       string(KindPDF),
		"page_start": strconv.Itoa(m.PageStart),
		"page_end":   strconv.Itoa(m.PageEnd),
		"chunk_type": string(m.ChunkType),
	}
	if m.SectionTitle != "" {
		fields["section_title"] = m.SectionTitle
	}
	return fields
}

// RawMeta carries already-flattened metadata for chunks extracted outside
// this package, e.g. batches uploaded through the API.
type RawMeta map[string]string

func (m RawMeta) Fields() map[string]string { return m }

// Chunk is one extracted fragment ready for embedding.
type Chunk struct {
	Content string
	Meta    Meta
}

// Options sizes the extractor's chunking passes.
type Options struct {
	ChunkSize       int
	ChunkOverlap    int
	SectionMaxChars int
}

func (o Options) normalized() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = chunking.DefaultChunkSize
	}
	if o.ChunkOverlap < 0 {
		o.ChunkOverlap = chunking.DefaultOverlap
	}
	if o.SectionMaxChars <= 0 {
		o.SectionMaxChars = defaultSectionMaxChars
	}
	return o
}

const defaultSectionMaxChars = 1500

// Extractor turns raw files into chunk sequences.
type Extractor struct {
	logger *zap.Logger
	opts   Options
}

func New(logger *zap.Logger, opts Options) *Extractor {
	return &Extractor{logger: logger, opts: opts.normalized()}
}

// KindForName maps a file name to its source family by extension. Anything
// unrecognized is treated as plain text.
func KindForName(name string) Kind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return KindPDF
	case ".go", ".py", ".js", ".ts", ".java", ".c", ".cpp", ".h", ".rs", ".rb", ".sh", ".sql":
		return KindCode
	case ".csv", ".tsv", ".json", ".yaml", ".yml", ".xml":
		return KindData
	default:
		return KindText
	}
}

// File extracts a plain text, code, or data file by chunking its content
// directly.
func (e *Extractor) File(name string, data []byte, kind Kind) []Chunk {
	texts := chunking.ChunkText(string(data), chunking.Options{
		ChunkSize: e.opts.ChunkSize,
		Overlap:   e.opts.ChunkOverlap,
	})
	chunks := make([]Chunk, 0, len(texts))
	for _, t := range texts {
		chunks = append(chunks, Chunk{
			Content: t,
			Meta:    FileMeta{Kind: kind, Name: name},
		})
	}
	return chunks
}
