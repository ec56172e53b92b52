package kb

import (
	"context"
	"fmt"

	"context-engine/chunking"
	"context-engine/database"
	apperrors "context-engine/errors"
	"context-engine/extract"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultEmbedBatchSize = 5

// ProcessedSource identifies one multi-batch upload whose chunks were already
// extracted by the caller.
type ProcessedSource struct {
	Name     string
	Type     string
	R2Key    string
	Metadata map[string]string
}

// SourceInput is the single-shot ingestion variant for content that is
// already available as full text.
type SourceInput struct {
	Type     string
	Name     string
	Content  string
	Metadata map[string]string
}

// IngestProcessedSource ingests one batch of an upload. All batches of the
// same upload hash to the same source; concurrent batches racing on creation
// converge on one row via conflict recovery. Chunk indices continue from the
// source's current maximum, and the source is linked to the conversation only
// on the first batch. Any embedding failure aborts the whole call.
func (s *Service) IngestProcessedSource(ctx context.Context, conversationID uuid.UUID, src ProcessedSource, chunks []extract.Chunk, messageID *uuid.UUID, firstBatch bool) (uuid.UUID, error) {
	hash := sourceIdentityHash(src.Name, src.R2Key, conversationID, messageID)

	metadata := cloneStringMap(src.Metadata)
	if src.R2Key != "" {
		metadata["r2_key"] = src.R2Key
	}

	sourceID, _, err := s.resolveSource(ctx, database.Source{
		Hash:     hash,
		Type:     src.Type,
		Name:     src.Name,
		Metadata: metadata,
	})
	if err != nil {
		return uuid.Nil, err
	}

	if firstBatch {
		if err := s.store.LinkSourceToConversation(ctx, conversationID, sourceID, messageID); err != nil {
			return uuid.Nil, fmt.Errorf("failed to link source to conversation: %w", err)
		}
	}

	ingestChunks := make([]ingestChunk, 0, len(chunks))
	for _, chunk := range chunks {
		var fields map[string]string
		if chunk.Meta != nil {
			fields = chunk.Meta.Fields()
		}
		ingestChunks = append(ingestChunks, ingestChunk{Content: chunk.Content, Metadata: fields})
	}

	if err := s.appendChunks(ctx, sourceID, ingestChunks); err != nil {
		return uuid.Nil, err
	}

	s.logger.Debug("Ingested source batch",
		zap.String("source_id", sourceID.String()),
		zap.String("conversation_id", conversationID.String()),
		zap.Int("chunks", len(chunks)),
		zap.Bool("first_batch", firstBatch))
	return sourceID, nil
}

// AddSource ingests full text in one shot: the content hash is the dedup key,
// chunking and embedding run only when the source is new, and the link to the
// conversation is always recorded.
func (s *Service) AddSource(ctx context.Context, conversationID uuid.UUID, src SourceInput, messageID *uuid.UUID) (uuid.UUID, error) {
	hash := hashContent(normalizeForHash(src.Content))
	if hash == "" {
		return uuid.Nil, apperrors.WrapError(apperrors.ErrInvalidInput, "source content is empty")
	}

	sourceID, created, err := s.resolveSource(ctx, database.Source{
		Hash:     hash,
		Type:     src.Type,
		Name:     src.Name,
		Metadata: cloneStringMap(src.Metadata),
	})
	if err != nil {
		return uuid.Nil, err
	}

	if created {
		texts := chunking.ChunkText(src.Content, chunking.Options{
			ChunkSize: s.cfg.ChunkSize,
			Overlap:   s.cfg.ChunkOverlap,
		})
		chunks := make([]ingestChunk, 0, len(texts))
		for _, text := range texts {
			chunks = append(chunks, ingestChunk{Content: text})
		}
		if err := s.appendChunks(ctx, sourceID, chunks); err != nil {
			return uuid.Nil, err
		}
	}

	if err := s.store.LinkSourceToConversation(ctx, conversationID, sourceID, messageID); err != nil {
		return uuid.Nil, fmt.Errorf("failed to link source to conversation: %w", err)
	}
	return sourceID, nil
}

// resolveSource finds or creates the source addressed by src.Hash. A creation
// race with another writer is resolved by re-reading the hash and adopting
// the winner's id.
func (s *Service) resolveSource(ctx context.Context, src database.Source) (uuid.UUID, bool, error) {
	existing, err := s.store.GetSourceByHash(ctx, src.Hash)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to resolve source by hash: %w", err)
	}
	if existing != nil {
		return existing.ID, false, nil
	}

	sourceID, err := s.store.CreateSource(ctx, src)
	if err == nil {
		return sourceID, true, nil
	}
	if !apperrors.IsConflict(err) {
		return uuid.Nil, false, fmt.Errorf("failed to create source: %w", err)
	}

	// A concurrent batch won the insert; the pre-existing row is
	// authoritative.
	winner, lookupErr := s.store.GetSourceByHash(ctx, src.Hash)
	if lookupErr != nil {
		return uuid.Nil, false, fmt.Errorf("failed to recover from source conflict: %w", lookupErr)
	}
	if winner == nil {
		return uuid.Nil, false, fmt.Errorf("source conflict recovery found no row for hash %s: %w", src.Hash, err)
	}

	s.logger.Debug("Recovered from concurrent source creation",
		zap.String("source_id", winner.ID.String()),
		zap.String("hash", src.Hash))
	return winner.ID, false, nil
}

type ingestChunk struct {
	Content  string
	Metadata map[string]string
}

// appendChunks embeds and persists chunks after the source's current maximum
// index. Embedding calls fan out in sub-batches of bounded size; batches run
// sequentially and the first failure aborts the call.
func (s *Service) appendChunks(ctx context.Context, sourceID uuid.UUID, chunks []ingestChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	maxIndex, err := s.store.MaxChunkIndex(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("failed to determine chunk index base: %w", err)
	}
	base := maxIndex + 1

	batchSize := s.cfg.EmbedBatchSize
	if batchSize <= 0 {
		batchSize = defaultEmbedBatchSize
	}

	vectors := make([][]float32, len(chunks))
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				vec, err := s.embedder.Embed(gctx, chunks[i].Content)
				if err != nil {
					return fmt.Errorf("failed to embed chunk %d: %w", base+i, err)
				}
				vectors[i] = vec
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	for i, chunk := range chunks {
		err := s.store.AddKnowledgeChunk(ctx, database.KnowledgeChunk{
			SourceID:   sourceID,
			ChunkIndex: base + i,
			Content:    chunk.Content,
			Embedding:  vectors[i],
			Metadata:   chunk.Metadata,
		})
		if err != nil {
			return fmt.Errorf("failed to store chunk %d: %w", base+i, err)
		}
	}
	return nil
}

func cloneStringMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return make(map[string]string)
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
