package handlers

import (
	"bytes"
	"io"
	"net/http"

	"context-engine/extract"
	"context-engine/kb"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type KnowledgeHandler struct {
	service   *kb.Service
	extractor *extract.Extractor
	logger    *zap.Logger
}

func NewKnowledgeHandler(service *kb.Service, extractor *extract.Extractor, logger *zap.Logger) *KnowledgeHandler {
	return &KnowledgeHandler{service: service, extractor: extractor, logger: logger}
}

type addSourceRequest struct {
	Type      string            `json:"type" binding:"required"`
	Name      string            `json:"name" binding:"required"`
	Content   string            `json:"content" binding:"required"`
	Metadata  map[string]string `json:"metadata"`
	MessageID *uuid.UUID        `json:"message_id"`
}

// AddSource ingests full text handed over in one request.
func (h *KnowledgeHandler) AddSource(c *gin.Context) {
	conversationID, ok := h.conversationID(c)
	if !ok {
		return
	}

	var req addSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sourceID, err := h.service.AddSource(c.Request.Context(), conversationID, kb.SourceInput{
		Type:     req.Type,
		Name:     req.Name,
		Content:  req.Content,
		Metadata: req.Metadata,
	}, req.MessageID)
	if err != nil {
		// Ingestion failures surface as a failed upload.
		h.logger.Error("Source ingestion failed",
			zap.Error(err),
			zap.String("conversation_id", conversationID.String()),
			zap.String("name", req.Name))
		c.JSON(http.StatusBadGateway, gin.H{"error": "source ingestion failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"source_id": sourceID})
}

type batchChunk struct {
	Content  string            `json:"content" binding:"required"`
	Metadata map[string]string `json:"metadata"`
}

type ingestBatchRequest struct {
	Name       string            `json:"name" binding:"required"`
	Type       string            `json:"type" binding:"required"`
	R2Key      string            `json:"r2_key"`
	Metadata   map[string]string `json:"metadata"`
	MessageID  *uuid.UUID        `json:"message_id"`
	FirstBatch bool              `json:"first_batch"`
	Chunks     []batchChunk      `json:"chunks" binding:"required"`
}

// IngestBatch ingests one batch of a multi-batch upload whose chunks were
// extracted upstream.
func (h *KnowledgeHandler) IngestBatch(c *gin.Context) {
	conversationID, ok := h.conversationID(c)
	if !ok {
		return
	}

	var req ingestBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	chunks := make([]extract.Chunk, 0, len(req.Chunks))
	for _, chunk := range req.Chunks {
		chunks = append(chunks, extract.Chunk{
			Content: chunk.Content,
			Meta:    extract.RawMeta(chunk.Metadata),
		})
	}

	sourceID, err := h.service.IngestProcessedSource(c.Request.Context(), conversationID, kb.ProcessedSource{
		Name:     req.Name,
		Type:     req.Type,
		R2Key:    req.R2Key,
		Metadata: req.Metadata,
	}, chunks, req.MessageID, req.FirstBatch)
	if err != nil {
		h.logger.Error("Batch ingestion failed",
			zap.Error(err),
			zap.String("conversation_id", conversationID.String()),
			zap.String("name", req.Name))
		c.JSON(http.StatusBadGateway, gin.H{"error": "batch ingestion failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"source_id": sourceID})
}

// UploadFile extracts an uploaded file server-side and ingests it as a
// single-batch source. PDFs go through structured extraction; everything
// else is chunked as-is.
func (h *KnowledgeHandler) UploadFile(c *gin.Context) {
	conversationID, ok := h.conversationID(c)
	if !ok {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	var messageID *uuid.UUID
	if raw := c.PostForm("message_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
			return
		}
		messageID = &id
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to open uploaded file"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read uploaded file"})
		return
	}

	kind := extract.KindForName(fileHeader.Filename)
	var chunks []extract.Chunk
	if kind == extract.KindPDF {
		chunks, err = h.extractor.PDF(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			h.logger.Error("PDF extraction failed",
				zap.Error(err),
				zap.String("name", fileHeader.Filename))
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "failed to extract pdf"})
			return
		}
	} else {
		chunks = h.extractor.File(fileHeader.Filename, data, kind)
	}

	sourceID, err := h.service.IngestProcessedSource(c.Request.Context(), conversationID, kb.ProcessedSource{
		Name: fileHeader.Filename,
		Type: string(kind),
	}, chunks, messageID, true)
	if err != nil {
		h.logger.Error("File ingestion failed",
			zap.Error(err),
			zap.String("conversation_id", conversationID.String()),
			zap.String("name", fileHeader.Filename))
		c.JSON(http.StatusBadGateway, gin.H{"error": "file ingestion failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"source_id": sourceID, "chunks": len(chunks)})
}

type buildContextRequest struct {
	Query string `json:"query" binding:"required"`
}

// BuildContext resolves the conversation's knowledge scope and assembles the
// context string for a chat turn. Context failures are invisible to the
// caller: the response degrades to an empty context.
func (h *KnowledgeHandler) BuildContext(c *gin.Context) {
	conversationID, ok := h.conversationID(c)
	if !ok {
		return
	}

	var req buildContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	response := gin.H{"context": h.service.BuildContext(ctx, conversationID, req.Query)}

	if activeSources, err := h.service.ActiveSourceIDs(ctx, conversationID); err != nil {
		h.logger.Warn("Active source filtering failed",
			zap.Error(err),
			zap.String("conversation_id", conversationID.String()))
	} else {
		response["active_source_ids"] = activeSources
	}

	c.JSON(http.StatusOK, response)
}

func (h *KnowledgeHandler) conversationID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return uuid.Nil, false
	}
	return id, true
}
