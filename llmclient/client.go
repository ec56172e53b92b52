package llmclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"context-engine/config"
	apperrors "context-engine/errors"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// Embedding request/response mirror llama.cpp's expected schema
type embeddingRequest struct {
	Content string `json:"content"`
}

type embeddingResponse []struct {
	Embedding [][]float32 `json:"embedding"`
}

// Client talks to a llama.cpp-compatible embedding server. Identical content
// is served from an LRU cache keyed by content digest, so re-ingesting a
// deduplicated source costs no extra upstream calls.
type Client struct {
	cfg        *config.Config
	httpClient *http.Client
	logger     *zap.Logger
	cache      *lru.Cache
}

func New(cfg *config.Config, logger *zap.Logger) *Client {
	cacheSize := cfg.EmbeddingCacheSize
	if cacheSize <= 0 {
		cacheSize = 512
	}
	// lru.New only fails on a non-positive size
	cache, _ := lru.New(cacheSize)

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.EmbeddingTimeout},
		logger:     logger,
		cache:      cache,
	}
}

// Embed generates an embedding vector for the provided content. Content
// longer than the configured character bound is clamped before the call;
// the embedding model's own token window makes longer input pointless.
func (c *Client) Embed(ctx context.Context, content string) ([]float32, error) {
	host := strings.TrimSpace(c.cfg.EmbeddingLLMHost)
	if host == "" {
		return nil, apperrors.WrapError(apperrors.ErrServiceUnavailable, "embedding host not configured")
	}

	content = c.clamp(content)
	key := cacheKey(content)
	if cached, ok := c.cache.Get(key); ok {
		if vec, ok := cached.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := c.embed(ctx, host, content)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

func (c *Client) embed(ctx context.Context, host, content string) ([]float32, error) {
	reqBody := embeddingRequest{Content: content}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/embeddings", strings.TrimRight(host, "/"))
	var resp *http.Response
	var lastErr error
	for attempt := 0; attempt < c.maxRetries(); attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
		if err != nil {
			return nil, fmt.Errorf("create embedding request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		r, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			c.backoffSleep(attempt)
			continue
		}

		if r.StatusCode == http.StatusServiceUnavailable {
			io.Copy(io.Discard, r.Body)
			r.Body.Close()
			c.logger.Warn("Embedding model loading, retrying")
			c.backoffSleep(attempt)
			continue
		}

		resp = r
		break
	}
	if resp == nil {
		return nil, apperrors.WrapErrorf(apperrors.ErrEmbedding, "no response from embedding server: %v", lastErr)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.WrapErrorf(apperrors.ErrEmbedding, "embedding server status %s: %s", resp.Status, string(bodyBytes))
	}

	var er embeddingResponse
	if err := json.Unmarshal(bodyBytes, &er); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(er) == 0 || len(er[0].Embedding) == 0 {
		return nil, apperrors.WrapError(apperrors.ErrEmbedding, "embedding response was empty")
	}
	return er[0].Embedding[0], nil
}

func (c *Client) clamp(content string) string {
	limit := c.cfg.MaxEmbeddingChars
	if limit <= 0 || len(content) <= limit {
		return content
	}
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	return string(runes[:limit])
}

func (c *Client) maxRetries() int {
	if c.cfg.MaxRetries > 0 {
		return c.cfg.MaxRetries
	}
	return 3
}

func (c *Client) backoffSleep(attempt int) {
	base := c.cfg.RetryDelay
	if base <= 0 {
		base = time.Second
	}
	time.Sleep(base * time.Duration(1<<attempt))
}

func cacheKey(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
