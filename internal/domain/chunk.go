package domain

import (
	"strings"
	"time"
)

// ChunkStatus enumerates the per-chunk lifecycle states.
type ChunkStatus string

const (
	ChunkStatusPending      ChunkStatus = "pending"
	ChunkStatusTranslating  ChunkStatus = "translating"
	ChunkStatusLLMEnhancing ChunkStatus = "llm-enhancing"
	ChunkStatusCompleted    ChunkStatus = "completed"
	ChunkStatusFailed       ChunkStatus = "failed"
)

// ChunkStatuses lists every status in lifecycle order.
var ChunkStatuses = []ChunkStatus{
	ChunkStatusPending,
	ChunkStatusTranslating,
	ChunkStatusLLMEnhancing,
	ChunkStatusCompleted,
	ChunkStatusFailed,
}

// Valid reports whether s is one of the known chunk statuses.
func (s ChunkStatus) Valid() bool {
	for _, known := range ChunkStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Active reports whether a worker currently owns the chunk.
func (s ChunkStatus) Active() bool {
	return s == ChunkStatusTranslating || s == ChunkStatusLLMEnhancing
}

// Processing layers recorded on a chunk.
const (
	LayerChunker     = "chunker"
	LayerTranslation = "translation"
	LayerManual      = "manual"
)

// StageResult records one executed enhancement stage. Results are only ever
// appended to a chunk.
type StageResult struct {
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Detail     string `json:"detail,omitempty"`
}

// Chunk is one token-bounded unit of a document, addressable by ChunkIndex.
type Chunk struct {
	ID              string        `json:"id"`
	JobID           string        `json:"job_id"`
	ChunkIndex      int           `json:"chunk_index"`
	SourceText      string        `json:"source_text"`
	SourceHTML      string        `json:"source_html,omitempty"`
	TranslatedText  string        `json:"translated_text,omitempty"`
	TranslatedHTML  string        `json:"translated_html,omitempty"`
	TokenCount      int           `json:"token_count"`
	CharCount       int           `json:"char_count"`
	OverlapChars    int           `json:"overlap_chars"`
	Status          ChunkStatus   `json:"status"`
	Error           string        `json:"error,omitempty"`
	RetryCount      int           `json:"retry_count"`
	NextRetryAt     *time.Time    `json:"next_retry_at,omitempty"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	ProcessingLayer string        `json:"processing_layer,omitempty"`
	LLMModel        string        `json:"llm_model,omitempty"`
	LLMDurationMS   int64         `json:"llm_duration_ms,omitempty"`
	LLMStages       []StageResult `json:"llm_stages,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Body returns the part of the source after the overlap prefix. For HTML
// chunks the prefix is measured on SourceHTML.
func (c *Chunk) Body() string {
	src := c.Source()
	if c.OverlapChars <= 0 || c.OverlapChars > len(src) {
		return src
	}
	return strings.TrimSpace(src[c.OverlapChars:])
}

// Context returns the overlap prefix repeated from the previous chunk.
func (c *Chunk) Context() string {
	src := c.Source()
	if c.OverlapChars <= 0 || c.OverlapChars > len(src) {
		return ""
	}
	return strings.TrimSpace(src[:c.OverlapChars])
}

// Source returns the markup when the chunk has it, otherwise the plain text.
func (c *Chunk) Source() string {
	if c.SourceHTML != "" {
		return c.SourceHTML
	}
	return c.SourceText
}

// Exhausted reports whether a failed chunk has no automatic retry pending.
func (c *Chunk) Exhausted() bool {
	return c.Status == ChunkStatusFailed && c.NextRetryAt == nil
}

// Clone returns a deep copy so callers can mutate it without touching shared
// state.
func (c Chunk) Clone() Chunk {
	out := c
	if c.NextRetryAt != nil {
		t := *c.NextRetryAt
		out.NextRetryAt = &t
	}
	if c.StartedAt != nil {
		t := *c.StartedAt
		out.StartedAt = &t
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	if c.LLMStages != nil {
		out.LLMStages = append([]StageResult(nil), c.LLMStages...)
	}
	return out
}
