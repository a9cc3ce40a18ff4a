package domain

import (
	"time"

	"doctranslate/internal/domain/jsoncfg"
)

// JobStatus enumerates the aggregate lifecycle states of a translation job.
type JobStatus string

const (
	JobStatusPending     JobStatus = "pending"
	JobStatusTranslating JobStatus = "translating"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
	JobStatusPartial     JobStatus = "partial"
)

// Terminal reports whether no chunk of the job can make further progress
// without an explicit retry.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusPartial:
		return true
	default:
		return false
	}
}

// Job is one translation request for one document. It exclusively owns its
// chunks; deleting a job deletes every chunk.
type Job struct {
	ID              string                    `json:"id"`
	Filename        string                    `json:"filename"`
	SourceLanguage  string                    `json:"source_language"`
	TargetLanguage  string                    `json:"target_language"`
	APIProvider     string                    `json:"api_provider"`
	OutputFormat    string                    `json:"output_format"`
	SourceFormat    string                    `json:"source_format"`
	Status          JobStatus                 `json:"status"`
	TotalChunks     int                       `json:"total_chunks"`
	CompletedChunks int                       `json:"completed_chunks"`
	FailedChunks    int                       `json:"failed_chunks"`
	DeclaredLength  int                       `json:"declared_length"`
	Cancelled       bool                      `json:"cancelled"`
	ErrorMessage    string                    `json:"error_message,omitempty"`
	SourceKey       string                    `json:"-"`
	OutputKey       string                    `json:"output_key,omitempty"`
	Provider        jsoncfg.ProviderConfig    `json:"-"`
	Enhancement     jsoncfg.EnhancementConfig `json:"enhancement"`
	ChunkedAt       *time.Time                `json:"chunked_at,omitempty"`
	CreatedAt       time.Time                 `json:"created_at"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// Chunked reports whether the job's document has already been split.
func (j *Job) Chunked() bool {
	return j != nil && j.ChunkedAt != nil
}

// Clone returns a deep copy of the job.
func (j Job) Clone() Job {
	out := j
	if j.ChunkedAt != nil {
		t := *j.ChunkedAt
		out.ChunkedAt = &t
	}
	out.Provider = j.Provider.Clone()
	return out
}
