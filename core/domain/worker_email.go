// Package domain holds the core entities shared across services and adapters.
package domain

import (
	"time"
)

// EmbeddingDim is the dimension of every stored vector. It is fixed at build
// time and must match the embedding model served by TEI.
const EmbeddingDim = 768

// =============================================================================
// Privacy Tiers
// =============================================================================

// PrivacyTier is the three-way privacy classification of an email.
type PrivacyTier int

const (
	TierSensitive PrivacyTier = 1
	TierPersonal  PrivacyTier = 2
	TierPublic    PrivacyTier = 3
)

// String returns the label used in prompts and logs.
func (t PrivacyTier) String() string {
	switch t {
	case TierSensitive:
		return "SENSITIVE"
	case TierPersonal:
		return "PERSONAL"
	case TierPublic:
		return "PUBLIC"
	default:
		return "?"
	}
}

// Valid reports whether t is one of the three known tiers.
func (t PrivacyTier) Valid() bool {
	return t == TierSensitive || t == TierPersonal || t == TierPublic
}

// =============================================================================
// Email
// =============================================================================

// Email is one stored Gmail message. Raw columns are written by the fetch
// worker; derived columns (PrivacyTier, redacted forms, embeddings,
// TransformCompletedAt) are owned by the transform pipeline.
type Email struct {
	ID        int64
	AccountID int64

	GmailID  string
	ThreadID string

	Subject   string
	FromEmail string
	FromName  string

	SentAt time.Time

	Labels         []string
	HasAttachments bool

	BodyText string
	Snippet  string

	// Derived (transform-owned)
	PrivacyTier          PrivacyTier
	BodyRedacted         string
	SnippetRedacted      string
	SubjectEmbedding     []float32
	BodyEmbedding        []float32
	BodyPooledEmbedding  []float32
	TransformCompletedAt *time.Time

	DeletedAt *time.Time
}

// Sender returns the classifier-facing sender string: "Name <addr>" when a
// display name exists, the bare address otherwise.
func (e *Email) Sender() string {
	name := e.FromName
	if name != "" {
		return name + " <" + e.FromEmail + ">"
	}
	return e.FromEmail
}

// EmailChunk is one embedded portion of a long body. Chunk rows for an email
// are always rewritten as a unit; positions are contiguous from 0.
type EmailChunk struct {
	ID        int64
	EmailID   int64
	Text      string
	Position  int
	Weight    float64
	Embedding []float32
}

// AccountLabel maps a Gmail label id to its human-readable name for one
// account. Read-only for the transform pipeline.
type AccountLabel struct {
	AccountID int64
	LabelID   string
	LabelName string
}

// =============================================================================
// Chunking
// =============================================================================

// Chunk is a planned body chunk before embedding.
type Chunk struct {
	Text     string
	Position int
	Weight   float64
}

// BodyType describes which embedding path a prepared body takes.
type BodyType string

const (
	BodyNone    BodyType = "none"
	BodyFull    BodyType = "full"
	BodyChunked BodyType = "chunked"
)

// =============================================================================
// Progress
// =============================================================================

// TransformProgress is the cumulative state emitted to the progress callback
// at startup and after every batch.
type TransformProgress struct {
	Total        int                 `json:"total"`
	Processed    int                 `json:"processed"`
	Failed       int                 `json:"failed"`
	ByTier       map[PrivacyTier]int `json:"by_tier"`
	BodyFull     int                 `json:"body_full"`
	BodyChunked  int                 `json:"body_chunked"`
	BatchNum     int                 `json:"batch_num"`
	TotalBatches int                 `json:"total_batches"`
}

// ValidationIssue is one class of derived-state inconsistency found by the
// validate command, with how many rows exhibit it.
type ValidationIssue struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// TransformSummary is the final result of one pipeline run.
type TransformSummary struct {
	Transformed int
	Failed      int
	ByTier      map[PrivacyTier]int
	BodyFull    int
	BodyChunked int
}
