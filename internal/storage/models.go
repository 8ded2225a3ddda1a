package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrBusy is returned when the write path stayed contended through the
// bounded retry loop. Callers may retry the whole operation.
var ErrBusy = errors.New("storage busy")

// IngestionError reports a payload or invariant violation. A write that
// produces an IngestionError has not touched the store.
type IngestionError struct {
	Field  string
	Reason string
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingestion rejected: %s: %s", e.Field, e.Reason)
}

// SchemaError reports an on-disk schema this binary cannot reconcile.
// It is fatal: the store must be migrated by a newer binary, not guessed at.
type SchemaError struct {
	Found     int
	Supported int
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("incompatible schema version %d (this binary supports up to %d)", e.Found, e.Supported)
}

// AudioSource classifies where a conversation's audio came from.
type AudioSource string

const (
	AudioSourceMicrophone  AudioSource = "microphone"
	AudioSourceSystemAudio AudioSource = "system_audio"
	AudioSourceNamedDevice AudioSource = "named_device"
	AudioSourceUnknown     AudioSource = "unknown"
)

// Conversation is one ingested recording session. Immutable once committed
// except via DeleteConversation; embedding backfill may attach vectors to its
// segments but never alters transcript fields.
type Conversation struct {
	ID               string
	Title            string
	Text             string // full transcript text as submitted
	CreatedAt        time.Time
	SessionID        string
	AudioSource      AudioSource
	Speaker          string
	SourceTool       string
	DeviceInfo       string
	Language         string
	ModelUsed        string
	ProcessingTimeMS int64
	SegmentCount     int // populated by list queries
}

// Segment is a timestamped span of recognized text. Within a conversation,
// segments are ordered by start_time with ties broken by input order; that
// canonical order is materialized in Seq.
type Segment struct {
	ID             string
	ConversationID string
	Seq            int
	Text           string
	StartTime      float64 // seconds
	EndTime        float64 // seconds
	Confidence     float64 // in [0,1]
	WordsJSON      string  // canonical JSON array of word timings, "" when absent
	Embedding      []float32
}

// Job is a queued unit of background work (embedding backfill).
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
