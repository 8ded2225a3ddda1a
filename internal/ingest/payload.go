// Package ingest decodes transcription payloads into store writes. Decoding
// is strict: unknown fields, trailing data, and out-of-range values are
// rejected before anything touches the store.
package ingest

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/kohlhas/recollect/internal/storage"
)

// Payload is a completed transcription as submitted by capture tools.
type Payload struct {
	Text            string         `json:"text"`
	Language        string         `json:"language,omitempty"`
	Segments        []SegmentInput `json:"segments"`
	ProcessingTime  int64          `json:"processing_time_ms,omitempty"`
	ModelUsed       string         `json:"model_used,omitempty"`
	SessionMetadata SessionInput   `json:"session_metadata"`
}

// SegmentInput is one recognized span. Times are seconds from the start of
// the recording. Embedding is optional and, when present, must match the
// store's dimension.
type SegmentInput struct {
	Text       string      `json:"text"`
	StartTime  float64     `json:"start_time"`
	EndTime    float64     `json:"end_time"`
	Confidence float64     `json:"confidence"`
	Words      []WordInput `json:"words,omitempty"`
	Embedding  []float32   `json:"embedding,omitempty"`
}

// WordInput is a word-level timing inside a segment.
type WordInput struct {
	Word        string  `json:"word"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Probability float64 `json:"probability"`
}

// SessionInput describes the capture session.
type SessionInput struct {
	SessionID   string `json:"session_id,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
	AudioSource string `json:"audio_source,omitempty"`
	Speaker     string `json:"speaker,omitempty"`
	DeviceInfo  string `json:"device_info,omitempty"`
	SourceTool  string `json:"source_tool,omitempty"`
}

// DecodePayload reads exactly one JSON payload from r. Unknown fields and
// trailing content are rejected so that a capture tool sending the wrong
// shape fails loudly instead of losing fields.
func DecodePayload(r io.Reader) (Payload, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var p Payload
	if err := dec.Decode(&p); err != nil {
		return Payload{}, &storage.IngestionError{Field: "payload", Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	if dec.More() {
		return Payload{}, &storage.IngestionError{Field: "payload", Reason: "trailing data after JSON document"}
	}
	return p, nil
}
