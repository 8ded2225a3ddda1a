package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kohlhas/recollect/internal/storage"
)

// Service turns validated payloads into conversation writes.
type Service struct {
	store *storage.Store
}

// NewService wires a Service to a store.
func NewService(store *storage.Store) *Service {
	return &Service{store: store}
}

// Ingest validates the payload and writes it as one conversation. It returns
// the stored conversation and its segment count. Field errors name the
// offending field path; nothing is written unless the whole payload is valid.
func (s *Service) Ingest(ctx context.Context, p Payload) (storage.Conversation, int, error) {
	if len(p.Segments) == 0 {
		return storage.Conversation{}, 0, &storage.IngestionError{Field: "segments", Reason: "must contain at least one segment"}
	}
	if p.ProcessingTime < 0 {
		return storage.Conversation{}, 0, &storage.IngestionError{Field: "processing_time_ms", Reason: "must not be negative"}
	}

	createdAt := time.Now().UTC()
	if p.SessionMetadata.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, p.SessionMetadata.Timestamp)
		if err != nil {
			return storage.Conversation{}, 0, &storage.IngestionError{
				Field:  "session_metadata.timestamp",
				Reason: "must be RFC 3339",
			}
		}
		createdAt = t.UTC()
	}

	sessionID := p.SessionMetadata.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	conv := storage.Conversation{
		ID:               uuid.New().String(),
		Title:            deriveTitle(p),
		Text:             p.Text,
		CreatedAt:        createdAt,
		SessionID:        sessionID,
		AudioSource:      classifyAudioSource(p.SessionMetadata.AudioSource),
		Speaker:          p.SessionMetadata.Speaker,
		SourceTool:       p.SessionMetadata.SourceTool,
		DeviceInfo:       p.SessionMetadata.DeviceInfo,
		Language:         p.Language,
		ModelUsed:        p.ModelUsed,
		ProcessingTimeMS: p.ProcessingTime,
	}

	segments := make([]storage.Segment, 0, len(p.Segments))
	for i, in := range p.Segments {
		seg := storage.Segment{
			ID:         uuid.New().String(),
			Text:       in.Text,
			StartTime:  in.StartTime,
			EndTime:    in.EndTime,
			Confidence: in.Confidence,
			Embedding:  in.Embedding,
		}
		if len(in.Words) > 0 {
			words, err := json.Marshal(in.Words)
			if err != nil {
				return storage.Conversation{}, 0, fmt.Errorf("encoding words for segment %d: %w", i, err)
			}
			seg.WordsJSON = string(words)
		}
		segments = append(segments, seg)
	}

	if err := s.store.WriteConversation(ctx, conv, segments); err != nil {
		return storage.Conversation{}, 0, err
	}
	conv.SegmentCount = len(segments)
	return conv, len(segments), nil
}

// classifyAudioSource folds free-form device descriptions into the closed
// source set. Unrecognized descriptions become named devices, never unknown,
// so the original description stays meaningful.
func classifyAudioSource(raw string) storage.AudioSource {
	switch lowered := strings.ToLower(strings.TrimSpace(raw)); {
	case lowered == "":
		return storage.AudioSourceUnknown
	case lowered == string(storage.AudioSourceSystemAudio),
		strings.Contains(lowered, "system"),
		strings.Contains(lowered, "loopback"),
		strings.Contains(lowered, "blackhole"),
		strings.Contains(lowered, "monitor"):
		return storage.AudioSourceSystemAudio
	case strings.Contains(lowered, "mic"):
		return storage.AudioSourceMicrophone
	default:
		return storage.AudioSourceNamedDevice
	}
}

const titleRunes = 80

// deriveTitle takes the first line of the transcript, or of the first
// segment, trimmed to a displayable length.
func deriveTitle(p Payload) string {
	text := strings.TrimSpace(p.Text)
	if text == "" && len(p.Segments) > 0 {
		text = strings.TrimSpace(p.Segments[0].Text)
	}
	if text == "" {
		return "Untitled conversation"
	}
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}
	if utf8.RuneCountInString(text) <= titleRunes {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:titleRunes])) + "..."
}
