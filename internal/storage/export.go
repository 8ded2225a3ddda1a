package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

type exportSegment struct {
	Seq          int     `yaml:"seq"`
	Text         string  `yaml:"text"`
	StartTime    float64 `yaml:"start_time"`
	EndTime      float64 `yaml:"end_time"`
	Confidence   float64 `yaml:"confidence"`
	HasEmbedding bool    `yaml:"has_embedding"`
}

type exportConversation struct {
	ID          string          `yaml:"id"`
	Title       string          `yaml:"title"`
	CreatedAt   string          `yaml:"created_at"`
	SessionID   string          `yaml:"session_id"`
	AudioSource string          `yaml:"audio_source"`
	Speaker     string          `yaml:"speaker,omitempty"`
	Language    string          `yaml:"language,omitempty"`
	ModelUsed   string          `yaml:"model_used,omitempty"`
	Segments    []exportSegment `yaml:"segments"`
}

// ExportYAML streams every conversation with its segments to w as a YAML
// document, newest first. Raw vectors are omitted; each segment only notes
// whether one is stored.
func (s *Store) ExportYAML(ctx context.Context, w io.Writer) error {
	convs, err := s.ListConversations(ctx, ListFilter{Limit: 1 << 30})
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()

	out := make([]exportConversation, 0, len(convs))
	for _, conv := range convs {
		_, segments, err := s.ReadConversation(ctx, conv.ID)
		if err != nil {
			return fmt.Errorf("exporting conversation %s: %w", conv.ID, err)
		}
		ec := exportConversation{
			ID:          conv.ID,
			Title:       conv.Title,
			CreatedAt:   conv.CreatedAt.UTC().Format(time.RFC3339),
			SessionID:   conv.SessionID,
			AudioSource: string(conv.AudioSource),
			Speaker:     conv.Speaker,
			Language:    conv.Language,
			ModelUsed:   conv.ModelUsed,
		}
		for _, seg := range segments {
			ec.Segments = append(ec.Segments, exportSegment{
				Seq:          seg.Seq,
				Text:         seg.Text,
				StartTime:    seg.StartTime,
				EndTime:      seg.EndTime,
				Confidence:   seg.Confidence,
				HasEmbedding: len(seg.Embedding) > 0,
			})
		}
		out = append(out, ec)
	}

	if err := enc.Encode(map[string][]exportConversation{"conversations": out}); err != nil {
		return fmt.Errorf("encoding export: %w", err)
	}
	return nil
}
