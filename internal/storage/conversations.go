package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// WriteConversation persists a conversation and its segments in one
// transaction. Either everything lands or nothing does.
//
// Segments are stored ordered by start time; their Seq fields are assigned
// here. The first segment ever written with an embedding fixes the store's
// embedding dimension, and later writes with a different dimension are
// rejected.
func (s *Store) WriteConversation(ctx context.Context, conv Conversation, segments []Segment) error {
	if conv.ID == "" {
		return &IngestionError{Field: "id", Reason: "must not be empty"}
	}
	if len(segments) == 0 {
		return &IngestionError{Field: "segments", Reason: "must contain at least one segment"}
	}
	for i, seg := range segments {
		if seg.ID == "" {
			return &IngestionError{Field: fmt.Sprintf("segments[%d].id", i), Reason: "must not be empty"}
		}
		if seg.Text == "" {
			return &IngestionError{Field: fmt.Sprintf("segments[%d].text", i), Reason: "must not be empty"}
		}
		if seg.StartTime < 0 {
			return &IngestionError{Field: fmt.Sprintf("segments[%d].start_time", i), Reason: "must not be negative"}
		}
		if seg.EndTime < seg.StartTime {
			return &IngestionError{Field: fmt.Sprintf("segments[%d].end_time", i), Reason: "must not precede start_time"}
		}
		if seg.Confidence < 0 || seg.Confidence > 1 {
			return &IngestionError{Field: fmt.Sprintf("segments[%d].confidence", i), Reason: "must be within [0, 1]"}
		}
	}

	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	if conv.AudioSource == "" {
		conv.AudioSource = AudioSourceUnknown
	}

	ordered := make([]Segment, len(segments))
	copy(ordered, segments)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].StartTime < ordered[j].StartTime
	})
	for i := range ordered {
		ordered[i].Seq = i
		ordered[i].ConversationID = conv.ID
	}

	return withRetry(ctx, func() error {
		tx, err := s.writeDB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer tx.Rollback()

		dim, err := embeddingDimTx(tx)
		if err != nil {
			return err
		}
		for i, seg := range ordered {
			if len(seg.Embedding) == 0 {
				continue
			}
			if dim == 0 {
				dim = len(seg.Embedding)
				if err := setEmbeddingDimTx(tx, dim); err != nil {
					return err
				}
			} else if len(seg.Embedding) != dim {
				return &IngestionError{
					Field:  fmt.Sprintf("segments[%d].embedding", i),
					Reason: fmt.Sprintf("dimension %d does not match store dimension %d", len(seg.Embedding), dim),
				}
			}
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO conversations
			(id, title, text, created_at, session_id, audio_source, speaker, source_tool, device_info, language, model_used, processing_time_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			conv.ID, conv.Title, conv.Text, conv.CreatedAt.UTC().Format(time.RFC3339),
			conv.SessionID, string(conv.AudioSource), conv.Speaker, conv.SourceTool,
			conv.DeviceInfo, conv.Language, conv.ModelUsed, conv.ProcessingTimeMS,
		); err != nil {
			return fmt.Errorf("inserting conversation: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO segments
			(id, conversation_id, seq, text, start_time, end_time, confidence, words_json, embedding)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing segment insert: %w", err)
		}
		defer stmt.Close()

		for _, seg := range ordered {
			var blob []byte
			if len(seg.Embedding) > 0 {
				blob = EncodeVector(seg.Embedding)
			}
			var words any
			if seg.WordsJSON != "" {
				words = seg.WordsJSON
			}
			if _, err := stmt.ExecContext(ctx,
				seg.ID, seg.ConversationID, seg.Seq, seg.Text,
				seg.StartTime, seg.EndTime, seg.Confidence, words, blob,
			); err != nil {
				return fmt.Errorf("inserting segment %d: %w", seg.Seq, err)
			}
		}

		return tx.Commit()
	})
}

// ReadConversation loads a conversation and its segments, ordered by
// sequence. Both reads run in one transaction so the result is a consistent
// snapshot. Returns ErrNotFound for an unknown id.
func (s *Store) ReadConversation(ctx context.Context, id string) (Conversation, []Segment, error) {
	tx, err := s.readDB.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, nil, fmt.Errorf("beginning read transaction: %w", err)
	}
	defer tx.Rollback()

	conv, err := scanConversation(tx.QueryRowContext(ctx, `SELECT
		id, title, text, created_at, session_id, audio_source, speaker, source_tool, device_info, language, model_used, processing_time_ms,
		(SELECT COUNT(*) FROM segments WHERE conversation_id = conversations.id)
		FROM conversations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Conversation{}, nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Conversation{}, nil, fmt.Errorf("reading conversation: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT
		id, conversation_id, seq, text, start_time, end_time, confidence, words_json, embedding
		FROM segments WHERE conversation_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return Conversation{}, nil, fmt.Errorf("reading segments: %w", err)
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		var seg Segment
		var words sql.NullString
		var blob []byte
		if err := rows.Scan(&seg.ID, &seg.ConversationID, &seg.Seq, &seg.Text,
			&seg.StartTime, &seg.EndTime, &seg.Confidence, &words, &blob); err != nil {
			return Conversation{}, nil, fmt.Errorf("scanning segment: %w", err)
		}
		seg.WordsJSON = words.String
		if len(blob) > 0 {
			vec, err := DecodeVector(blob)
			if err != nil {
				return Conversation{}, nil, fmt.Errorf("decoding embedding for segment %s: %w", seg.ID, err)
			}
			seg.Embedding = vec
		}
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return Conversation{}, nil, err
	}

	return conv, segments, nil
}

// ListFilter narrows and pages ListConversations results.
type ListFilter struct {
	Speaker   string
	SessionID string
	Limit     int
	Offset    int
}

// ListConversations returns conversation summaries, newest first. Limit
// defaults to 100 when unset.
func (s *Store) ListConversations(ctx context.Context, f ListFilter) ([]Conversation, error) {
	sqlText := `SELECT
		id, title, text, created_at, session_id, audio_source, speaker, source_tool, device_info, language, model_used, processing_time_ms,
		(SELECT COUNT(*) FROM segments WHERE conversation_id = conversations.id)
		FROM conversations`

	var where []string
	var args []any
	if f.Speaker != "" {
		where = append(where, "speaker = ?")
		args = append(args, f.Speaker)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	for i, w := range where {
		if i == 0 {
			sqlText += " WHERE " + w
		} else {
			sqlText += " AND " + w
		}
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	sqlText += " ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.readDB.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// DeleteConversation removes a conversation and all its segments, recording
// the removal in the deletion log within the same transaction. Returns the
// number of segments removed, or ErrNotFound if the id is unknown.
func (s *Store) DeleteConversation(ctx context.Context, id, reason string) (int, error) {
	var removed int
	err := withRetry(ctx, func() error {
		tx, err := s.writeDB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer tx.Rollback()

		var title string
		var count int
		err = tx.QueryRowContext(ctx, `SELECT title,
			(SELECT COUNT(*) FROM segments WHERE conversation_id = conversations.id)
			FROM conversations WHERE id = ?`, id).Scan(&title, &count)
		if err == sql.ErrNoRows {
			return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("reading conversation: %w", err)
		}

		// Segments cascade via the foreign key.
		if _, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id); err != nil {
			return fmt.Errorf("deleting conversation: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO deletion_log
			(conversation_id, title, segment_count, reason, deleted_at)
			VALUES (?, ?, ?, ?, ?)`,
			id, title, count, reason, time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("recording deletion: %w", err)
		}

		removed = count
		return tx.Commit()
	})
	return removed, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var conv Conversation
	var createdAt, audioSource string
	err := row.Scan(&conv.ID, &conv.Title, &conv.Text, &createdAt, &conv.SessionID,
		&audioSource, &conv.Speaker, &conv.SourceTool, &conv.DeviceInfo,
		&conv.Language, &conv.ModelUsed, &conv.ProcessingTimeMS, &conv.SegmentCount)
	if err != nil {
		return Conversation{}, err
	}
	conv.AudioSource = AudioSource(audioSource)
	if t, perr := time.Parse(time.RFC3339, createdAt); perr == nil {
		conv.CreatedAt = t
	}
	return conv, nil
}
