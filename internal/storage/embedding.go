package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// Vectors are stored as little-endian float32 blobs, 4 bytes per dimension.

// EncodeVector serializes a float32 vector for storage.
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector deserializes a stored vector blob.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid vector blob length %d", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}

// DecodeVectorInto deserializes into dst, reusing its backing array when it
// has capacity. Scan loops use this to avoid one allocation per row.
func DecodeVectorInto(dst []float32, data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid vector blob length %d", len(data))
	}
	n := len(data) / 4
	if cap(dst) >= n {
		dst = dst[:n]
	} else {
		dst = make([]float32, n)
	}
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return dst, nil
}

const embeddingDimKey = "embedding_dim"

// EmbeddingDim returns the store's fixed embedding dimension, or 0 when no
// embedding has been written yet.
func (s *Store) EmbeddingDim(ctx context.Context) (int, error) {
	var value string
	err := s.readDB.QueryRowContext(ctx,
		"SELECT value FROM store_meta WHERE key = ?", embeddingDimKey).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading embedding dimension: %w", err)
	}
	dim, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parsing embedding dimension %q: %w", value, err)
	}
	return dim, nil
}

func embeddingDimTx(tx *sql.Tx) (int, error) {
	var value string
	err := tx.QueryRow("SELECT value FROM store_meta WHERE key = ?", embeddingDimKey).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading embedding dimension: %w", err)
	}
	dim, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parsing embedding dimension %q: %w", value, err)
	}
	return dim, nil
}

func setEmbeddingDimTx(tx *sql.Tx, dim int) error {
	if _, err := tx.Exec("INSERT INTO store_meta (key, value) VALUES (?, ?)",
		embeddingDimKey, strconv.Itoa(dim)); err != nil {
		return fmt.Errorf("recording embedding dimension: %w", err)
	}
	return nil
}

// SegmentsMissingEmbedding returns up to limit segments with no stored
// vector, optionally restricted to one conversation. The embedding worker
// uses this to backfill.
func (s *Store) SegmentsMissingEmbedding(ctx context.Context, conversationID string, limit int) ([]Segment, error) {
	if limit <= 0 {
		limit = 100
	}
	sqlText := "SELECT id, conversation_id, seq, text FROM segments WHERE embedding IS NULL"
	var args []any
	if conversationID != "" {
		sqlText += " AND conversation_id = ?"
		args = append(args, conversationID)
	}
	sqlText += " ORDER BY conversation_id, seq LIMIT ?"
	args = append(args, limit)

	rows, err := s.readDB.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("listing segments without embeddings: %w", err)
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.ID, &seg.ConversationID, &seg.Seq, &seg.Text); err != nil {
			return nil, fmt.Errorf("scanning segment: %w", err)
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// SetSegmentEmbedding stores a vector for one segment, fixing the store's
// embedding dimension on first use. Only the embedding column changes.
func (s *Store) SetSegmentEmbedding(ctx context.Context, segmentID string, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("empty embedding for segment %s", segmentID)
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
		if dim == 0 {
			if err := setEmbeddingDimTx(tx, len(vec)); err != nil {
				return err
			}
		} else if len(vec) != dim {
			return fmt.Errorf("embedding dimension %d does not match store dimension %d", len(vec), dim)
		}

		res, err := tx.ExecContext(ctx,
			"UPDATE segments SET embedding = ? WHERE id = ?", EncodeVector(vec), segmentID)
		if err != nil {
			return fmt.Errorf("updating segment embedding: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("segment %s: %w", segmentID, ErrNotFound)
		}
		return tx.Commit()
	})
}
