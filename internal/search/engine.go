// Package search ranks stored segments by cosine similarity against a query
// vector. Retrieval is a brute-force scan over every stored embedding, O(n*d)
// per query; at the store sizes this serves (tens of thousands of segments)
// that is faster and simpler than maintaining an index.
package search

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/kohlhas/recollect/internal/storage"
)

// ErrBadQuery marks caller mistakes (bad top_k, wrong dimension, zero-norm
// vector) as opposed to storage failures.
var ErrBadQuery = errors.New("bad search query")

// Match is one ranked segment with its conversation context.
type Match struct {
	ConversationID string  `json:"conversation_id"`
	Title          string  `json:"title"`
	Speaker        string  `json:"speaker,omitempty"`
	SegmentID      string  `json:"segment_id"`
	Seq            int     `json:"seq"`
	Text           string  `json:"text"`
	StartTime      float64 `json:"start_time"`
	EndTime        float64 `json:"end_time"`
	Confidence     float64 `json:"confidence"`
	Score          float32 `json:"score"`
}

// Engine runs similarity queries against a store's read pool.
type Engine struct {
	store *storage.Store
}

// New wires an Engine to a store.
func New(store *storage.Store) *Engine {
	return &Engine{store: store}
}

type candidate struct {
	id    string
	start float64
	score float32
}

// better reports whether a ranks above b: higher score first, ties going to
// the later segment start, then the smaller id. Ranking is total, so results
// do not depend on scan order.
func better(a, b candidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.start != b.start {
		return a.start > b.start
	}
	return a.id < b.id
}

// candidateHeap keeps the current top-k with the worst candidate at the root.
type candidateHeap []candidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return better(h[j], h[i]) }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Search returns the topK segments most similar to query. The query must
// match the store's embedding dimension; an empty store (no embeddings yet)
// returns no matches. Scoring streams over segments first and fetches full
// rows only for the winners.
func (e *Engine) Search(ctx context.Context, query []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: top_k must be positive, got %d", ErrBadQuery, topK)
	}

	dim, err := e.store.EmbeddingDim(ctx)
	if err != nil {
		return nil, err
	}
	if dim == 0 {
		return nil, nil
	}
	if len(query) != dim {
		return nil, fmt.Errorf("%w: invalid embedding dimension: expected %d, got %d", ErrBadQuery, dim, len(query))
	}

	var queryNorm float32
	for _, v := range query {
		queryNorm += v * v
	}
	if queryNorm == 0 {
		return nil, fmt.Errorf("%w: query embedding has zero norm", ErrBadQuery)
	}
	queryNorm = float32(math.Sqrt(float64(queryNorm)))

	rows, err := e.store.Reader().QueryContext(ctx,
		"SELECT id, start_time, embedding FROM segments WHERE embedding IS NOT NULL")
	if err != nil {
		return nil, fmt.Errorf("scanning embeddings: %w", err)
	}
	defer rows.Close()

	h := &candidateHeap{}
	heap.Init(h)

	var vec []float32
	for rows.Next() {
		var id string
		var start float64
		var blob []byte
		if err := rows.Scan(&id, &start, &blob); err != nil {
			return nil, fmt.Errorf("scanning segment vector: %w", err)
		}
		vec, err = storage.DecodeVectorInto(vec, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding vector for segment %s: %w", id, err)
		}
		if len(vec) != dim {
			continue
		}

		var dot, norm float32
		for i, v := range vec {
			dot += v * query[i]
			norm += v * v
		}
		if norm == 0 {
			continue
		}
		score := dot / (float32(math.Sqrt(float64(norm))) * queryNorm)

		c := candidate{id: id, start: start, score: score}
		if h.Len() < topK {
			heap.Push(h, c)
		} else if better(c, (*h)[0]) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if h.Len() == 0 {
		return nil, nil
	}

	winners := make([]candidate, h.Len())
	copy(winners, *h)
	sort.Slice(winners, func(i, j int) bool { return better(winners[i], winners[j]) })

	byID := make(map[string]candidate, len(winners))
	ids := make([]any, len(winners))
	for i, c := range winners {
		byID[c.id] = c
		ids[i] = c.id
	}

	fetchSQL := `SELECT s.id, s.conversation_id, s.seq, s.text, s.start_time, s.end_time, s.confidence, c.title, c.speaker
		FROM segments s JOIN conversations c ON s.conversation_id = c.id
		WHERE s.id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`
	fetched, err := e.store.Reader().QueryContext(ctx, fetchSQL, ids...)
	if err != nil {
		return nil, fmt.Errorf("fetching matched segments: %w", err)
	}
	defer fetched.Close()

	found := make(map[string]Match, len(winners))
	for fetched.Next() {
		var m Match
		if err := fetched.Scan(&m.SegmentID, &m.ConversationID, &m.Seq,
			&m.Text, &m.StartTime, &m.EndTime,
			&m.Confidence, &m.Title, &m.Speaker); err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		m.Score = byID[m.SegmentID].score
		found[m.SegmentID] = m
	}
	if err := fetched.Err(); err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(winners))
	for _, c := range winners {
		if m, ok := found[c.id]; ok {
			matches = append(matches, m)
		}
	}
	return matches, nil
}
