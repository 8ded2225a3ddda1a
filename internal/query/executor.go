package query

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/kohlhas/recollect/internal/sqlguard"
	"github.com/kohlhas/recollect/internal/storage"
)

// Match is one segment row returned by a filter query, joined with its
// conversation.
type Match struct {
	ConversationID string  `json:"conversation_id"`
	Title          string  `json:"title"`
	SessionID      string  `json:"session_id"`
	Speaker        string  `json:"speaker,omitempty"`
	AudioSource    string  `json:"audio_source"`
	CreatedAt      string  `json:"created_at"`
	SegmentID      string  `json:"segment_id"`
	Seq            int     `json:"seq"`
	Text           string  `json:"text"`
	StartTime      float64 `json:"start_time"`
	EndTime        float64 `json:"end_time"`
	Confidence     float64 `json:"confidence"`
}

// ResultSet is the generic shape for caller-written SQL. Values are
// stringified; NULL becomes the empty string and blobs are hex-encoded.
type ResultSet struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
	Capped  bool       `json:"capped,omitempty"`
}

// Executor runs validated queries against the store's read pool. Every
// statement, including the compiler's own output, passes through the guard.
type Executor struct {
	store *storage.Store
	guard *sqlguard.Validator
}

// NewExecutor wires an Executor to a store and a validator.
func NewExecutor(store *storage.Store, guard *sqlguard.Validator) *Executor {
	return &Executor{store: store, guard: guard}
}

// Guard exposes the validator for callers that need the row cap.
func (e *Executor) Guard() *sqlguard.Validator {
	return e.guard
}

// RunFilter compiles a structured filter and executes it.
func (e *Executor) RunFilter(ctx context.Context, f Filter) ([]Match, error) {
	sqlText, args, err := f.Compile(e.guard.MaxRows())
	if err != nil {
		return nil, err
	}

	validated, err := e.guard.Validate(sqlText)
	if err != nil {
		return nil, fmt.Errorf("compiled query failed validation: %w", err)
	}
	if len(validated.Params) != len(args) {
		return nil, fmt.Errorf("compiled query binds %d parameters, have %d", len(validated.Params), len(args))
	}

	rows, err := e.store.Reader().QueryContext(ctx, validated.SQL, args...)
	if err != nil {
		return nil, fmt.Errorf("running filter query: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		var createdAt string
		if err := rows.Scan(&m.ConversationID, &m.Title, &m.SessionID, &m.Speaker,
			&m.AudioSource, &createdAt, &m.SegmentID, &m.Seq, &m.Text,
			&m.StartTime, &m.EndTime, &m.Confidence); err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		if t, perr := time.Parse(time.RFC3339, createdAt); perr == nil {
			m.CreatedAt = t.UTC().Format(time.RFC3339)
		} else {
			m.CreatedAt = createdAt
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// RunSQL validates caller-written SQL and executes it. args must match the
// statement's bind placeholders one to one.
func (e *Executor) RunSQL(ctx context.Context, sqlText string, args ...any) (*ResultSet, error) {
	validated, err := e.guard.Validate(sqlText)
	if err != nil {
		return nil, err
	}
	if len(args) != len(validated.Params) {
		return nil, &sqlguard.ValidationError{
			Rule:   sqlguard.RuleParameterCount,
			Detail: fmt.Sprintf("statement has %d bind parameters, got %d arguments", len(validated.Params), len(args)),
		}
	}

	rows, err := e.store.Reader().QueryContext(ctx, validated.SQL, args...)
	if err != nil {
		return nil, fmt.Errorf("running query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	rs := &ResultSet{Columns: columns}
	for rows.Next() {
		raw := make([]any, len(columns))
		for i := range raw {
			var cell any
			raw[i] = &cell
		}
		if err := rows.Scan(raw...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		row := make([]string, len(columns))
		for i := range raw {
			row[i] = stringifyCell(*raw[i].(*any))
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// The injected limit bounds the scan, so hitting it means rows were
	// left behind.
	if validated.CapApplied && len(rs.Rows) == e.guard.MaxRows() {
		rs.Capped = true
	}
	return rs, nil
}

func stringifyCell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		return hex.EncodeToString(val)
	case string:
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}
