// Package query turns closed-set structured filters (and a small set of
// recognized question forms) into parameterized SQL, which is then passed
// through the sqlguard validator like any other statement. Nothing in this
// package builds SQL from raw user text.
package query

import (
	"fmt"
	"strings"
)

// UnsupportedQueryError says a request falls outside the closed set of
// supported filters. It carries the offending input so callers can show
// what was not understood.
type UnsupportedQueryError struct {
	Input  string
	Reason string
}

func (e *UnsupportedQueryError) Error() string {
	return fmt.Sprintf("unsupported query: %s (input: %q)", e.Reason, e.Input)
}

// Filter is the closed set of search intents the compiler accepts. Zero
// values mean "no constraint". TimeFrom and TimeTo bound segment timestamps
// in seconds from conversation start.
type Filter struct {
	Speaker   string   `json:"speaker,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Contains  string   `json:"contains,omitempty"`
	TimeFrom  *float64 `json:"time_from,omitempty"`
	TimeTo    *float64 `json:"time_to,omitempty"`
	Limit     int      `json:"limit,omitempty"`
}

// IsZero reports whether no constraint is set.
func (f Filter) IsZero() bool {
	return f.Speaker == "" && f.SessionID == "" && f.Contains == "" &&
		f.TimeFrom == nil && f.TimeTo == nil && f.Limit == 0
}

const selectColumns = "c.id, c.title, c.session_id, c.speaker, c.audio_source, c.created_at, " +
	"s.id, s.seq, s.text, s.start_time, s.end_time, s.confidence"

// Compile renders the filter as parameterized SQL with a literal LIMIT no
// greater than maxRows. The output still goes through validation; Compile
// never produces SQL the validator would reject.
func (f Filter) Compile(maxRows int) (string, []any, error) {
	if f.TimeFrom != nil && *f.TimeFrom < 0 {
		return "", nil, &UnsupportedQueryError{Input: fmt.Sprintf("time_from=%v", *f.TimeFrom), Reason: "time bounds must not be negative"}
	}
	if f.TimeTo != nil && *f.TimeTo < 0 {
		return "", nil, &UnsupportedQueryError{Input: fmt.Sprintf("time_to=%v", *f.TimeTo), Reason: "time bounds must not be negative"}
	}
	if f.TimeFrom != nil && f.TimeTo != nil && *f.TimeTo < *f.TimeFrom {
		return "", nil, &UnsupportedQueryError{
			Input:  fmt.Sprintf("time_from=%v time_to=%v", *f.TimeFrom, *f.TimeTo),
			Reason: "time range is inverted",
		}
	}
	if f.Limit < 0 {
		return "", nil, &UnsupportedQueryError{Input: fmt.Sprintf("limit=%d", f.Limit), Reason: "limit must not be negative"}
	}

	var where []string
	var args []any
	if f.Speaker != "" {
		where = append(where, "c.speaker = ?")
		args = append(args, f.Speaker)
	}
	if f.SessionID != "" {
		where = append(where, "c.session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Contains != "" {
		// '!' as the escape character parses identically in the validator's
		// grammar and in SQLite; a backslash literal would not.
		where = append(where, "s.text LIKE ? ESCAPE '!'")
		args = append(args, "%"+escapeLike(f.Contains)+"%")
	}
	if f.TimeFrom != nil {
		where = append(where, "s.start_time >= ?")
		args = append(args, *f.TimeFrom)
	}
	if f.TimeTo != nil {
		where = append(where, "s.end_time <= ?")
		args = append(args, *f.TimeTo)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > maxRows {
		limit = maxRows
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(selectColumns)
	b.WriteString(" FROM segments s JOIN conversations c ON s.conversation_id = c.id")
	for i, w := range where {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		b.WriteString(w)
	}
	b.WriteString(" ORDER BY c.created_at DESC, s.conversation_id, s.seq")
	fmt.Fprintf(&b, " LIMIT %d", limit)

	return b.String(), args, nil
}

// escapeLike neutralizes LIKE wildcards in user text so Contains matches
// literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "!", "!!")
	s = strings.ReplaceAll(s, "%", "!%")
	s = strings.ReplaceAll(s, "_", "!_")
	return s
}
