package query

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kohlhas/recollect/internal/sqlguard"
	"github.com/kohlhas/recollect/internal/storage"
)

func openTestExecutor(t *testing.T) (*Executor, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewExecutor(store, sqlguard.New(sqlguard.DefaultPolicy())), store
}

func seedConversations(t *testing.T, store *storage.Store, n int) {
	t.Helper()
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		speaker := "user"
		if i%2 == 1 {
			speaker = "assistant"
		}
		conv := storage.Conversation{
			ID:          fmt.Sprintf("conv-%02d", i),
			Title:       fmt.Sprintf("Recording %d", i),
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
			SessionID:   fmt.Sprintf("sess-%02d", i),
			AudioSource: storage.AudioSourceMicrophone,
			Speaker:     speaker,
		}
		segments := []storage.Segment{
			{ID: conv.ID + "-s0", Text: "let's deploy the service", StartTime: 0, EndTime: 2, Confidence: 0.9},
			{ID: conv.ID + "-s1", Text: "checking the error budget", StartTime: 2, EndTime: 5, Confidence: 0.95},
			{ID: conv.ID + "-s2", Text: "done for today", StartTime: 5, EndTime: 9, Confidence: 0.6},
		}
		if err := store.WriteConversation(context.Background(), conv, segments); err != nil {
			t.Fatalf("WriteConversation %d: %v", i, err)
		}
	}
}

func TestRunFilterSpeakerWithLimit(t *testing.T) {
	e, store := openTestExecutor(t)
	seedConversations(t, store, 6)

	matches, err := e.RunFilter(context.Background(), Filter{Speaker: "user", Limit: 5})
	if err != nil {
		t.Fatalf("RunFilter: %v", err)
	}
	if len(matches) != 5 {
		t.Fatalf("got %d matches, want 5", len(matches))
	}
	for _, m := range matches {
		if m.Speaker != "user" {
			t.Errorf("Speaker = %q, want %q", m.Speaker, "user")
		}
	}
	// Newest conversation first, segments in order within it.
	if matches[0].ConversationID != "conv-04" {
		t.Errorf("first match conversation = %q, want conv-04", matches[0].ConversationID)
	}
	if matches[0].Seq != 0 || matches[1].Seq != 1 {
		t.Errorf("segments out of order: seq %d then %d", matches[0].Seq, matches[1].Seq)
	}
}

func TestRunFilterContains(t *testing.T) {
	e, store := openTestExecutor(t)
	seedConversations(t, store, 2)

	matches, err := e.RunFilter(context.Background(), Filter{Contains: "error budget"})
	if err != nil {
		t.Fatalf("RunFilter: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	for _, m := range matches {
		if m.Text != "checking the error budget" {
			t.Errorf("Text = %q, want the error budget segment", m.Text)
		}
	}
}

func TestRunFilterTimeRange(t *testing.T) {
	e, store := openTestExecutor(t)
	seedConversations(t, store, 1)

	from, to := 2.0, 9.0
	matches, err := e.RunFilter(context.Background(), Filter{TimeFrom: &from, TimeTo: &to})
	if err != nil {
		t.Fatalf("RunFilter: %v", err)
	}
	// Segments fully inside [2, 9]: the second and third.
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	for _, m := range matches {
		if m.StartTime < from || m.EndTime > to {
			t.Errorf("segment [%v, %v] outside requested range", m.StartTime, m.EndTime)
		}
	}
}

func TestRunSQL(t *testing.T) {
	e, store := openTestExecutor(t)
	seedConversations(t, store, 3)

	rs, err := e.RunSQL(context.Background(),
		"SELECT speaker, COUNT(*) AS n FROM conversations GROUP BY speaker ORDER BY speaker LIMIT 10")
	if err != nil {
		t.Fatalf("RunSQL: %v", err)
	}
	if len(rs.Columns) != 2 {
		t.Fatalf("Columns = %v, want 2", rs.Columns)
	}
	if len(rs.Rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rs.Rows))
	}
	if rs.Rows[0][0] != "assistant" || rs.Rows[0][1] != "1" {
		t.Errorf("row 0 = %v, want [assistant 1]", rs.Rows[0])
	}
	if rs.Rows[1][0] != "user" || rs.Rows[1][1] != "2" {
		t.Errorf("row 1 = %v, want [user 2]", rs.Rows[1])
	}
}

func TestRunSQLWithParams(t *testing.T) {
	e, store := openTestExecutor(t)
	seedConversations(t, store, 4)

	rs, err := e.RunSQL(context.Background(),
		"SELECT id FROM conversations WHERE speaker = ? LIMIT 10", "assistant")
	if err != nil {
		t.Fatalf("RunSQL: %v", err)
	}
	if len(rs.Rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rs.Rows))
	}
}

func TestRunSQLAppliesCap(t *testing.T) {
	e, store := openTestExecutor(t)
	seedConversations(t, store, 2)

	// No LIMIT in the statement; the validator must add one.
	rs, err := e.RunSQL(context.Background(), "SELECT id FROM segments")
	if err != nil {
		t.Fatalf("RunSQL: %v", err)
	}
	if len(rs.Rows) != 6 {
		t.Errorf("got %d rows, want 6", len(rs.Rows))
	}
}

func TestRunSQLParamsWithInjectedCap(t *testing.T) {
	e, store := openTestExecutor(t)
	seedConversations(t, store, 4)

	// No LIMIT plus a bind parameter: the injected cap must leave the
	// positional placeholder bindable.
	rs, err := e.RunSQL(context.Background(), "SELECT id FROM conversations WHERE speaker = ?", "user")
	if err != nil {
		t.Fatalf("RunSQL: %v", err)
	}
	if len(rs.Rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rs.Rows))
	}
}

func TestRunSQLFlagsCappedResults(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	policy := sqlguard.DefaultPolicy()
	policy.MaxRows = 5
	e := NewExecutor(store, sqlguard.New(policy))
	seedConversations(t, store, 2)

	// Six segments exist; the injected limit returns five and flags the cut.
	rs, err := e.RunSQL(context.Background(), "SELECT id FROM segments")
	if err != nil {
		t.Fatalf("RunSQL: %v", err)
	}
	if len(rs.Rows) != 5 {
		t.Fatalf("got %d rows, want 5", len(rs.Rows))
	}
	if !rs.Capped {
		t.Error("Capped = false, want true when the injected limit fills up")
	}

	// A caller-written LIMIT is a choice, not a cap.
	rs, err = e.RunSQL(context.Background(), "SELECT id FROM segments LIMIT 5")
	if err != nil {
		t.Fatalf("RunSQL with LIMIT: %v", err)
	}
	if rs.Capped {
		t.Error("Capped = true for a caller-chosen LIMIT")
	}
}

func TestRunSQLHexEncodesBlobs(t *testing.T) {
	e, store := openTestExecutor(t)

	vec := []float32{1, 0, 0, 0}
	conv := storage.Conversation{ID: "conv-blob", Title: "Vectors", SessionID: "sess-blob"}
	segments := []storage.Segment{
		{ID: "sb-0", Text: "embedded", StartTime: 0, EndTime: 1, Confidence: 1, Embedding: vec},
	}
	if err := store.WriteConversation(context.Background(), conv, segments); err != nil {
		t.Fatalf("WriteConversation: %v", err)
	}

	rs, err := e.RunSQL(context.Background(), "SELECT embedding FROM segments WHERE id = ? LIMIT 1", "sb-0")
	if err != nil {
		t.Fatalf("RunSQL: %v", err)
	}
	if len(rs.Rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rs.Rows))
	}
	if want := hex.EncodeToString(storage.EncodeVector(vec)); rs.Rows[0][0] != want {
		t.Errorf("embedding cell = %q, want %q", rs.Rows[0][0], want)
	}
}

func TestRunSQLRejectsWithRule(t *testing.T) {
	e, store := openTestExecutor(t)
	seedConversations(t, store, 1)

	_, err := e.RunSQL(context.Background(), "DELETE FROM conversations")
	var verr *sqlguard.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if verr.Rule != sqlguard.RuleForbiddenStatement {
		t.Errorf("Rule = %q, want %q", verr.Rule, sqlguard.RuleForbiddenStatement)
	}

	// The store is untouched.
	convs, err := store.ListConversations(context.Background(), storage.ListFilter{})
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 1 {
		t.Errorf("conversations = %d, want 1", len(convs))
	}
}

func TestRunSQLParameterCountMismatch(t *testing.T) {
	e, _ := openTestExecutor(t)

	_, err := e.RunSQL(context.Background(), "SELECT id FROM conversations WHERE speaker = ? LIMIT 5")
	var verr *sqlguard.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if verr.Rule != sqlguard.RuleParameterCount {
		t.Errorf("Rule = %q, want %q", verr.Rule, sqlguard.RuleParameterCount)
	}
}
