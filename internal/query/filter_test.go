package query

import (
	"errors"
	"strings"
	"testing"

	"github.com/kohlhas/recollect/internal/sqlguard"
)

func TestCompileSpeakerAndLimit(t *testing.T) {
	f := Filter{Speaker: "user", Limit: 5}

	sqlText, args, err := f.Compile(1000)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !strings.Contains(sqlText, "c.speaker = ?") {
		t.Errorf("SQL = %q, want a speaker predicate", sqlText)
	}
	if !strings.Contains(sqlText, "LIMIT 5") {
		t.Errorf("SQL = %q, want LIMIT 5", sqlText)
	}
	if len(args) != 1 || args[0] != "user" {
		t.Errorf("args = %v, want [user]", args)
	}

	// The compiler's output must clear the same gate as caller SQL.
	guard := sqlguard.New(sqlguard.DefaultPolicy())
	validated, err := guard.Validate(sqlText)
	if err != nil {
		t.Fatalf("compiled SQL failed validation: %v", err)
	}
	if len(validated.Params) != 1 {
		t.Errorf("Params = %v, want one placeholder", validated.Params)
	}
	if validated.CapApplied {
		t.Error("validator had to add a cap to compiled SQL")
	}
}

func TestCompileAllFilters(t *testing.T) {
	from, to := 2.0, 9.5
	f := Filter{
		Speaker:   "assistant",
		SessionID: "sess-1",
		Contains:  "deploy",
		TimeFrom:  &from,
		TimeTo:    &to,
		Limit:     10,
	}

	sqlText, args, err := f.Compile(1000)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	for _, want := range []string{
		"c.speaker = ?",
		"c.session_id = ?",
		"s.text LIKE ? ESCAPE '!'",
		"s.start_time >= ?",
		"s.end_time <= ?",
		"ORDER BY c.created_at DESC, s.conversation_id, s.seq",
	} {
		if !strings.Contains(sqlText, want) {
			t.Errorf("SQL missing %q:\n%s", want, sqlText)
		}
	}
	if len(args) != 5 {
		t.Fatalf("args = %v, want 5", args)
	}
	if args[2] != "%deploy%" {
		t.Errorf("contains arg = %v, want %%deploy%%", args[2])
	}

	guard := sqlguard.New(sqlguard.DefaultPolicy())
	if _, err := guard.Validate(sqlText); err != nil {
		t.Errorf("compiled SQL failed validation: %v", err)
	}
}

func TestCompileEscapesLikeWildcards(t *testing.T) {
	f := Filter{Contains: "100%_done!"}

	_, args, err := f.Compile(1000)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	want := "%100!%!_done!!%"
	if args[0] != want {
		t.Errorf("arg = %q, want %q", args[0], want)
	}
}

func TestCompileClampsLimit(t *testing.T) {
	f := Filter{Speaker: "user", Limit: 5000}

	sqlText, _, err := f.Compile(1000)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !strings.Contains(sqlText, "LIMIT 1000") {
		t.Errorf("SQL = %q, want LIMIT clamped to 1000", sqlText)
	}
}

func TestCompileDefaultLimit(t *testing.T) {
	sqlText, _, err := Filter{Speaker: "user"}.Compile(1000)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !strings.HasSuffix(sqlText, "LIMIT 100") {
		t.Errorf("SQL = %q, want default LIMIT 100", sqlText)
	}
}

func TestCompileRejectsInvertedRange(t *testing.T) {
	from, to := 10.0, 2.0
	_, _, err := Filter{TimeFrom: &from, TimeTo: &to}.Compile(1000)

	var uqe *UnsupportedQueryError
	if !errors.As(err, &uqe) {
		t.Fatalf("error = %v, want UnsupportedQueryError", err)
	}
}

func TestCompileRejectsNegativeBounds(t *testing.T) {
	from := -1.0
	_, _, err := Filter{TimeFrom: &from}.Compile(1000)

	var uqe *UnsupportedQueryError
	if !errors.As(err, &uqe) {
		t.Fatalf("error = %v, want UnsupportedQueryError", err)
	}
}
