// Package sqlguard validates read-only SQL against a whitelist before it may
// touch the store. Validation is structural: the statement is parsed and its
// AST inspected, never pattern-matched as text. Anything the parser or the
// policy does not recognize is rejected.
package sqlguard

import "fmt"

// Rule identifies which policy check a rejected query violated.
type Rule string

const (
	RuleSyntax             Rule = "syntax"
	RuleMultipleStatements Rule = "multiple_statements"
	RuleForbiddenStatement Rule = "forbidden_statement"
	RuleForbiddenKeyword   Rule = "forbidden_keyword"
	RuleUnknownTable       Rule = "unknown_table"
	RuleUnknownColumn      Rule = "unknown_column"
	RuleForbiddenFunction  Rule = "forbidden_function"
	RuleLimitExceedsCap    Rule = "limit_exceeds_cap"
	RuleNonLiteralLimit    Rule = "non_literal_limit"
	RuleParameterCount     Rule = "parameter_count"
)

// ValidationError reports why a query was rejected. Rule lets callers and
// tests assert on the violated policy without parsing the message.
type ValidationError struct {
	Rule   Rule
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("query rejected (%s): %s", e.Rule, e.Detail)
}

// ValidatedQuery is the only SQL form the store executes. SQL carries the
// row cap; Params names the bind placeholders in positional order.
type ValidatedQuery struct {
	SQL        string
	Params     []string
	CapApplied bool
}

// Policy is the whitelist a Validator enforces: readable tables with their
// columns, callable functions, and the row cap.
type Policy struct {
	Tables    map[string][]string
	Functions []string
	MaxRows   int
}

// DefaultPolicy covers the transcript schema. Scalar and aggregate helpers
// only; nothing that touches the filesystem, loads extensions, or mutates.
func DefaultPolicy() Policy {
	return Policy{
		Tables: map[string][]string{
			"conversations": {
				"id", "title", "text", "created_at", "session_id", "audio_source",
				"speaker", "source_tool", "device_info", "language", "model_used",
				"processing_time_ms",
			},
			"segments": {
				"id", "conversation_id", "seq", "text", "start_time", "end_time",
				"confidence", "words_json", "embedding",
			},
		},
		Functions: []string{
			"count", "sum", "avg", "min", "max",
			"length", "lower", "upper", "substr", "trim",
			"coalesce", "ifnull", "abs", "round",
			"date", "datetime", "strftime", "group_concat",
		},
		MaxRows: 1000,
	}
}
