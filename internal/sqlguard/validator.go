package sqlguard

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xwb1989/sqlparser"
)

// Validator checks SQL text against a Policy and produces the capped,
// parameterized form the store may execute.
//
// The parser speaks a MySQL-compatible grammar, which is narrower than
// SQLite's. That asymmetry works in our favor: constructs the grammar cannot
// express (PRAGMA, ATTACH, CTEs, multi-table writes) fail at parse time and
// are rejected, never passed through on trust.
type Validator struct {
	policy    Policy
	tables    map[string]map[string]bool
	functions map[string]bool
}

// New compiles a Policy into a Validator.
func New(policy Policy) *Validator {
	v := &Validator{
		policy:    policy,
		tables:    make(map[string]map[string]bool, len(policy.Tables)),
		functions: make(map[string]bool, len(policy.Functions)),
	}
	for table, columns := range policy.Tables {
		set := make(map[string]bool, len(columns))
		for _, c := range columns {
			set[strings.ToLower(c)] = true
		}
		v.tables[strings.ToLower(table)] = set
	}
	for _, fn := range policy.Functions {
		v.functions[strings.ToLower(fn)] = true
	}
	return v
}

// MaxRows returns the policy's row cap.
func (v *Validator) MaxRows() int {
	return v.policy.MaxRows
}

// Validate parses sql, enforces the policy, and returns the executable form.
// When the statement carries no top-level LIMIT, the row cap is appended to
// the original text and the amended text is reparsed to prove it took effect.
func (v *Validator) Validate(sql string) (ValidatedQuery, error) {
	stmt, verr := parseSingle(sql)
	if verr != nil {
		return ValidatedQuery{}, verr
	}

	sel, verr := checkReadOnly(stmt)
	if verr != nil {
		return ValidatedQuery{}, verr
	}

	scopes, verr := v.collectScopes(sel)
	if verr != nil {
		return ValidatedQuery{}, verr
	}

	params, verr := v.checkBody(sel, scopes)
	if verr != nil {
		return ValidatedQuery{}, verr
	}

	if limit := topLimit(sel); limit != nil {
		return ValidatedQuery{SQL: sql, Params: params}, nil
	}

	// No top-level LIMIT: append the cap to the original text, so caller
	// placeholders stay positional `?` instead of the parser's regenerated
	// named form, then reparse to prove the cap took effect. A trailing
	// comment that would swallow the suffix fails here.
	capped, verr := v.appendCap(sql)
	if verr != nil {
		return ValidatedQuery{}, verr
	}
	return ValidatedQuery{SQL: capped, Params: params, CapApplied: true}, nil
}

// appendCap adds " LIMIT <cap>" to a statement validated to have no
// top-level LIMIT, and re-proves the amended text parses as a read with the
// cap as its literal top-level LIMIT.
func (v *Validator) appendCap(sql string) (string, *ValidationError) {
	failed := &ValidationError{Rule: RuleSyntax, Detail: "could not enforce row cap on this statement"}

	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	capped := trimmed + " LIMIT " + strconv.Itoa(v.policy.MaxRows)

	stmt, verr := parseSingle(capped)
	if verr != nil {
		return "", failed
	}
	sel, verr := checkReadOnly(stmt)
	if verr != nil {
		return "", failed
	}
	limit := topLimit(sel)
	if limit == nil {
		return "", failed
	}
	count, verr := literalLimitValue(limit.Rowcount, "LIMIT")
	if verr != nil || count != v.policy.MaxRows {
		return "", failed
	}
	return capped, nil
}

// parseSingle parses exactly one statement. Anything after the first
// statement, including garbage after a separator, is rejected.
func parseSingle(sql string) (sqlparser.Statement, *ValidationError) {
	if strings.TrimSpace(sql) == "" {
		return nil, &ValidationError{Rule: RuleSyntax, Detail: "empty statement"}
	}

	tokens := sqlparser.NewStringTokenizer(sql)
	stmt, err := sqlparser.ParseNext(tokens)
	if err != nil {
		return nil, classifyParseError(sql, err)
	}
	if _, err := sqlparser.ParseNext(tokens); err != io.EOF {
		return nil, &ValidationError{Rule: RuleMultipleStatements, Detail: "only a single statement is allowed"}
	}
	return stmt, nil
}

// classifyParseError refines the report for inputs the grammar rejects.
// SQLite-only statements (PRAGMA, ATTACH, VACUUM) land here; naming the
// keyword beats echoing a bare syntax error. This never accepts anything.
func classifyParseError(sql string, parseErr error) *ValidationError {
	lowered := strings.ToLower(sql)
	for _, kw := range []string{
		"pragma", "attach", "detach", "vacuum", "reindex", "analyze",
		"create", "alter", "drop", "insert", "update", "delete",
		"replace", "grant", "revoke", "truncate",
	} {
		if containsWord(lowered, kw) {
			return &ValidationError{Rule: RuleForbiddenKeyword, Detail: fmt.Sprintf("statement contains forbidden keyword %q", kw)}
		}
	}
	if strings.HasPrefix(strings.TrimSpace(lowered), "with") {
		return &ValidationError{Rule: RuleSyntax, Detail: "common table expressions are not supported"}
	}
	return &ValidationError{Rule: RuleSyntax, Detail: parseErr.Error()}
}

func containsWord(s, word string) bool {
	for i := 0; i+len(word) <= len(s); i++ {
		if s[i:i+len(word)] != word {
			continue
		}
		if i > 0 && isWordChar(s[i-1]) {
			continue
		}
		if j := i + len(word); j < len(s) && isWordChar(s[j]) {
			continue
		}
		return true
	}
	return false
}

func isWordChar(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// checkReadOnly admits SELECT forms only. The grammar permits nothing but
// SELECT inside subqueries, so checking the top-level statement covers every
// nesting depth.
func checkReadOnly(stmt sqlparser.Statement) (sqlparser.SelectStatement, *ValidationError) {
	switch s := stmt.(type) {
	case *sqlparser.Select:
		if s.Lock != "" {
			return nil, &ValidationError{Rule: RuleForbiddenStatement, Detail: "locking reads are not allowed"}
		}
		return s, nil
	case *sqlparser.Union:
		if s.Lock != "" {
			return nil, &ValidationError{Rule: RuleForbiddenStatement, Detail: "locking reads are not allowed"}
		}
		return s, nil
	case *sqlparser.ParenSelect:
		return s, nil
	case *sqlparser.Insert:
		return nil, forbiddenStatement("INSERT")
	case *sqlparser.Update:
		return nil, forbiddenStatement("UPDATE")
	case *sqlparser.Delete:
		return nil, forbiddenStatement("DELETE")
	case *sqlparser.DDL:
		return nil, forbiddenStatement(strings.ToUpper(s.Action))
	case *sqlparser.DBDDL:
		return nil, forbiddenStatement(strings.ToUpper(s.Action) + " DATABASE")
	case *sqlparser.Set:
		return nil, forbiddenStatement("SET")
	case *sqlparser.Use:
		return nil, forbiddenStatement("USE")
	case *sqlparser.Show:
		return nil, forbiddenStatement("SHOW")
	case *sqlparser.Begin, *sqlparser.Commit, *sqlparser.Rollback:
		return nil, forbiddenStatement("transaction control")
	default:
		return nil, &ValidationError{Rule: RuleForbiddenStatement, Detail: "only SELECT statements are allowed"}
	}
}

func forbiddenStatement(what string) *ValidationError {
	return &ValidationError{Rule: RuleForbiddenStatement, Detail: fmt.Sprintf("%s statements are not allowed", what)}
}

// scopeSet is the name resolution state for one statement. Scoping is flat:
// aliases from subqueries share the outer namespace. That is looser than SQL
// scoping but every resolvable name still lands inside the whitelist; SQLite
// reports genuinely unresolvable references at execution.
type scopeSet struct {
	// alias (or bare table name) -> physical table, or "" for a derived table
	tables map[string]string
	// select-list aliases, addressable in ORDER BY / GROUP BY / HAVING
	aliases map[string]bool
	// columns reachable without qualification
	unqualified map[string]bool
	anyDerived  bool
}

// collectScopes walks the FROM clauses and select lists to build name
// resolution state before columns are checked.
func (v *Validator) collectScopes(sel sqlparser.SelectStatement) (*scopeSet, *ValidationError) {
	scopes := &scopeSet{
		tables:      make(map[string]string),
		aliases:     make(map[string]bool),
		unqualified: make(map[string]bool),
	}

	err := sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch n := node.(type) {
		case *sqlparser.AliasedTableExpr:
			switch expr := n.Expr.(type) {
			case sqlparser.TableName:
				if !expr.Qualifier.IsEmpty() {
					return false, &ValidationError{Rule: RuleUnknownTable, Detail: fmt.Sprintf("qualified table %q is not allowed", sqlparser.String(expr))}
				}
				name := strings.ToLower(expr.Name.String())
				if name == "dual" {
					// SELECT without FROM parses as FROM dual.
					return true, nil
				}
				if _, ok := v.tables[name]; !ok {
					return false, &ValidationError{Rule: RuleUnknownTable, Detail: fmt.Sprintf("table %q is not readable", expr.Name.String())}
				}
				alias := strings.ToLower(n.As.String())
				if alias == "" {
					alias = name
				}
				scopes.tables[alias] = name
				for col := range v.tables[name] {
					scopes.unqualified[col] = true
				}
			case *sqlparser.Subquery:
				alias := strings.ToLower(n.As.String())
				if alias != "" {
					scopes.tables[alias] = ""
				}
				scopes.anyDerived = true
			}
		case *sqlparser.AliasedExpr:
			if !n.As.IsEmpty() {
				scopes.aliases[n.As.Lowered()] = true
			}
		}
		return true, nil
	}, sel)
	if err != nil {
		return nil, err.(*ValidationError)
	}
	return scopes, nil
}

// checkBody enforces column, function, and limit rules and collects bind
// parameters in the order they appear.
func (v *Validator) checkBody(sel sqlparser.SelectStatement, scopes *scopeSet) ([]string, *ValidationError) {
	var params []string

	err := sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch n := node.(type) {
		case *sqlparser.ColName:
			if verr := v.checkColumn(n, scopes); verr != nil {
				return false, verr
			}
		case *sqlparser.StarExpr:
			if !n.TableName.IsEmpty() {
				if !n.TableName.Qualifier.IsEmpty() {
					return false, &ValidationError{Rule: RuleUnknownTable, Detail: fmt.Sprintf("qualified table %q is not allowed", sqlparser.String(n.TableName))}
				}
				q := strings.ToLower(n.TableName.Name.String())
				if _, ok := scopes.tables[q]; !ok {
					return false, &ValidationError{Rule: RuleUnknownTable, Detail: fmt.Sprintf("unknown table or alias %q", n.TableName.Name.String())}
				}
			}
		case *sqlparser.FuncExpr:
			if !n.Qualifier.IsEmpty() {
				return false, &ValidationError{Rule: RuleForbiddenFunction, Detail: fmt.Sprintf("qualified function %q is not allowed", sqlparser.String(n))}
			}
			if !v.functions[n.Name.Lowered()] {
				return false, &ValidationError{Rule: RuleForbiddenFunction, Detail: fmt.Sprintf("function %q is not allowed", n.Name.String())}
			}
		case *sqlparser.GroupConcatExpr:
			if !v.functions["group_concat"] {
				return false, &ValidationError{Rule: RuleForbiddenFunction, Detail: `function "group_concat" is not allowed`}
			}
		case *sqlparser.SubstrExpr:
			if !v.functions["substr"] {
				return false, &ValidationError{Rule: RuleForbiddenFunction, Detail: `function "substr" is not allowed`}
			}
		case *sqlparser.MatchExpr:
			return false, &ValidationError{Rule: RuleForbiddenFunction, Detail: "MATCH ... AGAINST is not allowed"}
		case *sqlparser.SQLVal:
			if n.Type == sqlparser.ValArg {
				params = append(params, strings.TrimPrefix(string(n.Val), ":"))
			}
		case *sqlparser.Limit:
			// The parser walks a nil Limit field as a typed, non-nil SQLNode.
			if n == nil {
				return true, nil
			}
			if verr := v.checkLimit(n); verr != nil {
				return false, verr
			}
		}
		return true, nil
	}, sel)
	if err != nil {
		return nil, err.(*ValidationError)
	}
	return params, nil
}

func (v *Validator) checkColumn(col *sqlparser.ColName, scopes *scopeSet) *ValidationError {
	name := col.Name.Lowered()

	if !col.Qualifier.IsEmpty() {
		if !col.Qualifier.Qualifier.IsEmpty() {
			return &ValidationError{Rule: RuleUnknownTable, Detail: fmt.Sprintf("qualified table %q is not allowed", sqlparser.String(col.Qualifier))}
		}
		q := strings.ToLower(col.Qualifier.Name.String())
		table, ok := scopes.tables[q]
		if !ok {
			return &ValidationError{Rule: RuleUnknownTable, Detail: fmt.Sprintf("unknown table or alias %q", col.Qualifier.Name.String())}
		}
		if table == "" {
			// Derived table: its select list was validated on its own.
			return nil
		}
		if !v.tables[table][name] {
			return &ValidationError{Rule: RuleUnknownColumn, Detail: fmt.Sprintf("column %q is not readable in table %q", col.Name.String(), table)}
		}
		return nil
	}

	if scopes.unqualified[name] || scopes.aliases[name] || scopes.anyDerived {
		return nil
	}
	return &ValidationError{Rule: RuleUnknownColumn, Detail: fmt.Sprintf("unknown column %q", col.Name.String())}
}

// checkLimit requires literal integer LIMIT and OFFSET values and enforces
// the row cap on every LIMIT in the statement, nested ones included.
func (v *Validator) checkLimit(limit *sqlparser.Limit) *ValidationError {
	count, verr := literalLimitValue(limit.Rowcount, "LIMIT")
	if verr != nil {
		return verr
	}
	if count > v.policy.MaxRows {
		return &ValidationError{Rule: RuleLimitExceedsCap, Detail: fmt.Sprintf("LIMIT %d exceeds the row cap of %d", count, v.policy.MaxRows)}
	}
	if limit.Offset != nil {
		if _, verr := literalLimitValue(limit.Offset, "OFFSET"); verr != nil {
			return verr
		}
	}
	return nil
}

func literalLimitValue(expr sqlparser.Expr, clause string) (int, *ValidationError) {
	val, ok := expr.(*sqlparser.SQLVal)
	if !ok || val.Type != sqlparser.IntVal {
		return 0, &ValidationError{Rule: RuleNonLiteralLimit, Detail: fmt.Sprintf("%s must be a literal integer", clause)}
	}
	n, err := strconv.Atoi(string(val.Val))
	if err != nil {
		return 0, &ValidationError{Rule: RuleNonLiteralLimit, Detail: fmt.Sprintf("%s must be a literal integer", clause)}
	}
	return n, nil
}

func topLimit(sel sqlparser.SelectStatement) *sqlparser.Limit {
	switch s := sel.(type) {
	case *sqlparser.Select:
		return s.Limit
	case *sqlparser.Union:
		return s.Limit
	case *sqlparser.ParenSelect:
		return topLimit(s.Select)
	}
	return nil
}
