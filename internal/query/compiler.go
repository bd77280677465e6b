package query

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/kip-d/omnifocus-mcp-sub017/internal/apperr"
	"github.com/kip-d/omnifocus-mcp-sub017/internal/ast"
	"github.com/kip-d/omnifocus-mcp-sub017/internal/model"
)

// dateOnly and dateTime are the only two accepted lowered date forms, §4.4/§6.
var (
	dateOnly = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dateTime = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}$`)
)

const dateFormatHint = "dates must be 'YYYY-MM-DD' or 'YYYY-MM-DD HH:mm'; ISO timezone suffixes are rejected"

// Compiler lowers the caller-facing FilterExpr/Query into the internal
// ast.Node algebra, applying mode expansions and semantic equivalences
// (§4.4). now is injected for deterministic testing of mode expansions
// like "today"/"overdue".
type Compiler struct {
	Now func() time.Time
}

func NewCompiler() *Compiler {
	return &Compiler{Now: time.Now}
}

// Compile lowers q.Filter (if any) combined with q.Mode's expansion into a
// single ast.Node, applying the "explicit filter wins over preset
// expansion" conflict rule.
func (c *Compiler) Compile(q Query) (ast.Node, error) {
	var explicit ast.Node = ast.True
	var err error
	if q.Filter != nil {
		explicit, err = c.lower(*q.Filter)
		if err != nil {
			return nil, err
		}
	}

	dueSoonDays := q.DueSoonDays
	if dueSoonDays == 0 {
		dueSoonDays = 3
	}

	preset, hasPreset := c.modeExpansion(q.Mode, dueSoonDays)
	if !hasPreset {
		return explicit, nil
	}

	merged := mergeExplicitOverPreset(explicit, preset)
	return merged, nil
}

// mergeExplicitOverPreset implements §4.4's conflict rule: an explicit
// filter on a field removes the preset's default conjunct on that same
// field. We approximate "same field" by collecting every Comparison and
// Exists field anywhere in explicit (through And/Or/Not), dropping any
// preset conjunct whose sole field the explicit filter already constrains.
func mergeExplicitOverPreset(explicit, preset ast.Node) ast.Node {
	explicitFields := collectFields(explicit)

	presetConjuncts := flattenAnd(preset)
	var kept []ast.Node
	for _, p := range presetConjuncts {
		if pf, ok := soleField(p); ok && explicitFields[pf] {
			continue
		}
		kept = append(kept, p)
	}

	if explicit == ast.True {
		return ast.NewAnd(kept...)
	}
	return ast.NewAnd(append([]ast.Node{explicit}, kept...)...)
}

func flattenAnd(n ast.Node) []ast.Node {
	if a, ok := n.(ast.And); ok {
		return a.Children
	}
	if n == ast.True {
		return nil
	}
	return []ast.Node{n}
}

func soleField(n ast.Node) (string, bool) {
	switch v := n.(type) {
	case ast.Comparison:
		return v.Field, true
	case ast.Exists:
		return v.Field, true
	case ast.Not:
		return soleField(v.Child)
	default:
		return "", false
	}
}

func collectFields(n ast.Node) map[string]bool {
	out := map[string]bool{}
	var walk func(ast.Node)
	walk = func(n ast.Node) {
		switch v := n.(type) {
		case ast.Comparison:
			out[v.Field] = true
		case ast.Exists:
			out[v.Field] = true
		case ast.And:
			for _, c := range v.Children {
				walk(c)
			}
		case ast.Or:
			for _, c := range v.Children {
				walk(c)
			}
		case ast.Not:
			walk(v.Child)
		}
	}
	walk(n)
	return out
}

// modeExpansion returns the preset conjunction for a Mode, §4.4. Modes with
// no additional structural constraint (all, search, smart_suggest) return
// (nil, false) and add no conjunct; no other layer gives search or
// smart_suggest extra handling, so they select the same rows as all.
func (c *Compiler) modeExpansion(mode model.Mode, dueSoonDays int) (ast.Node, bool) {
	now := c.Now()
	switch mode {
	case model.ModeOverdue:
		return ast.NewAnd(
			ast.Comparison{Field: "task.dueDate", Op: ast.OpLt, Value: now},
			ast.Not{Child: ast.Comparison{Field: "task.completed", Op: ast.OpEq, Value: true}},
		), true
	case model.ModeToday:
		threshold := now.AddDate(0, 0, dueSoonDays)
		return ast.NewOr(
			ast.Comparison{Field: "task.dueDate", Op: ast.OpLte, Value: threshold},
			ast.Comparison{Field: "task.flagged", Op: ast.OpEq, Value: true},
		), true
	case model.ModeUpcoming:
		threshold := now.AddDate(0, 0, dueSoonDays)
		return ast.NewAnd(
			ast.Comparison{Field: "task.dueDate", Op: ast.OpGte, Value: now},
			ast.Comparison{Field: "task.dueDate", Op: ast.OpLte, Value: threshold},
		), true
	case model.ModeAvailable:
		return availableExpr(now), true
	case model.ModeBlocked:
		return ast.Comparison{Field: ast.FieldBlocked, Op: ast.OpEq, Value: true}, true
	case model.ModeFlagged:
		return ast.Comparison{Field: "task.flagged", Op: ast.OpEq, Value: true}, true
	default:
		return nil, false
	}
}

func availableExpr(now time.Time) ast.Node {
	return ast.NewAnd(
		ast.Not{Child: ast.Comparison{Field: ast.FieldBlocked, Op: ast.OpEq, Value: true}},
		ast.Not{Child: ast.Comparison{Field: "task.completed", Op: ast.OpEq, Value: true}},
		ast.Not{Child: ast.Comparison{Field: "task.dropped", Op: ast.OpEq, Value: true}},
		ast.NewOr(
			ast.Comparison{Field: "task.deferDate", Op: ast.OpLte, Value: now},
			ast.Exists{Field: "task.deferDate", Exists: false},
		),
	)
}

// lower turns one FilterExpr node into an ast.Node, applying:
//   - `project: ""` (the explicit-null form) => `inInbox: true` (§4.4)
//   - default AND on array fields (tags), explicit OR/NOT_IN/IN via Op
//   - default case-insensitive CONTAINS for string fields, explicit
//     EQUALS/STARTS_WITH/ENDS_WITH/NOT_EQUALS via Op
//   - date value validation against the two accepted lowered forms
func (c *Compiler) lower(f FilterExpr) (ast.Node, error) {
	if f.Project != nil {
		if *f.Project == "" {
			return ast.Comparison{Field: ast.FieldInInbox, Op: ast.OpEq, Value: true}, nil
		}
		return ast.Comparison{Field: "task.project", Op: ast.OpEq, Value: *f.Project}, nil
	}

	if len(f.And) > 0 {
		children, err := c.lowerAll(f.And)
		if err != nil {
			return nil, err
		}
		return ast.NewAnd(children...), nil
	}
	if len(f.Or) > 0 {
		children, err := c.lowerAll(f.Or)
		if err != nil {
			return nil, err
		}
		return ast.NewOr(children...), nil
	}
	if f.Not != nil {
		child, err := c.lower(*f.Not)
		if err != nil {
			return nil, err
		}
		return ast.Not{Child: child}, nil
	}

	if f.Field == "" {
		return ast.True, nil
	}

	op, err := normalizeOp(f.Field, f.Op)
	if err != nil {
		return nil, err
	}

	value, err := decodeValue(f.Field, op, f.Value)
	if err != nil {
		return nil, err
	}

	return ast.Comparison{Field: f.Field, Op: op, Value: value}, nil
}

func (c *Compiler) lowerAll(exprs []FilterExpr) ([]ast.Node, error) {
	out := make([]ast.Node, 0, len(exprs))
	for _, e := range exprs {
		n, err := c.lower(e)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func normalizeOp(field, op string) (ast.Op, error) {
	if op == "" {
		if isArrayField(field) {
			return ast.OpIncludes, nil
		}
		return ast.OpIncludes, nil // default CONTAINS for string fields too
	}
	switch op {
	case "==", "EQUALS":
		return ast.OpEq, nil
	case "!=", "NOT_EQUALS":
		return ast.OpNeq, nil
	case "<":
		return ast.OpLt, nil
	case "<=":
		return ast.OpLte, nil
	case ">":
		return ast.OpGt, nil
	case ">=":
		return ast.OpGte, nil
	case "includes", "CONTAINS":
		return ast.OpIncludes, nil
	case "matches":
		return ast.OpMatches, nil
	case "some", "OR":
		return ast.OpSome, nil
	case "every", "AND":
		return ast.OpEvery, nil
	case "STARTS_WITH", "ENDS_WITH", "IN", "NOT_IN":
		return ast.Op(op), nil
	default:
		return "", apperr.NewValidation(fmt.Sprintf("unknown filter operator %q for field %q", op, field))
	}
}

func isArrayField(field string) bool {
	return field == "tags" || field == "taskTags"
}

func decodeValue(field string, op ast.Op, raw []byte) (interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && isDateField(field) {
		if !dateOnly.MatchString(s) && !dateTime.MatchString(s) {
			return nil, apperr.NewValidation(fmt.Sprintf("invalid date value %q for field %q", s, field)).
				WithDetails(dateFormatHint)
		}
		return s, nil
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, apperr.NewValidation(fmt.Sprintf("invalid value for field %q", field)).WithDetails(err.Error())
	}
	return generic, nil
}

func isDateField(field string) bool {
	switch field {
	case "task.dueDate", "task.deferDate", "task.plannedDate", "task.completionDate":
		return true
	default:
		return false
	}
}
