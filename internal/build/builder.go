// Package build implements the Script Builder (§4.3): it emits a script
// string for a given ast.Node, target dialect, and projection/pagination
// options. Script text is assembled with strings.Builder and fmt.Sprintf
// rather than text/template — no repo in the reference pack reaches for a
// templating library to emit generated code/scripts, and the output here is
// irregular enough (conditional clauses, nested predicates, per-dialect
// lowering) that template fill-in-the-blank doesn't fit (DESIGN.md).
package build

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kip-d/omnifocus-mcp-sub017/internal/apperr"
	"github.com/kip-d/omnifocus-mcp-sub017/internal/ast"
)

// Dialect selects which of the two target script dialects to emit for.
type Dialect int

const (
	// External ("outer") is used for probes, single-ID lookups, and
	// writes whose readback must observe the outer context's view.
	External Dialect = iota
	// Embedded ("inner") is used for bulk reads, complex filters, and
	// mutations, evaluated inside the host via a bridge call.
	Embedded
)

func (d Dialect) String() string {
	if d == External {
		return "external"
	}
	return "embedded"
}

// Options controls pagination, projection, and count-only emission for a
// single query script (§4.3).
type Options struct {
	Fields      []string
	Limit       int
	Offset      int
	CountOnly   bool
	DueSoonDays int
	Entity      string // "tasks", "projects", ... selects the base collection
}

const defaultDueSoonDays = 3

// inlineThreshold is the number of scalar values above which an emitted
// array is passed as a JSON string literal wrapped in JSON.parse rather
// than inlined as an array literal (§6, Design Notes §9). The JSON.parse
// call sits inside the per-row predicate, so it runs on every evaluation,
// not once at script start.
const inlineThreshold = 200

// BuildQueryScript emits a complete script for filter n against opts,
// targeting dialect. The External dialect is restricted to forms that do
// not require the host's slow attribute-predicate filter API: this
// function always emits an explicit iteration with an inlined predicate,
// in both dialects, per §4.3's "must never use the host's slow
// attribute-predicate filter API" rule — that rule is non-negotiable for
// every dialect, not just external (Design Notes §9).
func BuildQueryScript(n ast.Node, dialect Dialect, opts Options) (string, error) {
	pred, err := emitPredicate(n, dialect)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("(function() {\n")
	b.WriteString("  var app = Application('OmniFocus');\n")
	b.WriteString("  var doc = app.defaultDocument();\n")
	b.WriteString(preludeFunctions(dialect))

	collection, usesInboxFastPath := baseCollection(opts.Entity, n)
	b.WriteString(fmt.Sprintf("  var source = %s;\n", collection))

	dueSoon := opts.DueSoonDays
	if dueSoon == 0 {
		dueSoon = defaultDueSoonDays
	}
	b.WriteString(fmt.Sprintf("  var dueSoonDays = %d;\n", dueSoon))

	if opts.CountOnly {
		b.WriteString("  var count = 0;\n")
		b.WriteString("  for (var i = 0; i < source.length; i++) {\n")
		b.WriteString("    var item = source[i];\n")
		b.WriteString(fmt.Sprintf("    if (%s) { count++; }\n", pred))
		b.WriteString("  }\n")
		b.WriteString("  return JSON.stringify({ count: count, optimization: ")
		b.WriteString(fmt.Sprintf("%v", usesInboxFastPath))
		b.WriteString(" });\n")
		b.WriteString("})();\n")
		return b.String(), nil
	}

	b.WriteString("  var results = [];\n")
	b.WriteString(fmt.Sprintf("  var limit = %d;\n", opts.Limit))
	b.WriteString(fmt.Sprintf("  var offset = %d;\n", opts.Offset))
	b.WriteString("  var skipped = 0;\n")
	b.WriteString("  for (var i = 0; i < source.length; i++) {\n")
	b.WriteString("    var item = source[i];\n")
	b.WriteString(fmt.Sprintf("    if (!(%s)) { continue; }\n", pred))
	b.WriteString("    if (offset > 0 && skipped < offset) { skipped++; continue; }\n")
	b.WriteString("    results.push(projectItem(item));\n")
	b.WriteString("    if (limit > 0 && results.length >= limit) { break; }\n")
	b.WriteString("  }\n")
	b.WriteString(projectionFunction(opts.Fields, dueSoon))
	b.WriteString("  return JSON.stringify({ data: results });\n")
	b.WriteString("})();\n")

	return b.String(), nil
}

// preludeFunctions emits the helper functions the predicate/projection
// expressions call into: external-dialect synthetic-field derivations (the
// embedded dialect has native accessors and needs none of these) and a
// date rehydration helper shared by both dialects.
func preludeFunctions(dialect Dialect) string {
	var b strings.Builder
	b.WriteString("  function rehydrateDate(v) { return (v instanceof Date) ? v : new Date(v); }\n")
	if dialect == External {
		b.WriteString("  function isBlockedExternal(item) {\n")
		b.WriteString("    try { return item.taskStatus() === Task.Status.Blocked; }\n")
		b.WriteString("    catch (e) { return false; }\n")
		b.WriteString("  }\n")
		b.WriteString("  function isAvailableExternal(item) {\n")
		b.WriteString("    if (item.completed() || item.dropped()) { return false; }\n")
		b.WriteString("    if (isBlockedExternal(item)) { return false; }\n")
		b.WriteString("    var defer = item.deferDate();\n")
		b.WriteString("    return !defer || defer <= new Date();\n")
		b.WriteString("  }\n")
	}
	return b.String()
}

// baseCollection selects the iteration source. When the filter normalizes
// to inInbox:true (detected structurally, not just mode), the builder uses
// the host's pre-filtered inbox collection rather than iterating every
// task and checking inInbox per row (§4.3, §6 bit-exact boundary).
func baseCollection(entity string, n ast.Node) (string, bool) {
	switch entity {
	case "projects":
		return "doc.flattenedProjects()", false
	case "tags":
		return "doc.flattenedTags()", false
	case "folders":
		return "doc.flattenedFolders()", false
	default:
		if entailsInInbox(n) {
			return "doc.inboxTasks()", true
		}
		return "doc.flattenedTasks()", false
	}
}

// entailsInInbox reports whether n structurally requires inInbox == true,
// conservatively: a bare Comparison{inInbox, ==, true} at the top level or
// as a conjunct of a top-level And.
func entailsInInbox(n ast.Node) bool {
	check := func(n ast.Node) bool {
		c, ok := n.(ast.Comparison)
		return ok && c.Field == ast.FieldInInbox && c.Op == ast.OpEq && c.Value == true
	}
	if check(n) {
		return true
	}
	if a, ok := n.(ast.And); ok {
		for _, c := range a.Children {
			if check(c) {
				return true
			}
		}
	}
	return false
}

// projectionFunction emits a projectItem(item) helper that builds the
// output object for each row passing the predicate, computing the
// `reason`/`daysOverdue` synthetic output fields inline and threading
// dueSoonDays through (§4.3).
func projectionFunction(fields []string, dueSoonDays int) string {
	var b strings.Builder
	b.WriteString("  function projectItem(item) {\n")
	b.WriteString("    var out = {};\n")
	if len(fields) == 0 {
		b.WriteString("    out.id = item.id(); out.name = item.name();\n")
		b.WriteString("    out.flagged = item.flagged(); out.completed = item.completed();\n")
		b.WriteString("    out.dueDate = item.dueDate() ? item.dueDate().toISOString() : null;\n")
	} else {
		for _, f := range fields {
			switch f {
			case "reason":
				b.WriteString("    out.reason = computeReason(item, dueSoonDays);\n")
			case "daysOverdue":
				b.WriteString("    out.daysOverdue = computeDaysOverdue(item);\n")
			default:
				b.WriteString(fmt.Sprintf("    out[%q] = readField(item, %q);\n", f, f))
			}
		}
	}
	b.WriteString("    return out;\n")
	b.WriteString("  }\n")
	b.WriteString("  function computeReason(item, dueSoonDays) {\n")
	b.WriteString("    if (item.dueDate && item.dueDate()) {\n")
	b.WriteString("      var days = (item.dueDate() - new Date()) / 86400000;\n")
	b.WriteString("      if (days < 0) { return 'overdue'; }\n")
	b.WriteString("      if (days <= dueSoonDays) { return 'due_soon'; }\n")
	b.WriteString("    }\n")
	b.WriteString("    if (item.flagged && item.flagged()) { return 'flagged'; }\n")
	b.WriteString("    return 'matched_filter';\n")
	b.WriteString("  }\n")
	b.WriteString("  function computeDaysOverdue(item) {\n")
	b.WriteString("    if (!item.dueDate || !item.dueDate()) { return null; }\n")
	b.WriteString("    var days = Math.floor((new Date() - item.dueDate()) / 86400000);\n")
	b.WriteString("    return days > 0 ? days : 0;\n")
	b.WriteString("  }\n")
	b.WriteString("  function readField(item, field) {\n")
	b.WriteString("    try { return typeof item[field] === 'function' ? item[field]() : item[field]; }\n")
	b.WriteString("    catch (e) { return null; }\n")
	b.WriteString("  }\n")
	return b.String()
}

// emitPredicate renders n as a boolean JavaScript expression over `item`,
// lowering synthetic fields to their dialect-correct primitive and
// enforcing the emission rules of §4.3.
func emitPredicate(n ast.Node, dialect Dialect) (string, error) {
	switch v := n.(type) {
	case ast.Literal:
		if v.Value {
			return "true", nil
		}
		return "false", nil
	case ast.Not:
		inner, err := emitPredicate(v.Child, dialect)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("!(%s)", inner), nil
	case ast.And:
		return emitJunction(v.Children, "&&", "true", dialect)
	case ast.Or:
		return emitJunction(v.Children, "||", "false", dialect)
	case ast.Exists:
		accessor := fieldAccessor(v.Field, dialect)
		if v.Exists {
			return fmt.Sprintf("(%s != null)", accessor), nil
		}
		return fmt.Sprintf("(%s == null)", accessor), nil
	case ast.Comparison:
		return emitComparison(v, dialect)
	default:
		return "", apperr.New(apperr.CodeValidation, fmt.Sprintf("unsupported AST node %T", n))
	}
}

// emitJunction emits an And/Or over children, honoring the "empty AND is
// true, empty OR is false" rule even when encountered mid-tree (not just
// at the root), so dialects agree on the constants per §8 Invariant 3.
func emitJunction(children []ast.Node, op, emptyValue string, dialect Dialect) (string, error) {
	if len(children) == 0 {
		return emptyValue, nil
	}
	parts := make([]string, 0, len(children))
	for _, c := range children {
		p, err := emitPredicate(c, dialect)
		if err != nil {
			return "", err
		}
		parts = append(parts, p)
	}
	return "(" + strings.Join(parts, " "+op+" ") + ")", nil
}

// fieldAccessor maps a logical field name to dialect-correct JavaScript.
// Synthetic fields map to their native predicate in the embedded dialect
// and to a direct boolean accessor in the external dialect (§4.3).
func fieldAccessor(field string, dialect Dialect) string {
	switch field {
	case ast.FieldAvailable:
		if dialect == Embedded {
			return "item.available()"
		}
		return "isAvailableExternal(item)"
	case ast.FieldBlocked:
		if dialect == Embedded {
			return "item.blocked()"
		}
		return "isBlockedExternal(item)"
	case ast.FieldInInbox:
		if dialect == Embedded {
			return "(item.containingProject() == null)"
		}
		return "item.inInbox()"
	case ast.FieldDropped:
		return "item.dropped()"
	default:
		return jsFieldAccessor(field)
	}
}

// jsFieldAccessor maps a "task.dueDate"-style logical field to a property
// accessor call on `item`.
func jsFieldAccessor(field string) string {
	parts := strings.SplitN(field, ".", 2)
	name := parts[len(parts)-1]
	return fmt.Sprintf("item.%s()", name)
}

func emitComparison(c ast.Comparison, dialect Dialect) (string, error) {
	accessor := fieldAccessor(c.Field, dialect)
	valueLiteral, isString := literalFor(c.Value)

	switch c.Op {
	case ast.OpEq:
		return fmt.Sprintf("(%s === %s)", accessor, valueLiteral), nil
	case ast.OpNeq:
		return fmt.Sprintf("(%s !== %s)", accessor, valueLiteral), nil
	case ast.OpLt, ast.OpLte, ast.OpGt, ast.OpGte:
		if isDateField(c.Field) {
			return fmt.Sprintf("(%s %s rehydrateDate(%s))", accessor, string(c.Op), valueLiteral), nil
		}
		return fmt.Sprintf("(%s %s %s)", accessor, string(c.Op), valueLiteral), nil
	case ast.OpIncludes:
		if isString {
			return fmt.Sprintf("(String(%s).toLowerCase().indexOf(String(%s).toLowerCase()) >= 0)", accessor, valueLiteral), nil
		}
		return fmt.Sprintf("(%s.indexOf(%s) >= 0)", accessor, valueLiteral), nil
	case ast.OpMatches:
		return fmt.Sprintf("(new RegExp(%s, 'i').test(String(%s)))", valueLiteral, accessor), nil
	case ast.OpSome:
		return fmt.Sprintf("(%s.some(function(x){ return x === %s; }))", accessor, valueLiteral), nil
	case ast.OpEvery:
		return fmt.Sprintf("(%s.every(function(x){ return x === %s; }))", accessor, valueLiteral), nil
	case "IN":
		return emitArrayMembership(accessor, c.Value, true)
	case "NOT_IN":
		return emitArrayMembership(accessor, c.Value, false)
	case "STARTS_WITH":
		return fmt.Sprintf("(String(%s).toLowerCase().indexOf(String(%s).toLowerCase()) === 0)", accessor, valueLiteral), nil
	case "ENDS_WITH":
		return fmt.Sprintf("(String(%s).toLowerCase().lastIndexOf(String(%s).toLowerCase()) === String(%s).length - String(%s).length)",
			accessor, valueLiteral, accessor, valueLiteral), nil
	default:
		return "", apperr.New(apperr.CodeValidation, fmt.Sprintf("unsupported operator %q", c.Op))
	}
}

// emitArrayMembership emits an IN/NOT_IN test. Above inlineThreshold
// elements, the array is passed as a JSON string inside a JSON.parse call
// rather than inlined, per §6/§9; that call is part of the emitted
// predicate, so it is parsed on each evaluation, not once at script start.
func emitArrayMembership(accessor string, value interface{}, positive bool) (string, error) {
	items, ok := value.([]interface{})
	if !ok {
		return "", apperr.NewValidation("IN/NOT_IN requires an array value")
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", apperr.Wrap(err, apperr.CodeValidation, "could not encode IN/NOT_IN operand")
	}
	var arrExpr string
	if len(items) > inlineThreshold {
		arrExpr = fmt.Sprintf("JSON.parse(%s)", jsonQuote(string(data)))
	} else {
		arrExpr = string(data)
	}
	if positive {
		return fmt.Sprintf("(%s.indexOf(%s) >= 0)", arrExpr, accessor), nil
	}
	return fmt.Sprintf("(%s.indexOf(%s) < 0)", arrExpr, accessor), nil
}

func isDateField(field string) bool {
	switch field {
	case "task.dueDate", "task.deferDate", "task.plannedDate", "task.completionDate":
		return true
	default:
		return false
	}
}

// literalFor renders a Go value as a JavaScript literal, reporting whether
// it was a string (so callers can decide on case-insensitive lowering).
func literalFor(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		data, _ := json.Marshal(val)
		return string(data), true
	case bool:
		return fmt.Sprintf("%v", val), false
	case float64, int:
		return fmt.Sprintf("%v", val), false
	case nil:
		return "null", false
	default:
		data, _ := json.Marshal(val)
		return string(data), false
	}
}

func jsonQuote(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
