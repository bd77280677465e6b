// Package query defines the Query type (§3) and the filter DSL that callers
// submit to Tool Dispatch's read verb.
package query

import (
	"encoding/json"
	"sort"

	"github.com/kip-d/omnifocus-mcp-sub017/internal/model"
)

// FilterExpr is the JSON-facing filter shape a caller submits. It is a
// looser, string-keyed DSL than the internal ast.Node algebra; the Compiler
// lowers it into ast.Node and applies mode expansions and semantic
// equivalences (§4.4).
type FilterExpr struct {
	Field    string          `json:"field,omitempty"`
	Op       string          `json:"op,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	And      []FilterExpr    `json:"and,omitempty"`
	Or       []FilterExpr    `json:"or,omitempty"`
	Not      *FilterExpr     `json:"not,omitempty"`
	// Project is a convenience shorthand for the common inbox /
	// project: "name" filter; nil means "not specified", a pointer to ""
	// means explicit null (inbox). A JSON `project: null` decodes to nil,
	// so it is treated as not specified; the inbox is selected with
	// `project: ""`.
	Project *string `json:"project,omitempty"`
}

// Query is §3's Query type.
type Query struct {
	Entity     model.Entity    `json:"entity"`
	Mode       model.Mode      `json:"mode,omitempty"`
	Filter     *FilterExpr     `json:"filter,omitempty"`
	Sort       []model.SortKey `json:"sort,omitempty"`
	Limit      int             `json:"limit,omitempty"`
	Offset     int             `json:"offset,omitempty"`
	Fields     []string        `json:"fields,omitempty"`
	CountOnly  bool            `json:"countOnly,omitempty"`
	DueSoonDays int            `json:"dueSoonDays,omitempty"`
}

// CanonicalJSON produces a deterministic, field-order-independent encoding
// of the query for use as a Cache Manager key (DESIGN.md Open Question 5:
// FNV-1a over canonical JSON, not a cryptographic hash). cache.Fingerprint
// picks this up via an interface check rather than its generic marshal
// fallback, since a generic round-trip would not know that Fields order is
// insignificant while Sort order is.
func (q Query) CanonicalJSON() ([]byte, error) {
	// Sort order is semantically significant and must not be reordered;
	// only the projection field set is reordered, since its order carries
	// no meaning and two requests differing only in field-list order
	// should fingerprint identically.
	sorted := q
	fields := append([]string(nil), q.Fields...)
	sort.Strings(fields)
	sorted.Fields = fields

	return json.Marshal(sorted)
}
