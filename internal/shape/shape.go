// Package shape implements the Response Shaper (§4.7): the uniform
// envelope every tool call returns, so an LLM caller never has to parse
// prose to know whether a call succeeded.
package shape

import (
	"time"

	"github.com/kip-d/omnifocus-mcp-sub017/internal/apperr"
)

// Metadata is the envelope's bookkeeping block.
type Metadata struct {
	OperationTimeMs int64   `json:"operation_time_ms"`
	FromCache       bool    `json:"from_cache"`
	TotalCount      *int    `json:"total_count,omitempty"`
	QueryTimeMs     *int64  `json:"query_time_ms,omitempty"`
	Health          *string `json:"health,omitempty"`
	Optimization    *bool   `json:"optimization,omitempty"`
}

// ErrorBody is the envelope's error block; Code is always one of the
// closed taxonomy in apperr, never free text.
type ErrorBody struct {
	Code       apperr.Code `json:"code"`
	Message    string      `json:"message"`
	Suggestion string      `json:"suggestion,omitempty"`
	Details    string      `json:"details,omitempty"`
}

// Envelope is the LLM-facing response shape for every tool call.
type Envelope struct {
	Success  bool        `json:"success"`
	Data     interface{} `json:"data,omitempty"`
	Summary  string      `json:"summary,omitempty"`
	Metadata Metadata    `json:"metadata"`
	Error    *ErrorBody  `json:"error,omitempty"`
}

// Builder accumulates the pieces of an envelope across a call's
// lifetime (start time, cache hit, summary) and produces the final
// envelope with Success or Failure.
type Builder struct {
	start      time.Time
	fromCache  bool
	queryStart *time.Time
	totalCount *int
	health     *string
}

func NewBuilder() *Builder {
	return &Builder{start: time.Now()}
}

func (b *Builder) MarkFromCache() *Builder {
	b.fromCache = true
	return b
}

func (b *Builder) WithTotalCount(n int) *Builder {
	b.totalCount = &n
	return b
}

func (b *Builder) WithHealth(h string) *Builder {
	b.health = &h
	return b
}

// StartQuery marks the point queries begin, so query_time_ms can be
// reported separately from total operation_time_ms (which also covers
// cache lookup, shaping, etc.).
func (b *Builder) StartQuery() *Builder {
	now := time.Now()
	b.queryStart = &now
	return b
}

// OperationTimeMs reports elapsed time since the builder was created,
// for callers (e.g. a cache-hit short-circuit) that need the timing
// without going through Success/Failure.
func (b *Builder) OperationTimeMs() int64 {
	return b.operationTimeMs()
}

func (b *Builder) operationTimeMs() int64 {
	return time.Since(b.start).Milliseconds()
}

func (b *Builder) queryTimeMs() *int64 {
	if b.queryStart == nil {
		return nil
	}
	ms := time.Since(*b.queryStart).Milliseconds()
	return &ms
}

// Success builds a success envelope. summary should be short enough to
// read in a single model turn (<2kB typical, per §6); data is the
// caller's payload, optimization reports whether a fast-path collection
// was used for this query (§4.3's baseCollection optimization flag).
func (b *Builder) Success(summary string, data interface{}, optimization *bool) *Envelope {
	return &Envelope{
		Success: true,
		Data:    data,
		Summary: summary,
		Metadata: Metadata{
			OperationTimeMs: b.operationTimeMs(),
			FromCache:       b.fromCache,
			TotalCount:      b.totalCount,
			QueryTimeMs:     b.queryTimeMs(),
			Health:          b.health,
			Optimization:    optimization,
		},
	}
}

// Failure builds an error envelope from an *apperr.AppError (or any
// error, which is classified as an internal SCRIPT_FAILED if it isn't
// one of ours).
func (b *Builder) Failure(err error) *Envelope {
	ae, ok := apperr.As(err)
	if !ok {
		ae = apperr.Wrap(err, apperr.CodeScriptFailed, "unclassified internal error")
	}
	return &Envelope{
		Success: false,
		Metadata: Metadata{
			OperationTimeMs: b.operationTimeMs(),
			FromCache:       b.fromCache,
			TotalCount:      b.totalCount,
			QueryTimeMs:     b.queryTimeMs(),
			Health:          b.health,
		},
		Error: &ErrorBody{
			Code:       ae.Code,
			Message:    ae.Message,
			Suggestion: ae.Suggestion,
			Details:    ae.Details,
		},
	}
}
