// Package dispatch implements Tool Dispatch (§4.8): the four verbs
// (read, write, analyze, system) and their routing into the Query
// Compiler / Script Builder / Bridge Protocol / Robust Runner / Cache
// Manager / Response Shaper pipeline described in §2's dataflow.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kip-d/omnifocus-mcp-sub017/internal/apperr"
	"github.com/kip-d/omnifocus-mcp-sub017/internal/bridge"
	"github.com/kip-d/omnifocus-mcp-sub017/internal/build"
	"github.com/kip-d/omnifocus-mcp-sub017/internal/cache"
	"github.com/kip-d/omnifocus-mcp-sub017/internal/config"
	"github.com/kip-d/omnifocus-mcp-sub017/internal/model"
	"github.com/kip-d/omnifocus-mcp-sub017/internal/query"
	"github.com/kip-d/omnifocus-mcp-sub017/internal/script"
	"github.com/kip-d/omnifocus-mcp-sub017/internal/shape"
)

// Dispatcher wires the pipeline components together and exposes the
// four verbs as plain methods; the MCP transport layer (cmd/omnifocus-mcp)
// adapts mcp-go tool calls onto these.
type Dispatcher struct {
	Compiler *query.Compiler
	Runner   script.Executor
	Cache    *cache.Manager
	Logger   *zap.Logger

	// BatchMax is the maximum number of steps a single batch mutation may
	// carry (§6: "Batch limits: maximum 100 items per batch mutation").
	BatchMax int

	// inflight dedups concurrent identical reads (same entity/mode/filter
	// fingerprint) onto a single external-host call, per §5: two callers
	// racing the same query share one Runner.Execute rather than each
	// spawning their own interpreter process.
	inflight singleflight.Group
}

// New wires the pipeline. batchMax <= 0 falls back to the spec's default
// of 100 items per batch.
func New(runner script.Executor, c *cache.Manager, logger *zap.Logger, batchMax int) *Dispatcher {
	if batchMax <= 0 {
		batchMax = config.DefaultBatchMax
	}
	return &Dispatcher{
		Compiler: query.NewCompiler(),
		Runner:   runner,
		Cache:    c,
		Logger:   logger,
		BatchMax: batchMax,
	}
}

func targetClass(t model.MutationTarget) model.CacheClass {
	switch t {
	case model.TargetProject:
		return model.ClassProjects
	case model.TargetTag:
		return model.ClassTags
	default:
		return model.ClassTasks
	}
}

func entityClass(e model.Entity) (model.CacheClass, bool) {
	switch e {
	case model.EntityTasks:
		return model.ClassTasks, true
	case model.EntityProjects:
		return model.ClassProjects, true
	case model.EntityTags:
		return model.ClassTags, true
	case model.EntityFolders:
		return model.ClassFolders, true
	default:
		return "", false
	}
}

// Read executes the `read` verb: compile -> build -> (cache) -> run ->
// shape, per §2's read dataflow.
func (d *Dispatcher) Read(ctx context.Context, q query.Query) *shape.Envelope {
	b := shape.NewBuilder()

	if q.Entity == "" {
		return b.Failure(apperr.NewValidation("query.entity is required"))
	}

	node, err := d.Compiler.Compile(q)
	if err != nil {
		return b.Failure(err)
	}

	class, cacheable := entityClass(q.Entity)
	var fingerprint string
	if cacheable && d.Cache != nil {
		fingerprint, err = cache.Fingerprint(q)
		if err != nil {
			d.logWarn("fingerprint computation failed, bypassing cache", err)
		} else if cached, hit, err := d.Cache.Get(ctx, class, fingerprint); err == nil && hit {
			var env shape.Envelope
			if err := json.Unmarshal(cached, &env); err == nil {
				env.Metadata.FromCache = true
				env.Metadata.OperationTimeMs = b.MarkFromCache().OperationTimeMs()
				return &env
			}
		}
	}

	b.StartQuery()
	opts := build.Options{
		Fields:      q.Fields,
		Limit:       q.Limit,
		Offset:      q.Offset,
		CountOnly:   q.CountOnly,
		DueSoonDays: q.DueSoonDays,
		Entity:      string(q.Entity),
	}
	scriptText, err := build.BuildQueryScript(node, build.Embedded, opts)
	if err != nil {
		return b.Failure(err)
	}

	sfKey := fingerprint
	if sfKey == "" {
		sfKey = scriptText
	}
	raw, err, _ := d.inflight.Do(sfKey, func() (interface{}, error) {
		return d.Runner.Execute(ctx, scriptText)
	})
	if err != nil {
		return b.Failure(err)
	}
	result := raw.(*script.Result)

	data, totalCount, optimization := extractReadResult(result)
	if totalCount != nil {
		b.WithTotalCount(*totalCount)
	}
	summary := summarizeRead(q, totalCount)
	env := b.Success(summary, data, optimization)

	if cacheable && d.Cache != nil && fingerprint != "" {
		if raw, err := json.Marshal(env); err == nil {
			tags := resultShapeTags(q)
			_ = d.Cache.Set(ctx, class, fingerprint, raw)
			_ = d.Cache.TagQuery(ctx, class, fingerprint, tags)
		}
	}
	return env
}

// extractReadResult unpacks the script's JSON envelope: count-only
// queries return {count, optimization}; paginated queries return {data}.
func extractReadResult(result *script.Result) (interface{}, *int, *bool) {
	if result == nil || result.IsNil {
		return nil, nil, nil
	}
	if result.JSON == nil {
		return result.Raw, nil, nil
	}
	m, ok := result.JSON.(map[string]interface{})
	if !ok {
		return result.JSON, nil, nil
	}
	if cnt, ok := m["count"]; ok {
		var optimization *bool
		if opt, ok := m["optimization"].(bool); ok {
			optimization = &opt
		}
		if f, ok := cnt.(float64); ok {
			n := int(f)
			return m, &n, optimization
		}
		return m, nil, optimization
	}
	if data, ok := m["data"]; ok {
		if arr, ok := data.([]interface{}); ok {
			n := len(arr)
			return data, &n, nil
		}
		return data, nil, nil
	}
	return m, nil, nil
}

func summarizeRead(q query.Query, totalCount *int) string {
	if q.CountOnly {
		if totalCount != nil {
			return fmt.Sprintf("%d %s match the query", *totalCount, q.Entity)
		}
		return fmt.Sprintf("count query over %s", q.Entity)
	}
	if totalCount != nil {
		return fmt.Sprintf("%d %s returned", *totalCount, q.Entity)
	}
	return fmt.Sprintf("%s query completed", q.Entity)
}

// resultShapeTags derives the cache-invalidation-pattern tags a query
// result is sensitive to, from its entity, its mode and an inbox
// (`project: ""`) filter, so a later mutation's
// selective invalidation (e.g. "today", "inbox", "overdue") can find it.
func resultShapeTags(q query.Query) []string {
	tags := []string{string(q.Entity)}
	if q.Mode != "" {
		tags = append(tags, string(q.Mode))
	}
	if q.Filter != nil && q.Filter.Project != nil && *q.Filter.Project == "" {
		tags = append(tags, "inbox")
	}
	return tags
}

func (d *Dispatcher) logWarn(msg string, err error) {
	if d.Logger != nil {
		d.Logger.Warn(msg, zap.Error(err))
	}
}

// Mutation is the JSON-facing write-verb payload, §3/§4.8.
type Mutation struct {
	Operation    model.MutationOp      `json:"operation"`
	Target       model.MutationTarget  `json:"target,omitempty"`
	ID           string                `json:"id,omitempty"`
	IDs          []string              `json:"ids,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Changes      map[string]interface{} `json:"changes,omitempty"`
	TempID       string                `json:"tempId,omitempty"`
	ParentTempID string                `json:"parentTempId,omitempty"`
	DryRun       bool                  `json:"dryRun,omitempty"`
	Atomic       bool                  `json:"atomic,omitempty"`
	ProjectID    *string               `json:"projectId,omitempty"`
	ParentTaskID *string               `json:"parentTaskId,omitempty"`
	MoveTarget   string                `json:"moveTarget,omitempty"`
	AddTags      []string              `json:"addTags,omitempty"`
	RemoveTags   []string              `json:"removeTags,omitempty"`
	Batch        []Mutation            `json:"batch,omitempty"`
}

// Write executes the `write` verb: build (Bridge Protocol write+readback
// script) -> run -> cache invalidation -> shape, per §2's write dataflow.
func (d *Dispatcher) Write(ctx context.Context, m Mutation) *shape.Envelope {
	b := shape.NewBuilder()

	if m.Operation == model.OpBatch {
		return d.writeBatch(ctx, b, m)
	}

	scriptText, class, tags, err := d.buildMutationScript(m)
	if err != nil {
		return b.Failure(err)
	}

	if m.DryRun {
		return b.Success("dry run: mutation validated, not executed", map[string]interface{}{"script_preview": scriptText}, nil)
	}

	if d.Cache != nil && class != "" {
		d.Cache.BeginWrite(class)
	}
	result, err := d.Runner.Execute(ctx, scriptText)
	if d.Cache != nil && class != "" {
		_ = d.Cache.EndWrite(ctx, class, tags)
	}
	if err != nil {
		return b.Failure(err)
	}

	data, warnings, mutErr := extractWriteResult(result)
	if mutErr != nil {
		return b.Failure(mutErr)
	}
	summary := summarizeWrite(m)
	if len(warnings) > 0 {
		summary += fmt.Sprintf(" (%d warning(s))", len(warnings))
	}
	return b.Success(summary, data, nil)
}

// extractWriteResult unpacks a Bridge Protocol script's result. A bridge
// script that could not find its target (or hit a readback mismatch)
// returns `{error, message}` with no "data" key (§4.5); that must surface
// as a failed mutation, not a success with the error object leaking into
// data (§8 Invariant 6: delete on an unknown id must fail with NOT_FOUND).
func extractWriteResult(result *script.Result) (interface{}, []interface{}, error) {
	if result == nil || result.IsNil {
		return nil, nil, nil
	}
	m, ok := result.JSON.(map[string]interface{})
	if !ok {
		return result.JSON, nil, nil
	}
	if codeRaw, ok := m["error"]; ok {
		code, _ := codeRaw.(string)
		message, _ := m["message"].(string)
		return nil, nil, mutationError(code, message)
	}
	var warnings []interface{}
	if w, ok := m["warnings"]; ok {
		if arr, ok := w.([]interface{}); ok {
			warnings = arr
		}
	}
	if data, ok := m["data"]; ok {
		return data, warnings, nil
	}
	return m, warnings, nil
}

// mutationError maps a bridge script's {error, message} pair onto the
// matching *apperr.AppError, per §7's closed taxonomy.
func mutationError(code, message string) error {
	switch apperr.Code(code) {
	case apperr.CodeNotFound:
		return apperr.NewNotFound(message)
	case apperr.CodeMultipleMatches:
		return apperr.NewMultipleMatches(message)
	case "":
		return apperr.New(apperr.CodeScriptFailed, message)
	default:
		return apperr.New(apperr.Code(code), message)
	}
}

func summarizeWrite(m Mutation) string {
	switch m.Operation {
	case model.OpCreate:
		return fmt.Sprintf("%s created", m.Target)
	case model.OpUpdate:
		return fmt.Sprintf("%s updated", m.Target)
	case model.OpComplete:
		return fmt.Sprintf("%s completed", m.Target)
	case model.OpDelete, model.OpBulkDelete:
		return fmt.Sprintf("%s deleted", m.Target)
	case model.OpTagManage:
		return "tags updated"
	default:
		return "mutation applied"
	}
}

func (d *Dispatcher) buildMutationScript(m Mutation) (string, model.CacheClass, []string, error) {
	class := targetClass(m.Target)

	switch m.Operation {
	case model.OpCreate:
		switch m.Target {
		case model.TargetTask:
			s, err := bridge.CreateTaskScript(m.Data, m.ProjectID, m.ParentTaskID)
			return s, model.ClassTasks, []string{"inbox", "today"}, err
		case model.TargetProject:
			s, err := bridge.CreateProjectScript(m.Data)
			return s, model.ClassProjects, nil, err
		case model.TargetTag:
			s, err := bridge.CreateTagScript(m.Data)
			return s, model.ClassTags, nil, err
		default:
			return "", "", nil, apperr.NewValidation(fmt.Sprintf("create is not implemented for target %q", m.Target)).
				WithSuggestion("use target: task, project, or tag")
		}
	case model.OpUpdate:
		if m.ID == "" {
			return "", "", nil, apperr.NewValidation("update requires an id")
		}
		s, err := bridge.UpdateTaskScript(m.ID, m.Changes)
		return s, model.ClassTasks, []string{"today", "overdue", "upcoming"}, err
	case model.OpComplete:
		if m.ID == "" {
			return "", "", nil, apperr.NewValidation("complete requires an id")
		}
		s, err := bridge.CompleteTaskScript(m.ID)
		return s, model.ClassTasks, []string{"today", "overdue", "available"}, err
	case model.OpDelete:
		if m.ID == "" {
			return "", "", nil, apperr.NewValidation("delete requires an id")
		}
		s, err := bridge.DeleteScript(m.ID)
		return s, class, nil, err
	case model.OpBulkDelete:
		if len(m.IDs) == 0 {
			return "", "", nil, apperr.NewValidation("bulk_delete requires ids")
		}
		s, err := bridge.BulkDeleteScript(m.IDs)
		return s, class, nil, err
	case model.OpTagManage:
		if m.ID == "" {
			return "", "", nil, apperr.NewValidation("tag_manage requires an id")
		}
		s, err := bridge.TagManageScript(m.ID, m.AddTags, m.RemoveTags)
		return s, model.ClassTasks, nil, err
	default:
		return "", "", nil, apperr.NewValidation(fmt.Sprintf("unsupported operation %q", m.Operation))
	}
}

// writeBatch topologically orders a batch by tempId/parentTempId (Kahn's
// algorithm) and executes each step in order, per §3's "batch mutations
// carry a dependency graph by tempId/parentTempId and must be
// topologically ordered before execution."
func (d *Dispatcher) writeBatch(ctx context.Context, b *shape.Builder, m Mutation) *shape.Envelope {
	if len(m.Batch) > d.BatchMax {
		return b.Failure(apperr.NewValidation(fmt.Sprintf("batch has %d steps, exceeding the maximum of %d", len(m.Batch), d.BatchMax)))
	}

	ordered, err := topologicalOrder(m.Batch)
	if err != nil {
		return b.Failure(err)
	}

	results := make([]interface{}, 0, len(ordered))
	resolvedIDs := make(map[string]string)                    // tempId -> real id
	resolvedTargets := make(map[string]model.MutationTarget) // tempId -> target, so a child create knows whether its parent is a project or a task
	for _, step := range ordered {
		resolved := resolveTempRefs(step, resolvedIDs, resolvedTargets)
		env := d.Write(ctx, resolved)
		results = append(results, env)
		if !env.Success && m.Atomic {
			return b.Failure(apperr.New(apperr.CodeAtomicOperationFail, "batch aborted: a step failed under atomic mode").
				WithDetails(fmt.Sprintf("failed at tempId %q: %s", step.TempID, env.Error.Message)))
		}
		if env.Success && step.TempID != "" {
			resolvedTargets[step.TempID] = step.Target
			if data, ok := env.Data.(map[string]interface{}); ok {
				if id, ok := data["id"].(string); ok {
					resolvedIDs[step.TempID] = id
				}
			}
		}
	}
	return b.Success(fmt.Sprintf("batch of %d steps completed", len(ordered)), results, nil)
}

// resolveTempRefs rewrites a batch step's parentTempId reference into the
// real id of the already-created parent, routing it to ProjectID or
// ParentTaskID depending on whether the parent step created a project or
// a task (§8 scenario 4: "project P, task T1 under P, task T2 under T1").
func resolveTempRefs(step Mutation, resolved map[string]string, resolvedTargets map[string]model.MutationTarget) Mutation {
	if step.ParentTempID == "" {
		return step
	}
	real, ok := resolved[step.ParentTempID]
	if !ok {
		return step
	}
	switch resolvedTargets[step.ParentTempID] {
	case model.TargetTask:
		step.ParentTaskID = &real
	default:
		step.ProjectID = &real
	}
	return step
}

func topologicalOrder(steps []Mutation) ([]Mutation, error) {
	byTemp := make(map[string]Mutation, len(steps))
	indegree := make(map[string]int, len(steps))
	children := make(map[string][]string)

	for _, s := range steps {
		if s.TempID != "" {
			byTemp[s.TempID] = s
			if _, ok := indegree[s.TempID]; !ok {
				indegree[s.TempID] = 0
			}
		}
	}
	for _, s := range steps {
		if s.TempID != "" && s.ParentTempID != "" {
			indegree[s.TempID]++
			children[s.ParentTempID] = append(children[s.ParentTempID], s.TempID)
		}
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var orderedTemp []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		orderedTemp = append(orderedTemp, id)
		next := append([]string(nil), children[id]...)
		sort.Strings(next)
		for _, c := range next {
			indegree[c]--
			if indegree[c] == 0 {
				queue = append(queue, c)
				sort.Strings(queue)
			}
		}
	}
	if len(orderedTemp) != len(byTemp) {
		return nil, apperr.NewValidation("batch dependency graph has a cycle or an unresolved parentTempId")
	}

	ordered := make([]Mutation, 0, len(steps))
	seen := make(map[string]bool)
	for _, id := range orderedTemp {
		ordered = append(ordered, byTemp[id])
		seen[id] = true
	}
	for _, s := range steps {
		if s.TempID == "" {
			ordered = append(ordered, s)
		}
	}
	return ordered, nil
}

// stateReporter is implemented by any script.Executor wrapper that
// exposes the Robust Runner's state machine (§4.2), however many layers
// of wrapping (e.g. cmd/omnifocus-mcp's concurrency-bounding executor)
// sit between d.Runner and the *script.RobustRunner itself.
type stateReporter interface {
	CurrentState() script.State
}

// System implements the `system` verb: cache_clear invalidates every
// cache class outright; diagnostics and metrics surface the Robust
// Runner's current state (§4.2) and, for metrics, the Cache Manager's
// occupancy (§4.6). version is handled one layer up in
// cmd/omnifocus-mcp since it needs the build-time version string this
// package has no dependency on.
func (d *Dispatcher) System(ctx context.Context, op string) *shape.Envelope {
	b := shape.NewBuilder()
	switch op {
	case "cache_clear":
		if d.Cache == nil {
			return b.Success("no cache configured", nil, nil)
		}
		for _, c := range []model.CacheClass{model.ClassTasks, model.ClassProjects, model.ClassTags, model.ClassFolders, model.ClassReviews, model.ClassAnalytics} {
			_ = d.Cache.InvalidateClass(ctx, c)
		}
		return b.Success("cache cleared", nil, nil)
	case "diagnostics":
		data := map[string]interface{}{"runnerState": d.runnerState()}
		return b.Success("diagnostics snapshot", data, nil)
	case "metrics":
		data := map[string]interface{}{"runnerState": d.runnerState()}
		if d.Cache != nil {
			if stats, err := d.Cache.Stats(ctx); err == nil {
				data["cache"] = stats
			} else {
				d.logWarn("cache stats unavailable", err)
			}
		}
		return b.Success("metrics snapshot", data, nil)
	default:
		return b.Failure(apperr.NewValidation(fmt.Sprintf("unsupported system operation %q", op)))
	}
}

func (d *Dispatcher) runnerState() string {
	if sr, ok := d.Runner.(stateReporter); ok {
		return string(sr.CurrentState())
	}
	return "unknown"
}
