// Command omnifocus-mcp serves the OmniFocus MCP tool surface over
// stdio: load config, initialize shared resources with deferred
// teardown, start the embedded cache, register tools, and serve until a
// shutdown signal arrives. The external interface is entirely the MCP
// stdio tool surface (§6); there is no HTTP surface.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kip-d/omnifocus-mcp-sub017/internal/analyze"
	"github.com/kip-d/omnifocus-mcp-sub017/internal/apperr"
	"github.com/kip-d/omnifocus-mcp-sub017/internal/cache"
	"github.com/kip-d/omnifocus-mcp-sub017/internal/config"
	"github.com/kip-d/omnifocus-mcp-sub017/internal/dispatch"
	"github.com/kip-d/omnifocus-mcp-sub017/internal/model"
	"github.com/kip-d/omnifocus-mcp-sub017/internal/obslog"
	"github.com/kip-d/omnifocus-mcp-sub017/internal/query"
	"github.com/kip-d/omnifocus-mcp-sub017/internal/script"
	"github.com/kip-d/omnifocus-mcp-sub017/internal/shape"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "Path to configuration file (YAML)")
	interpreterPath := flag.String("interpreter", "osascript", "Path to the external scripting interpreter")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[MAIN] failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := obslog.New(cfg.Debug)
	defer logger.Sync()

	logger.Info("starting omnifocus-mcp",
		zap.String("version", version),
		zap.Int("max_script_bytes", cfg.MaxScriptBytes),
		zap.Int("timeout_ms", cfg.TimeoutMs),
		zap.Int("concurrency", cfg.Concurrency))

	cacheManager, err := cache.New(logger.Named("cache"))
	if err != nil {
		logger.Fatal("failed to start embedded cache", zap.Error(err))
	}
	defer cacheManager.Close()

	runner := script.NewRunner(*interpreterPath, nil, cfg.MaxScriptBytes,
		time.Duration(cfg.TimeoutMs)*time.Millisecond, logger.Named("runner"))

	robust := script.NewRobustRunner(runner, script.Probes{
		Staleness:           healthProbe(runner, probeStaleness),
		AppReachable:        healthProbe(runner, probeAppReachable),
		DocReachable:        healthProbe(runner, probeDocReachable),
		CollectionReachable: healthProbe(runner, probeCollectionReachable),
	}, time.Duration(cfg.StalenessMs)*time.Millisecond, logger.Named("robust"))

	sem := semaphore.NewWeighted(int64(cfg.Concurrency))
	bounded := &boundedExecutor{inner: robust, sem: sem}

	disp := dispatch.New(bounded, cacheManager, logger.Named("dispatch"), cfg.BatchMax)
	validate := validator.New()

	srv := mcpserver.NewMCPServer("omnifocus-mcp", version)
	registerTools(srv, disp, validate, logger)

	go func() {
		if err := mcpserver.ServeStdio(srv); err != nil {
			logger.Error("stdio server exited", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	_, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// cacheManager.Close() and logger.Sync() run via the defers set up above.
	logger.Info("omnifocus-mcp shutdown complete")
}

// boundedExecutor caps in-flight external-host calls to cfg.Concurrency,
// per §5's "cap concurrency to a small number (default 4) via a
// semaphore around the Runner to avoid host overload."
type boundedExecutor struct {
	inner script.Executor
	sem   *semaphore.Weighted
}

func (b *boundedExecutor) Execute(ctx context.Context, scriptText string) (*script.Result, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeTimeout, "timed out waiting for a concurrency slot")
	}
	defer b.sem.Release(1)
	return b.inner.Execute(ctx, scriptText)
}

// CurrentState forwards to the wrapped Robust Runner so dispatch's
// `system` verb can report runner health through the concurrency cap.
func (b *boundedExecutor) CurrentState() script.State {
	if sr, ok := b.inner.(interface{ CurrentState() script.State }); ok {
		return sr.CurrentState()
	}
	return script.StateHealthy
}

func registerTools(srv *mcpserver.MCPServer, disp *dispatch.Dispatcher, validate *validator.Validate, logger *zap.Logger) {
	srv.AddTool(
		mcpgo.NewTool("read",
			mcpgo.WithDescription("Query OmniFocus tasks, projects, tags, folders, or perspectives."),
			mcpgo.WithObject("query", mcpgo.Required(), mcpgo.Description("The Query object (§3): entity, mode, filter, sort, limit, offset, fields, countOnly.")),
		),
		toolHandler(logger, func(ctx context.Context, args map[string]interface{}) *shape.Envelope {
			var req struct {
				Query query.Query `json:"query" validate:"required"`
			}
			if err := decodeStrict(args, &req, validate); err != nil {
				return shape.NewBuilder().Failure(err)
			}
			return disp.Read(ctx, req.Query)
		}),
	)

	srv.AddTool(
		mcpgo.NewTool("write",
			mcpgo.WithDescription("Create, update, complete, delete, tag-manage, bulk-delete, or batch-mutate OmniFocus entities."),
			mcpgo.WithObject("mutation", mcpgo.Required(), mcpgo.Description("The Mutation object (§3): operation, target, id/ids, data/changes, tempId/parentTempId, dryRun, atomic.")),
		),
		toolHandler(logger, func(ctx context.Context, args map[string]interface{}) *shape.Envelope {
			var req struct {
				Mutation dispatch.Mutation `json:"mutation" validate:"required"`
			}
			if err := decodeStrict(args, &req, validate); err != nil {
				return shape.NewBuilder().Failure(err)
			}
			return disp.Write(ctx, req.Mutation)
		}),
	)

	srv.AddTool(
		mcpgo.NewTool("analyze",
			mcpgo.WithDescription("Run a pure analysis over already-queried OmniFocus data: task_velocity, overdue_analysis, pattern_analysis, parse_meeting_notes, and related types."),
			mcpgo.WithObject("analysis", mcpgo.Required(), mcpgo.Description("The analysis request: type, params (tasks/projects), notes and preview (parse_meeting_notes). No scope field is accepted.")),
		),
		toolHandler(logger, func(ctx context.Context, args map[string]interface{}) *shape.Envelope {
			var req struct {
				Analysis analyzeRequest `json:"analysis" validate:"required"`
			}
			if err := decodeStrict(args, &req, validate); err != nil {
				return shape.NewBuilder().Failure(err)
			}
			return runAnalysis(req.Analysis)
		}),
	)

	srv.AddTool(
		mcpgo.NewTool("system",
			mcpgo.WithDescription("Server diagnostics, version, metrics, and cache operations."),
			mcpgo.WithString("operation", mcpgo.Required(), mcpgo.Description("One of: version, diagnostics, metrics, cache_clear.")),
		),
		toolHandler(logger, func(ctx context.Context, args map[string]interface{}) *shape.Envelope {
			op, _ := args["operation"].(string)
			if op == "version" {
				return shape.NewBuilder().Success(fmt.Sprintf("omnifocus-mcp %s", version), map[string]string{"version": version}, nil)
			}
			return disp.System(ctx, op)
		}),
	)
}

// toolHandler adapts a plain (ctx, args) -> *shape.Envelope function into
// an mcp-go tool handler, marshaling the envelope as the tool's
// structured JSON result text. Each call is assigned a fresh request id
// (§4a: "per-call and per-request logging carries a request-scoped
// zap.String(\"request_id\", ...) field") so log lines from a single
// dispatch can be correlated even when requests are concurrent.
func toolHandler(logger *zap.Logger, fn func(ctx context.Context, args map[string]interface{}) *shape.Envelope) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		reqLogger := obslog.ForRequest(logger, uuid.NewString())
		reqLogger.Debug("handling tool call")

		env := fn(ctx, request.Params.Arguments)
		raw, err := json.Marshal(env)
		if err != nil {
			reqLogger.Error("failed to marshal response envelope", zap.Error(err))
			return mcpgo.NewToolResultError("internal error shaping response"), nil
		}
		return mcpgo.NewToolResultText(string(raw)), nil
	}
}

// decodeStrict re-marshals args and decodes them into dst with unknown
// fields rejected, then runs struct-tag validation, per §4.8's
// implementation note: DisallowUnknownFields ahead of validator tag
// checks, since validator cannot see fields a struct doesn't declare.
func decodeStrict(args map[string]interface{}, dst interface{}, validate *validator.Validate) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeValidation, "could not encode request arguments")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(err, apperr.CodeValidation, "request contains unknown or malformed fields").WithDetails(err.Error())
	}
	if err := validate.Struct(dst); err != nil {
		return apperr.Wrap(err, apperr.CodeValidation, "request failed validation").WithDetails(err.Error())
	}
	return nil
}

type analyzeRequest struct {
	Type    string                 `json:"type" validate:"required,oneof=productivity_stats task_velocity overdue_analysis pattern_analysis workflow_analysis recurring_tasks manage_reviews parse_meeting_notes"`
	Notes   string                 `json:"notes,omitempty"`
	Preview bool                   `json:"preview,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// runAnalysis dispatches to the Analyzers package. Every type other than
// parse_meeting_notes expects its input pre-fetched via a prior `read`
// call and passed as params["tasks"]/params["projects"] (JSON arrays
// matching model.Task/model.Project); this keeps Analyzers pure and
// untangled from the Query Compiler / Runner pipeline, per §4.9.
func runAnalysis(req analyzeRequest) *shape.Envelope {
	b := shape.NewBuilder()
	now := time.Now()

	if req.Type == "parse_meeting_notes" {
		result := analyze.ParseMeetingNotes(req.Notes, now, req.Preview)
		return b.Success(fmt.Sprintf("%d action item(s) extracted", len(result.ActionItems)), result, nil)
	}

	tasks, projects, err := decodeAnalysisParams(req.Params)
	if err != nil {
		return b.Failure(err)
	}

	switch req.Type {
	case "task_velocity":
		result := analyze.TaskVelocity(tasks)
		return b.Success("task velocity computed", result, nil)
	case "overdue_analysis":
		result := analyze.OverdueAnalysis(tasks, now)
		return b.Success(fmt.Sprintf("%d project(s) with overdue tasks", len(result)), result, nil)
	case "pattern_analysis":
		result := analyze.PatternAnalysis(tasks, projects, now, 90*24*time.Hour)
		return b.Success("pattern scan complete", result, nil)
	case "productivity_stats":
		result := analyze.ProductivityStatsAnalysis(tasks, now)
		return b.Success("productivity stats computed", result, nil)
	case "workflow_analysis":
		result := analyze.WorkflowAnalysis(tasks, now)
		return b.Success("workflow distribution computed", result, nil)
	case "recurring_tasks":
		result := analyze.RecurringTasks(tasks)
		return b.Success(fmt.Sprintf("%d recurring task(s)", len(result)), result, nil)
	case "manage_reviews":
		result := analyze.ManageReviews(projects, now)
		return b.Success(fmt.Sprintf("%d project(s) tracked for review", len(result)), result, nil)
	default:
		return b.Failure(apperr.New(apperr.CodeValidation, fmt.Sprintf("unsupported analysis type %q", req.Type)))
	}
}

// decodeAnalysisParams extracts params["tasks"]/params["projects"] (raw
// JSON values from the MCP call) into typed slices via a JSON
// round-trip, the same strict-decode idiom used at the tool boundary.
func decodeAnalysisParams(params map[string]interface{}) ([]model.Task, []model.Project, error) {
	var tasks []model.Task
	var projects []model.Project

	if raw, ok := params["tasks"]; ok {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, nil, apperr.Wrap(err, apperr.CodeValidation, "could not encode params.tasks")
		}
		if err := json.Unmarshal(b, &tasks); err != nil {
			return nil, nil, apperr.Wrap(err, apperr.CodeValidation, "params.tasks did not match the task shape")
		}
	}
	if raw, ok := params["projects"]; ok {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, nil, apperr.Wrap(err, apperr.CodeValidation, "could not encode params.projects")
		}
		if err := json.Unmarshal(b, &projects); err != nil {
			return nil, nil, apperr.Wrap(err, apperr.CodeValidation, "params.projects did not match the project shape")
		}
	}
	return tasks, projects, nil
}

// The probe scripts below feed the Robust Runner (§4.2). probeStaleness is
// the small script checkStaleness runs once the staleness window has
// elapsed. The other three are the ordered cascade diagnose() runs:
// increasingly specific checks against the external host, each run only
// after the previous one passes. They are deliberately tiny scripts
// executed through the same Runner as every other call, never a separate
// code path to the host.
const (
	probeStaleness           = `JSON.stringify({ok: true})`
	probeAppReachable        = `(function(){var app=Application("OmniFocus"); return JSON.stringify({ok: app.running()})})()`
	probeDocReachable        = `(function(){var app=Application("OmniFocus"); return JSON.stringify({ok: app.defaultDocument() !== undefined})})()`
	probeCollectionReachable = `(function(){var app=Application("OmniFocus"); var doc=app.defaultDocument(); return JSON.stringify({ok: doc.flattenedTasks().length >= 0})})()`
)

// healthProbe adapts a raw probe script into the func(ctx) error shape
// script.Probes expects, running it through the same unwrapped Runner
// (not the Robust Runner) so a probe never recursively re-enters the
// breaker/diagnosis logic it is itself being used to drive. A probe
// script can fail two ways: the interpreter call itself errors, or it
// succeeds but reports {ok: false} — both are treated as probe failure.
func healthProbe(runner script.Executor, scriptText string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		result, err := runner.Execute(ctx, scriptText)
		if err != nil {
			return err
		}
		if m, ok := result.JSON.(map[string]interface{}); ok {
			if okVal, present := m["ok"]; present {
				if ok, _ := okVal.(bool); !ok {
					return fmt.Errorf("probe reported unhealthy: %v", m)
				}
			}
		}
		return nil
	}
}
