package build

import (
	"strings"
	"testing"

	"github.com/kip-d/omnifocus-mcp-sub017/internal/ast"
)

func TestBuildQueryScript_EmptyAndEmitsTrue(t *testing.T) {
	script, err := BuildQueryScript(ast.NewAnd(), Embedded, Options{Entity: "tasks"})
	if err != nil {
		t.Fatalf("BuildQueryScript returned error: %v", err)
	}
	if !strings.Contains(script, "if (!(true))") {
		t.Errorf("expected the empty-AND predicate to lower to literal true, got:\n%s", script)
	}
}

func TestBuildQueryScript_EmptyOrEmitsFalse(t *testing.T) {
	script, err := BuildQueryScript(ast.NewOr(), Embedded, Options{Entity: "tasks"})
	if err != nil {
		t.Fatalf("BuildQueryScript returned error: %v", err)
	}
	if !strings.Contains(script, "if (!(false))") {
		t.Errorf("expected the empty-OR predicate to lower to literal false, got:\n%s", script)
	}
}

func TestBuildQueryScript_NeverUsesAttributePredicateAPI(t *testing.T) {
	// Design Notes §9: "never use the host's attribute-predicate filter
	// primitive for anything beyond a single-id lookup; iterate
	// explicitly." whose() is the host's attribute-predicate API name.
	n := ast.Comparison{Field: "task.flagged", Op: ast.OpEq, Value: true}
	for _, dialect := range []Dialect{External, Embedded} {
		script, err := BuildQueryScript(n, dialect, Options{Entity: "tasks"})
		if err != nil {
			t.Fatalf("BuildQueryScript(%s) returned error: %v", dialect, err)
		}
		if strings.Contains(script, ".whose(") {
			t.Errorf("%s dialect must never emit .whose(), got:\n%s", dialect, script)
		}
		if !strings.Contains(script, "for (var i = 0; i < source.length; i++)") {
			t.Errorf("%s dialect must emit an explicit iteration, got:\n%s", dialect, script)
		}
	}
}

func TestBuildQueryScript_InInboxUsesFastPathCollection(t *testing.T) {
	n := ast.Comparison{Field: ast.FieldInInbox, Op: ast.OpEq, Value: true}
	script, err := BuildQueryScript(n, Embedded, Options{Entity: "tasks", CountOnly: true})
	if err != nil {
		t.Fatalf("BuildQueryScript returned error: %v", err)
	}
	if !strings.Contains(script, "doc.inboxTasks()") {
		t.Errorf("expected the inbox fast-path collection, got:\n%s", script)
	}
	if !strings.Contains(script, "optimization: true") {
		t.Errorf("expected optimization: true to be reported, got:\n%s", script)
	}
}

func TestBuildQueryScript_SyntheticFieldsLowerPerDialect(t *testing.T) {
	n := ast.Comparison{Field: ast.FieldAvailable, Op: ast.OpEq, Value: true}

	embedded, err := BuildQueryScript(n, Embedded, Options{Entity: "tasks"})
	if err != nil {
		t.Fatalf("BuildQueryScript(Embedded) returned error: %v", err)
	}
	if !strings.Contains(embedded, "item.available()") {
		t.Errorf("expected embedded dialect to use the native accessor, got:\n%s", embedded)
	}

	external, err := BuildQueryScript(n, External, Options{Entity: "tasks"})
	if err != nil {
		t.Fatalf("BuildQueryScript(External) returned error: %v", err)
	}
	if !strings.Contains(external, "isAvailableExternal(item)") {
		t.Errorf("expected external dialect to use the derived accessor, got:\n%s", external)
	}
}

func TestBuildQueryScript_IncludesIsCaseInsensitive(t *testing.T) {
	n := ast.Comparison{Field: "task.name", Op: ast.OpIncludes, Value: "Report"}
	script, err := BuildQueryScript(n, Embedded, Options{Entity: "tasks"})
	if err != nil {
		t.Fatalf("BuildQueryScript returned error: %v", err)
	}
	if !strings.Contains(script, "toLowerCase()") {
		t.Errorf("expected includes to lower-case both sides, got:\n%s", script)
	}
}

func TestBuildQueryScript_PaginationSkipsBeforeAdmitting(t *testing.T) {
	script, err := BuildQueryScript(ast.True, Embedded, Options{Entity: "tasks", Limit: 10, Offset: 5})
	if err != nil {
		t.Fatalf("BuildQueryScript returned error: %v", err)
	}
	skipIdx := strings.Index(script, "skipped < offset")
	pushIdx := strings.Index(script, "results.push")
	if skipIdx == -1 || pushIdx == -1 || skipIdx > pushIdx {
		t.Errorf("expected the skip-counter check to precede admitting a row into results, got:\n%s", script)
	}
}
