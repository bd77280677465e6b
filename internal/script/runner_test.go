package script

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kip-d/omnifocus-mcp-sub017/internal/apperr"
)

func TestWrapIfNeeded_WrapsBareScript(t *testing.T) {
	wrapped := wrapIfNeeded("return 1;")
	if !strings.HasPrefix(strings.TrimSpace(wrapped), "(function()") {
		t.Errorf("expected a bare script to be wrapped, got:\n%s", wrapped)
	}
}

func TestWrapIfNeeded_LeavesWrappedScriptAlone(t *testing.T) {
	src := "(function() { return 1; })();"
	if wrapIfNeeded(src) != src {
		t.Errorf("expected an already-wrapped script to pass through unchanged")
	}
}

func TestExecute_RejectsOversizedScriptBeforeSpawning(t *testing.T) {
	r := NewRunner("/bin/nonexistent-interpreter", nil, 10, time.Second, nil)
	_, err := r.Execute(context.Background(), "this script is certainly longer than ten bytes")
	if !apperr.IsCode(err, apperr.CodeScriptTooLarge) {
		t.Fatalf("expected SCRIPT_TOO_LARGE, got %v", err)
	}
}

func TestParseResult_EmptyStdoutIsNil(t *testing.T) {
	res, err := parseResult("   ")
	if err != nil {
		t.Fatalf("parseResult returned error: %v", err)
	}
	if !res.IsNil {
		t.Errorf("expected IsNil for empty stdout, got %+v", res)
	}
}

func TestParseResult_ParsesJSON(t *testing.T) {
	res, err := parseResult(`{"a":1}`)
	if err != nil {
		t.Fatalf("parseResult returned error: %v", err)
	}
	m, ok := res.JSON.(map[string]interface{})
	if !ok {
		t.Fatalf("expected a JSON object, got %+v", res)
	}
	if m["a"].(float64) != 1 {
		t.Errorf("expected a=1, got %+v", m)
	}
}

func TestParseResult_NonJSONRawString(t *testing.T) {
	res, err := parseResult("just some text")
	if err != nil {
		t.Fatalf("parseResult returned error: %v", err)
	}
	if res.Raw != "just some text" {
		t.Errorf("expected Raw passthrough, got %+v", res)
	}
}

func TestParseResult_JSONShapedButInvalidIsRejected(t *testing.T) {
	_, err := parseResult("{not valid json")
	if !apperr.IsCode(err, apperr.CodeInvalidJSON) {
		t.Fatalf("expected INVALID_JSON, got %v", err)
	}
}

func TestExecute_SpawnFailureIsClassified(t *testing.T) {
	r := NewRunner("/bin/nonexistent-interpreter", nil, 0, time.Second, nil)
	_, err := r.Execute(context.Background(), "return 1;")
	if !apperr.IsCode(err, apperr.CodeSpawnFailed) {
		t.Fatalf("expected SPAWN_FAILED for a missing interpreter, got %v", err)
	}
}

func TestExecute_NonZeroExitIsScriptFailed(t *testing.T) {
	// /bin/false always exits 1 with no stdout; this exercises exec.ExitError
	// classification without depending on a real script interpreter.
	r := NewRunner("/bin/false", nil, 0, time.Second, nil)
	_, err := r.Execute(context.Background(), "return 1;")
	if !apperr.IsCode(err, apperr.CodeScriptFailed) {
		t.Fatalf("expected SCRIPT_FAILED for a non-zero exit, got %v", err)
	}
}

func TestExecute_TimeoutIsClassified(t *testing.T) {
	r := NewRunner("/bin/sleep", []string{"5"}, 0, 10*time.Millisecond, nil)
	_, err := r.Execute(context.Background(), "unused")
	if !apperr.IsCode(err, apperr.CodeTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
}
