package cache

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/kip-d/omnifocus-mcp-sub017/internal/model"
	"github.com/kip-d/omnifocus-mcp-sub017/internal/query"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestFingerprint_StableAcrossKeyOrder(t *testing.T) {
	a, err := Fingerprint(map[string]interface{}{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("Fingerprint returned error: %v", err)
	}
	b, err := Fingerprint(map[string]interface{}{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("Fingerprint returned error: %v", err)
	}
	if a != b {
		t.Errorf("expected stable fingerprint regardless of map key order, got %s vs %s", a, b)
	}
}

func TestFingerprint_DiffersOnDifferentValues(t *testing.T) {
	a, _ := Fingerprint(map[string]interface{}{"a": 1})
	b, _ := Fingerprint(map[string]interface{}{"a": 2})
	if a == b {
		t.Error("expected different values to produce different fingerprints")
	}
}

func TestFingerprint_QueryIgnoresFieldListOrder(t *testing.T) {
	a, err := Fingerprint(query.Query{Entity: model.EntityTasks, Fields: []string{"name", "dueDate"}})
	if err != nil {
		t.Fatalf("Fingerprint returned error: %v", err)
	}
	b, err := Fingerprint(query.Query{Entity: model.EntityTasks, Fields: []string{"dueDate", "name"}})
	if err != nil {
		t.Fatalf("Fingerprint returned error: %v", err)
	}
	if a != b {
		t.Errorf("expected field-list order to not affect a query's fingerprint, got %s vs %s", a, b)
	}
}

func TestGetSet_RoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, hit, err := m.Get(ctx, model.ClassTasks, "fp1"); err != nil || hit {
		t.Fatalf("expected a clean miss, got hit=%v err=%v", hit, err)
	}

	if err := m.Set(ctx, model.ClassTasks, "fp1", json.RawMessage(`{"data":1}`)); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	val, hit, err := m.Get(ctx, model.ClassTasks, "fp1")
	if err != nil || !hit {
		t.Fatalf("expected a hit after Set, got hit=%v err=%v", hit, err)
	}
	if string(val) != `{"data":1}` {
		t.Errorf("expected the stored value back, got %s", val)
	}
}

func TestBeginWrite_CausesReadsToBypassCache(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	_ = m.Set(ctx, model.ClassTasks, "fp1", json.RawMessage(`{"data":1}`))

	m.BeginWrite(model.ClassTasks)
	if _, hit, _ := m.Get(ctx, model.ClassTasks, "fp1"); hit {
		t.Error("expected a read to bypass the cache while a write is in flight for the same class")
	}

	if err := m.EndWrite(ctx, model.ClassTasks, nil); err != nil {
		t.Fatalf("EndWrite returned error: %v", err)
	}
	if _, hit, _ := m.Get(ctx, model.ClassTasks, "fp1"); !hit {
		t.Error("expected reads to resume hitting the cache once the write completes")
	}
}

func TestInvalidatePatterns_OnlyRemovesTaggedEntries(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_ = m.Set(ctx, model.ClassTasks, "today-fp", json.RawMessage(`{}`))
	_ = m.TagQuery(ctx, model.ClassTasks, "today-fp", []string{"today"})

	_ = m.Set(ctx, model.ClassTasks, "someday-fp", json.RawMessage(`{}`))
	_ = m.TagQuery(ctx, model.ClassTasks, "someday-fp", []string{"someday"})

	if err := m.InvalidatePatterns(ctx, model.ClassTasks, []string{"today"}); err != nil {
		t.Fatalf("InvalidatePatterns returned error: %v", err)
	}

	if _, hit, _ := m.Get(ctx, model.ClassTasks, "today-fp"); hit {
		t.Error("expected the 'today'-tagged entry to be invalidated")
	}
	if _, hit, _ := m.Get(ctx, model.ClassTasks, "someday-fp"); !hit {
		t.Error("expected the unrelated 'someday'-tagged entry to survive")
	}
}

func TestInvalidateWorkflow_TouchesOnlyMappedClasses(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_ = m.Set(ctx, model.ClassTasks, "fp1", json.RawMessage(`{}`))
	_ = m.Set(ctx, model.ClassAnalytics, "fp2", json.RawMessage(`{}`))

	if err := m.InvalidateWorkflow(ctx, model.WorkflowInboxProcessing); err != nil {
		t.Fatalf("InvalidateWorkflow returned error: %v", err)
	}

	if _, hit, _ := m.Get(ctx, model.ClassTasks, "fp1"); hit {
		t.Error("expected tasks to be invalidated by inbox_processing")
	}
	if _, hit, _ := m.Get(ctx, model.ClassAnalytics, "fp2"); !hit {
		t.Error("expected analytics to survive a workflow invalidation (TTL-governed only)")
	}
}
