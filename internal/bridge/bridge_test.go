package bridge

import (
	"strings"
	"testing"

	"github.com/kip-d/omnifocus-mcp-sub017/internal/model"
)

func TestLowerRepeatRule_TableLookup(t *testing.T) {
	cases := []struct {
		anchor       model.RepeatAnchor
		anchorKey    string
		method       string
		scheduleType string
	}{
		{model.AnchorWhenDue, "DueDate", "Fixed", "Regularly"},
		{model.AnchorWhenDeferred, "DeferDate", "DeferUntilDate", "FromCompletion"},
		{model.AnchorWhenMarkedDone, "DueDate", "DueDate", "FromCompletion"},
		{model.AnchorPlannedDate, "PlannedDate", "Fixed", "Regularly"},
	}
	for _, c := range cases {
		anchorKey, method, scheduleType, _, err := LowerRepeatRule(model.RepeatRule{AnchorTo: c.anchor})
		if err != nil {
			t.Fatalf("LowerRepeatRule(%s) returned error: %v", c.anchor, err)
		}
		if anchorKey != c.anchorKey || method != c.method || scheduleType != c.scheduleType {
			t.Errorf("LowerRepeatRule(%s) = (%s, %s, %s), want (%s, %s, %s)",
				c.anchor, anchorKey, method, scheduleType, c.anchorKey, c.method, c.scheduleType)
		}
	}
}

func TestLowerRepeatRule_UnknownAnchorRejected(t *testing.T) {
	_, _, _, _, err := LowerRepeatRule(model.RepeatRule{AnchorTo: "bogus"})
	if err == nil {
		t.Fatal("expected an error for an unknown anchor, got nil")
	}
}

func TestLowerRepeatRule_SkipMissedMapsToCatchUp(t *testing.T) {
	_, _, _, catchUp, err := LowerRepeatRule(model.RepeatRule{AnchorTo: model.AnchorWhenDue, SkipMissed: true})
	if err != nil {
		t.Fatalf("LowerRepeatRule returned error: %v", err)
	}
	if catchUp != "true" {
		t.Errorf("expected catchUp 'true', got %q", catchUp)
	}
}

func TestUpdateTaskScript_DetectsDueDateClearLimitation(t *testing.T) {
	script, err := UpdateTaskScript("task-1", map[string]interface{}{"dueDate": nil})
	if err != nil {
		t.Fatalf("UpdateTaskScript returned error: %v", err)
	}
	if !strings.Contains(script, "dueDateClearRequested") {
		t.Errorf("expected the script to detect the due-date-clear request, got:\n%s", script)
	}
	if !strings.Contains(script, "known limitation") {
		t.Errorf("expected the script to surface the known limitation as a warning, got:\n%s", script)
	}
}

func TestUpdateTaskScript_ReadsBackInSameScript(t *testing.T) {
	script, err := UpdateTaskScript("task-1", map[string]interface{}{"flagged": true})
	if err != nil {
		t.Fatalf("UpdateTaskScript returned error: %v", err)
	}
	if !strings.Contains(script, "readbackTask(task)") {
		t.Errorf("expected a readback call in the same script, got:\n%s", script)
	}
	if strings.Count(script, "(function()") != 1 {
		t.Errorf("expected exactly one script (one round trip), got:\n%s", script)
	}
}

func TestCompleteTaskScript_Idempotent(t *testing.T) {
	script, err := CompleteTaskScript("task-1")
	if err != nil {
		t.Fatalf("CompleteTaskScript returned error: %v", err)
	}
	if !strings.Contains(script, "if (!task.completed())") {
		t.Errorf("expected completion to be guarded as a no-op when already complete, got:\n%s", script)
	}
}

func TestMoveTaskScript_RequiresTargetIDForProjectAndParent(t *testing.T) {
	if _, err := MoveTaskScript("t1", MoveToProject, nil); err == nil {
		t.Error("expected an error when moving to a project without a target id")
	}
	if _, err := MoveTaskScript("t1", MoveToParent, nil); err == nil {
		t.Error("expected an error when moving to a parent without a target id")
	}
	if _, err := MoveTaskScript("t1", MoveToInbox, nil); err != nil {
		t.Errorf("expected inbox move to not require a target id, got: %v", err)
	}
}

func TestTagManageScript_CreatesNestedPath(t *testing.T) {
	script, err := TagManageScript("t1", []string{"Work : Projects : Urgent"}, nil)
	if err != nil {
		t.Fatalf("TagManageScript returned error: %v", err)
	}
	if !strings.Contains(script, "resolveOrCreateTagPath") {
		t.Errorf("expected nested tag path resolution/creation helper, got:\n%s", script)
	}
}

func TestCreateTaskScript_RootsUnderProjectWhenNoParentTask(t *testing.T) {
	projectID := "proj-1"
	script, err := CreateTaskScript(map[string]interface{}{"name": "Task"}, &projectID, nil)
	if err != nil {
		t.Fatalf("CreateTaskScript returned error: %v", err)
	}
	if !strings.Contains(script, "findByID(doc.flattenedProjects()") {
		t.Errorf("expected a project lookup, got:\n%s", script)
	}
	if strings.Contains(script, "flattenedTasks()") {
		t.Errorf("expected no parent-task lookup when only a project id is given, got:\n%s", script)
	}
}

func TestCreateTaskScript_RootsUnderParentTaskWhenGiven(t *testing.T) {
	projectID := "proj-1"
	parentTaskID := "task-1"
	script, err := CreateTaskScript(map[string]interface{}{"name": "Subtask"}, &projectID, &parentTaskID)
	if err != nil {
		t.Fatalf("CreateTaskScript returned error: %v", err)
	}
	if !strings.Contains(script, "findByID(doc.flattenedTasks()") {
		t.Errorf("expected a parent-task lookup, got:\n%s", script)
	}
	if strings.Contains(script, "flattenedProjects()") {
		t.Errorf("a parent task id should take priority over a project id, with no project lookup emitted, got:\n%s", script)
	}
	if !strings.Contains(script, "container = parentTask") {
		t.Errorf("expected the new task to be pushed into the parent task's own tasks, got:\n%s", script)
	}
}

func TestCreateTaskScript_RootsUnderDocumentWhenNoContainerGiven(t *testing.T) {
	script, err := CreateTaskScript(map[string]interface{}{"name": "Inbox task"}, nil, nil)
	if err != nil {
		t.Fatalf("CreateTaskScript returned error: %v", err)
	}
	if strings.Contains(script, "flattenedProjects()") || strings.Contains(script, "flattenedTasks()") {
		t.Errorf("expected no container lookup when neither a project nor a parent task is given, got:\n%s", script)
	}
}

func TestCreateProjectScript_ReadsBackInSameScript(t *testing.T) {
	script, err := CreateProjectScript(map[string]interface{}{"name": "New Project"})
	if err != nil {
		t.Fatalf("CreateProjectScript returned error: %v", err)
	}
	if !strings.Contains(script, "app.Project(") {
		t.Errorf("expected a project creation call, got:\n%s", script)
	}
	if strings.Count(script, "(function()") != 1 {
		t.Errorf("expected exactly one script (one round trip), got:\n%s", script)
	}
}

func TestCreateTagScript_UsesNestedPathResolution(t *testing.T) {
	script, err := CreateTagScript(map[string]interface{}{"name": "Work : Projects"})
	if err != nil {
		t.Fatalf("CreateTagScript returned error: %v", err)
	}
	if !strings.Contains(script, "resolveOrCreateTagPath") {
		t.Errorf("expected tag creation to reuse the nested-path resolver, got:\n%s", script)
	}
}
