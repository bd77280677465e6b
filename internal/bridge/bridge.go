// Package bridge implements the Bridge Consistency Protocol (§4.5): every
// mutation delegates to a single embedded script that performs the write,
// reads back the canonical post-state in the same script, and returns the
// serialized entity. Callers must never verify a write by reading from the
// outer context. Each mutation is one synchronous embedded script: one
// round trip owns both the write and the authoritative read of its outcome.
package bridge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kip-d/omnifocus-mcp-sub017/internal/apperr"
	"github.com/kip-d/omnifocus-mcp-sub017/internal/model"
)

// MoveTarget is the closed set of move-task target types, §4.5.
type MoveTarget string

const (
	MoveToInbox   MoveTarget = "inbox"
	MoveToProject MoveTarget = "project"
	MoveToParent  MoveTarget = "parent"
)

// repeatRow is one entry of the §4.5 anchor translation table.
type repeatRow struct {
	anchorKey    string
	method       string
	scheduleType string
}

var repeatTable = map[model.RepeatAnchor]repeatRow{
	model.AnchorWhenDue:        {"DueDate", "Fixed", "Regularly"},
	model.AnchorWhenDeferred:   {"DeferDate", "DeferUntilDate", "FromCompletion"},
	model.AnchorWhenMarkedDone: {"DueDate", "DueDate", "FromCompletion"},
	model.AnchorPlannedDate:    {"PlannedDate", "Fixed", "Regularly"},
}

// LowerRepeatRule translates a user-intent repeat rule into the
// host-internal parameters via the fixed table of §4.5. Returns an error
// if AnchorTo is not one of the four recognized anchors.
func LowerRepeatRule(rule model.RepeatRule) (anchorKey, method, scheduleType, catchUp string, err error) {
	row, ok := repeatTable[rule.AnchorTo]
	if !ok {
		return "", "", "", "", apperr.NewValidation(fmt.Sprintf("unknown repeat anchor %q", rule.AnchorTo))
	}
	catchUp = "false"
	if rule.SkipMissed {
		catchUp = "true"
	}
	return row.anchorKey, row.method, row.scheduleType, catchUp, nil
}

// CreateTaskScript emits an embedded script that creates a task with the
// given fields and returns the readback of the created entity, in one
// round trip (§4.5 contract). If parentTaskID is set the task is created
// as a subtask (pushed into the parent task's own `tasks` collection)
// rather than a project's; parentTaskID takes precedence over projectID
// when both are given.
func CreateTaskScript(fields map[string]interface{}, projectID *string, parentTaskID *string) (string, error) {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return "", apperr.Wrap(err, apperr.CodeValidation, "could not encode task fields")
	}

	var b strings.Builder
	b.WriteString("(function() {\n")
	b.WriteString("  var app = Application('OmniFocus');\n")
	b.WriteString("  var doc = app.defaultDocument();\n")
	b.WriteString(fmt.Sprintf("  var fields = JSON.parse(%s);\n", jsonQuote(string(fieldsJSON))))
	b.WriteString(findByIDHelper())
	b.WriteString("  var container = doc;\n")
	switch {
	case parentTaskID != nil:
		b.WriteString(fmt.Sprintf("  var parentTask = findByID(doc.flattenedTasks(), %s);\n", jsonQuote(*parentTaskID)))
		b.WriteString("  if (!parentTask) { return JSON.stringify({ error: 'NOT_FOUND', message: 'parent task' }); }\n")
		b.WriteString("  container = parentTask;\n")
	case projectID != nil:
		b.WriteString(fmt.Sprintf("  var project = findByID(doc.flattenedProjects(), %s);\n", jsonQuote(*projectID)))
		b.WriteString("  if (!project) { return JSON.stringify({ error: 'NOT_FOUND', message: 'project' }); }\n")
		b.WriteString("  container = project;\n")
	}
	b.WriteString("  var task = app.Task({ name: fields.name || '' });\n")
	b.WriteString("  container.tasks.push(task);\n")
	b.WriteString("  applyFields(task, fields);\n")
	b.WriteString(applyFieldsHelper())
	b.WriteString(readbackTaskHelper())
	b.WriteString("  return JSON.stringify({ data: readbackTask(task) });\n")
	b.WriteString("})();\n")
	return b.String(), nil
}

// CreateProjectScript emits an embedded script that creates a project with
// the given fields and returns its readback, in one round trip (§4.5
// contract). Mirrors §8 scenario 4's "batch creates a project, then tasks
// under it" shape.
func CreateProjectScript(fields map[string]interface{}) (string, error) {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return "", apperr.Wrap(err, apperr.CodeValidation, "could not encode project fields")
	}

	var b strings.Builder
	b.WriteString("(function() {\n")
	b.WriteString("  var app = Application('OmniFocus');\n")
	b.WriteString("  var doc = app.defaultDocument();\n")
	b.WriteString(fmt.Sprintf("  var fields = JSON.parse(%s);\n", jsonQuote(string(fieldsJSON))))
	b.WriteString("  var project = app.Project({ name: fields.name || '' });\n")
	b.WriteString("  doc.projects.push(project);\n")
	b.WriteString("  if ('note' in fields) { project.note = fields.note; }\n")
	b.WriteString("  if ('sequential' in fields) { project.sequential = fields.sequential; }\n")
	b.WriteString(readbackProjectHelper())
	b.WriteString("  return JSON.stringify({ data: readbackProject(project) });\n")
	b.WriteString("})();\n")
	return b.String(), nil
}

// CreateTagScript emits an embedded script that resolves or creates a tag
// by name (reusing the same nested "A : B : C" ancestor-creation path
// TagManageScript uses for assignment, §3) and returns its readback.
func CreateTagScript(fields map[string]interface{}) (string, error) {
	name, _ := fields["name"].(string)

	var b strings.Builder
	b.WriteString("(function() {\n")
	b.WriteString("  var app = Application('OmniFocus');\n")
	b.WriteString("  var doc = app.defaultDocument();\n")
	b.WriteString(resolveOrCreateTagPathHelper())
	b.WriteString(fmt.Sprintf("  var tag = resolveOrCreateTagPath(%s);\n", jsonQuote(name)))
	b.WriteString(readbackTagHelper())
	b.WriteString("  return JSON.stringify({ data: readbackTag(tag) });\n")
	b.WriteString("})();\n")
	return b.String(), nil
}

// UpdateTaskScript emits an embedded script that applies changes to an
// existing task and returns the readback. A `tags` entry in changes
// replaces the task's tags, resolving or creating each path; the tags are
// read back via the embedded dialect per §4.5's known tag-readback
// limitation.
func UpdateTaskScript(taskID string, changes map[string]interface{}) (string, error) {
	changesJSON, err := json.Marshal(changes)
	if err != nil {
		return "", apperr.Wrap(err, apperr.CodeValidation, "could not encode task changes")
	}

	var b strings.Builder
	b.WriteString("(function() {\n")
	b.WriteString("  var app = Application('OmniFocus');\n")
	b.WriteString("  var doc = app.defaultDocument();\n")
	b.WriteString(findByIDHelper())
	b.WriteString(fmt.Sprintf("  var task = findByID(doc.flattenedTasks(), %s);\n", jsonQuote(taskID)))
	b.WriteString("  if (!task) { return JSON.stringify({ error: 'NOT_FOUND', message: 'task' }); }\n")
	b.WriteString(fmt.Sprintf("  var changes = JSON.parse(%s);\n", jsonQuote(string(changesJSON))))
	b.WriteString("  var dueDateClearRequested = ('dueDate' in changes) && changes.dueDate === null;\n")
	b.WriteString("  var preDueDate = task.dueDate ? task.dueDate() : null;\n")
	b.WriteString(applyFieldsHelper())
	b.WriteString("  applyFields(task, changes);\n")
	b.WriteString(resolveOrCreateTagPathHelper())
	b.WriteString("  if (changes.tags) {\n")
	b.WriteString("    var currentTags = task.tags();\n")
	b.WriteString("    for (var ct = 0; ct < currentTags.length; ct++) { task.removeTag(currentTags[ct]); }\n")
	b.WriteString("    for (var nt = 0; nt < changes.tags.length; nt++) { task.addTag(resolveOrCreateTagPath(changes.tags[nt])); }\n")
	b.WriteString("  }\n")
	b.WriteString(readbackTaskHelper())
	b.WriteString("  var result = readbackTask(task);\n")
	b.WriteString("  var warnings = [];\n")
	// Known limitation, §4.5: the host silently ignores "clear due date to
	// null" in the embedded dialect. Detect by comparing the post-state
	// against the request rather than trusting the write succeeded.
	b.WriteString("  if (dueDateClearRequested && result.dueDate !== null) {\n")
	b.WriteString("    warnings.push('due date clear was requested but the host did not clear it (known limitation)');\n")
	b.WriteString("  }\n")
	b.WriteString("  return JSON.stringify({ data: result, warnings: warnings });\n")
	b.WriteString("})();\n")
	return b.String(), nil
}

// MoveTaskScript emits an embedded script expressing a move as one of the
// three target types (§4.5). If the embedded move primitive throws, it
// falls back once to the outer-context container assignment; tag readback
// still happens via the embedded dialect regardless of which path moved
// the task.
func MoveTaskScript(taskID string, target MoveTarget, targetID *string) (string, error) {
	var b strings.Builder
	b.WriteString("(function() {\n")
	b.WriteString("  var app = Application('OmniFocus');\n")
	b.WriteString("  var doc = app.defaultDocument();\n")
	b.WriteString(findByIDHelper())
	b.WriteString(fmt.Sprintf("  var task = findByID(doc.flattenedTasks(), %s);\n", jsonQuote(taskID)))
	b.WriteString("  if (!task) { return JSON.stringify({ error: 'NOT_FOUND', message: 'task' }); }\n")
	b.WriteString("  var moved = false;\n")
	b.WriteString("  try {\n")
	fallback := "doc"
	switch target {
	case MoveToInbox:
		b.WriteString("    app.move(task, { to: doc.inboxTasks });\n")
	case MoveToProject:
		fallback = "targetProject"
		if targetID == nil {
			return "", apperr.NewValidation("move to project requires a target project id")
		}
		b.WriteString(fmt.Sprintf("    var targetProject = findByID(doc.flattenedProjects(), %s);\n", jsonQuote(*targetID)))
		b.WriteString("    if (!targetProject) { return JSON.stringify({ error: 'NOT_FOUND', message: 'target project' }); }\n")
		b.WriteString("    app.move(task, { to: targetProject.tasks });\n")
	case MoveToParent:
		fallback = "targetParent"
		if targetID == nil {
			return "", apperr.NewValidation("move to parent requires a target task id")
		}
		b.WriteString(fmt.Sprintf("    var targetParent = findByID(doc.flattenedTasks(), %s);\n", jsonQuote(*targetID)))
		b.WriteString("    if (!targetParent) { return JSON.stringify({ error: 'NOT_FOUND', message: 'target parent task' }); }\n")
		b.WriteString("    app.move(task, { to: targetParent.tasks });\n")
	default:
		return "", apperr.NewValidation(fmt.Sprintf("unknown move target %q", target))
	}
	b.WriteString("    moved = true;\n")
	b.WriteString("  } catch (e) {\n")
	b.WriteString(fmt.Sprintf("    try { task.assignedContainer = %s; moved = true; }\n", fallback))
	b.WriteString("    catch (e2) { return JSON.stringify({ error: 'BRIDGE_READBACK_MISMATCH', message: String(e2) }); }\n")
	b.WriteString("  }\n")
	b.WriteString(readbackTaskHelper())
	b.WriteString("  return JSON.stringify({ data: readbackTask(task), moved: moved });\n")
	b.WriteString("})();\n")
	return b.String(), nil
}

// CompleteTaskScript marks a task complete, idempotently: completing an
// already-completed task is a no-op success (§8 Invariant 6).
func CompleteTaskScript(taskID string) (string, error) {
	var b strings.Builder
	b.WriteString("(function() {\n")
	b.WriteString("  var app = Application('OmniFocus');\n")
	b.WriteString("  var doc = app.defaultDocument();\n")
	b.WriteString(findByIDHelper())
	b.WriteString(fmt.Sprintf("  var task = findByID(doc.flattenedTasks(), %s);\n", jsonQuote(taskID)))
	b.WriteString("  if (!task) { return JSON.stringify({ error: 'NOT_FOUND', message: 'task' }); }\n")
	b.WriteString("  if (!task.completed()) { app.markComplete(task); }\n")
	b.WriteString(readbackTaskHelper())
	b.WriteString("  return JSON.stringify({ data: readbackTask(task) });\n")
	b.WriteString("})();\n")
	return b.String(), nil
}

// DeleteScript deletes a task by id; only doc.flattenedTasks() is
// searched, so a project or tag id is reported as not found. Deleting an
// unknown id fails with
// NOT_FOUND (§8 Invariant 6); the Go caller maps the `error` field in the
// result back to apperr.CodeNotFound.
func DeleteScript(taskID string) (string, error) {
	var b strings.Builder
	b.WriteString("(function() {\n")
	b.WriteString("  var app = Application('OmniFocus');\n")
	b.WriteString("  var doc = app.defaultDocument();\n")
	b.WriteString(findByIDHelper())
	b.WriteString(fmt.Sprintf("  var task = findByID(doc.flattenedTasks(), %s);\n", jsonQuote(taskID)))
	b.WriteString("  if (!task) { return JSON.stringify({ error: 'NOT_FOUND', message: 'task' }); }\n")
	b.WriteString("  app.delete(task);\n")
	b.WriteString("  return JSON.stringify({ data: { id: " + jsonQuote(taskID) + ", deleted: true } });\n")
	b.WriteString("})();\n")
	return b.String(), nil
}

// BulkDeleteScript deletes every task in taskIDs in one script, reporting
// per-id success so a partial failure (one id already gone) doesn't abort
// the whole batch.
func BulkDeleteScript(taskIDs []string) (string, error) {
	idsJSON, err := json.Marshal(taskIDs)
	if err != nil {
		return "", apperr.Wrap(err, apperr.CodeValidation, "could not encode id list")
	}

	var b strings.Builder
	b.WriteString("(function() {\n")
	b.WriteString("  var app = Application('OmniFocus');\n")
	b.WriteString("  var doc = app.defaultDocument();\n")
	b.WriteString(findByIDHelper())
	b.WriteString(fmt.Sprintf("  var ids = JSON.parse(%s);\n", jsonQuote(string(idsJSON))))
	b.WriteString("  var deleted = []; var notFound = [];\n")
	b.WriteString("  for (var i = 0; i < ids.length; i++) {\n")
	b.WriteString("    var task = findByID(doc.flattenedTasks(), ids[i]);\n")
	b.WriteString("    if (!task) { notFound.push(ids[i]); continue; }\n")
	b.WriteString("    app.delete(task);\n")
	b.WriteString("    deleted.push(ids[i]);\n")
	b.WriteString("  }\n")
	b.WriteString("  return JSON.stringify({ data: { deleted: deleted, notFound: notFound } });\n")
	b.WriteString("})();\n")
	return b.String(), nil
}

// TagManageScript assigns/removes tags on a task, creating any missing
// ancestors for a nested "A : B : C" path (§3), and reads back the
// assignment in the same script, since tag assignment is the headline case
// the Bridge Protocol exists to fix (§4.5 design rationale).
func TagManageScript(taskID string, addPaths, removePaths []string) (string, error) {
	addJSON, err := json.Marshal(addPaths)
	if err != nil {
		return "", apperr.Wrap(err, apperr.CodeValidation, "could not encode tag add list")
	}
	removeJSON, err := json.Marshal(removePaths)
	if err != nil {
		return "", apperr.Wrap(err, apperr.CodeValidation, "could not encode tag remove list")
	}

	var b strings.Builder
	b.WriteString("(function() {\n")
	b.WriteString("  var app = Application('OmniFocus');\n")
	b.WriteString("  var doc = app.defaultDocument();\n")
	b.WriteString(findByIDHelper())
	b.WriteString(fmt.Sprintf("  var task = findByID(doc.flattenedTasks(), %s);\n", jsonQuote(taskID)))
	b.WriteString("  if (!task) { return JSON.stringify({ error: 'NOT_FOUND', message: 'task' }); }\n")
	b.WriteString(fmt.Sprintf("  var addPaths = JSON.parse(%s);\n", jsonQuote(string(addJSON))))
	b.WriteString(fmt.Sprintf("  var removePaths = JSON.parse(%s);\n", jsonQuote(string(removeJSON))))
	b.WriteString(resolveOrCreateTagPathHelper())
	b.WriteString("  for (var i = 0; i < addPaths.length; i++) {\n")
	b.WriteString("    var tag = resolveOrCreateTagPath(addPaths[i]);\n")
	b.WriteString("    task.addTag(tag);\n")
	b.WriteString("  }\n")
	b.WriteString("  for (var j = 0; j < removePaths.length; j++) {\n")
	b.WriteString("    var rtag = resolveOrCreateTagPath(removePaths[j]);\n")
	b.WriteString("    task.removeTag(rtag);\n")
	b.WriteString("  }\n")
	b.WriteString(readbackTaskHelper())
	b.WriteString("  return JSON.stringify({ data: readbackTask(task) });\n")
	b.WriteString("})();\n")
	return b.String(), nil
}

func findByIDHelper() string {
	return "  function findByID(collection, id) {\n" +
		"    for (var i = 0; i < collection.length; i++) { if (collection[i].id() === id) { return collection[i]; } }\n" +
		"    return null;\n" +
		"  }\n"
}

func applyFieldsHelper() string {
	return "  function applyFields(task, fields) {\n" +
		"    if ('name' in fields) { task.name = fields.name; }\n" +
		"    if ('note' in fields) { task.note = fields.note; }\n" +
		"    if ('flagged' in fields) { task.flagged = fields.flagged; }\n" +
		"    if ('dueDate' in fields) { task.dueDate = fields.dueDate ? new Date(fields.dueDate) : null; }\n" +
		"    if ('deferDate' in fields) { task.deferDate = fields.deferDate ? new Date(fields.deferDate) : null; }\n" +
		"    if ('plannedDate' in fields) { task.plannedDate = fields.plannedDate ? new Date(fields.plannedDate) : null; }\n" +
		"    if ('estimatedMinutes' in fields) { task.estimatedMinutes = fields.estimatedMinutes; }\n" +
		"  }\n"
}

func readbackTaskHelper() string {
	return "  function readbackTask(task) {\n" +
		"    return {\n" +
		"      id: task.id(), name: task.name(), flagged: task.flagged(),\n" +
		"      completed: task.completed(), dropped: task.dropped(),\n" +
		"      dueDate: task.dueDate() ? task.dueDate().toISOString() : null,\n" +
		"      deferDate: task.deferDate() ? task.deferDate().toISOString() : null,\n" +
		"      tags: task.tags().map(function(t) { return t.name(); }),\n" +
		"      inInbox: (task.containingProject() == null)\n" +
		"    };\n" +
		"  }\n"
}

func readbackProjectHelper() string {
	return "  function readbackProject(project) {\n" +
		"    return {\n" +
		"      id: project.id(), name: project.name(),\n" +
		"      status: project.status ? String(project.status()) : null,\n" +
		"      sequential: project.sequential()\n" +
		"    };\n" +
		"  }\n"
}

func readbackTagHelper() string {
	return "  function readbackTag(tag) {\n" +
		"    return { id: tag.id(), name: tag.name() };\n" +
		"  }\n"
}

func resolveOrCreateTagPathHelper() string {
	return "  function resolveOrCreateTagPath(path) {\n" +
		"    var segments = path.split(' : ');\n" +
		"    var parentCollection = doc.flattenedTags();\n" +
		"    var parent = null;\n" +
		"    var tag = null;\n" +
		"    for (var i = 0; i < segments.length; i++) {\n" +
		"      tag = findTagByNameUnder(parentCollection, segments[i], parent);\n" +
		"      if (!tag) {\n" +
		"        tag = app.Tag({ name: segments[i] });\n" +
		"        if (parent) { parent.tags.push(tag); } else { doc.tags.push(tag); }\n" +
		"      }\n" +
		"      parent = tag;\n" +
		"      parentCollection = doc.flattenedTags();\n" +
		"    }\n" +
		"    return tag;\n" +
		"  }\n" +
		"  function findTagByNameUnder(collection, name, parent) {\n" +
		"    for (var i = 0; i < collection.length; i++) {\n" +
		"      var t = collection[i];\n" +
		"      if (t.name() !== name) { continue; }\n" +
		"      var tParent = t.parent ? t.parent() : null;\n" +
		"      if (parent === null && tParent === null) { return t; }\n" +
		"      if (parent !== null && tParent !== null && tParent.id() === parent.id()) { return t; }\n" +
		"    }\n" +
		"    return null;\n" +
		"  }\n"
}

func jsonQuote(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
