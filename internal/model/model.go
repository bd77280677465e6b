// Package model defines the entity types of §3: Task, Project, Tag,
// Perspective, the enums Query and Mutation use, and Cache Entry classes;
// the Query and Mutation types themselves live in internal/query and
// internal/dispatch. Entities are
// arenas keyed by opaque string ids; relations live in id-to-id fields,
// never direct pointers, so the model stays free of reference cycles
// across caches (Design Notes, §9).
package model

import "time"

// RepeatAnchor is the user-facing anchor selector translated by the
// Bridge Protocol's fixed table (§4.5).
type RepeatAnchor string

const (
	AnchorWhenDue        RepeatAnchor = "when-due"
	AnchorWhenDeferred   RepeatAnchor = "when-deferred"
	AnchorWhenMarkedDone RepeatAnchor = "when-marked-done"
	AnchorPlannedDate    RepeatAnchor = "planned-date"
)

// RepeatRule is the user-intent object the Bridge Protocol lowers into
// host-internal repeat parameters.
type RepeatRule struct {
	Frequency  string       `json:"frequency"`
	AnchorTo   RepeatAnchor `json:"anchorTo"`
	SkipMissed bool         `json:"skipMissed"`
}

// Task models §3's Task entity. completed implies CompletionDate != nil;
// InInbox holds iff ProjectID == nil; Available implies not Blocked, not
// Completed, not Dropped, and (DeferDate <= now or DeferDate == nil).
// The host maintains these invariants; the embedded readback reports
// inInbox from the task's containing project, and the Analyzers take the
// flags as given in the task data passed to them.
type Task struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Note             string      `json:"note,omitempty"`
	Flagged          bool        `json:"flagged"`
	Completed        bool        `json:"completed"`
	Dropped          bool        `json:"dropped"`
	DueDate          *time.Time  `json:"dueDate,omitempty"`
	DeferDate        *time.Time  `json:"deferDate,omitempty"`
	PlannedDate      *time.Time  `json:"plannedDate,omitempty"`
	CompletionDate   *time.Time  `json:"completionDate,omitempty"`
	EstimatedMinutes int         `json:"estimatedMinutes,omitempty"`
	InInbox          bool        `json:"inInbox"`
	Blocked          bool        `json:"blocked"`
	Available        bool        `json:"available"`
	Added            time.Time   `json:"added"`
	Modified         time.Time   `json:"modified"`
	TagIDs           []string    `json:"tagIds,omitempty"`
	ProjectID        *string     `json:"projectId,omitempty"`
	ParentID         *string     `json:"parentId,omitempty"`
	Repeat           *RepeatRule `json:"repeat,omitempty"`
	Sequential       bool        `json:"sequential,omitempty"`
}

// ProjectStatus is a closed enum, §3.
type ProjectStatus string

const (
	ProjectActive  ProjectStatus = "active"
	ProjectOnHold  ProjectStatus = "on-hold"
	ProjectDone    ProjectStatus = "done"
	ProjectDropped ProjectStatus = "dropped"
)

type Project struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Status             ProjectStatus `json:"status"`
	Sequential         bool          `json:"sequential,omitempty"`
	ReviewIntervalDays int           `json:"reviewIntervalDays,omitempty"`
	NextReviewDate     *time.Time    `json:"nextReviewDate,omitempty"`
	FolderID           *string       `json:"folderId,omitempty"`
	Added              time.Time     `json:"added"`
	Modified           time.Time     `json:"modified"`
}

// Tag models the tag forest of §3. ParentID is nil at forest roots;
// MutuallyExclusive marks that this tag's children are mutually exclusive
// among themselves (propagation on nested-path creation is explicit
// future work, DESIGN.md Open Question 2).
type Tag struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	ParentID          *string `json:"parentId,omitempty"`
	MutuallyExclusive bool    `json:"mutuallyExclusive,omitempty"`
}

type Perspective struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	BuiltIn         bool   `json:"builtIn"`
	FilterRuleBlob  string `json:"filterRuleBlob,omitempty"`
	AggregationMode string `json:"aggregationMode,omitempty"`
}

// Mode is a named query preset that expands into additional AST
// constraints in the Query Compiler (§4.4).
type Mode string

const (
	ModeToday       Mode = "today"
	ModeUpcoming    Mode = "upcoming"
	ModeOverdue     Mode = "overdue"
	ModeAvailable   Mode = "available"
	ModeBlocked     Mode = "blocked"
	ModeFlagged     Mode = "flagged"
	ModeSmartSuggest Mode = "smart_suggest"
	ModeSearch      Mode = "search"
	ModeAll         Mode = "all"
)

// Entity names the collection a Query targets.
type Entity string

const (
	EntityTasks       Entity = "tasks"
	EntityProjects    Entity = "projects"
	EntityTags        Entity = "tags"
	EntityFolders     Entity = "folders"
	EntityPerspectives Entity = "perspectives"
)

// SortKey is one field/direction pair in a Query's sort list.
type SortKey struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending,omitempty"`
}

// MutationOp enumerates the closed set of write operations, §3.
type MutationOp string

const (
	OpCreate     MutationOp = "create"
	OpUpdate     MutationOp = "update"
	OpComplete   MutationOp = "complete"
	OpDelete     MutationOp = "delete"
	OpTagManage  MutationOp = "tag_manage"
	OpBulkDelete MutationOp = "bulk_delete"
	OpBatch      MutationOp = "batch"
)

// MutationTarget names the entity class a Mutation acts on.
type MutationTarget string

const (
	TargetTask    MutationTarget = "task"
	TargetProject MutationTarget = "project"
	TargetTag     MutationTarget = "tag"
)

// CacheClass is the closed set of cache entry classes and their TTLs,
// §3. TTL() returns the spec-mandated duration for each class.
type CacheClass string

const (
	ClassTasks     CacheClass = "tasks"
	ClassProjects  CacheClass = "projects"
	ClassTags      CacheClass = "tags"
	ClassFolders   CacheClass = "folders"
	ClassReviews   CacheClass = "reviews"
	ClassAnalytics CacheClass = "analytics"
)

func (c CacheClass) TTL() time.Duration {
	switch c {
	case ClassTasks, ClassProjects:
		return 5 * time.Minute
	case ClassFolders, ClassTags:
		return 10 * time.Minute
	case ClassReviews:
		return 3 * time.Minute
	case ClassAnalytics:
		return 60 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// Workflow names a workflow-scoped cache invalidation group, §4.6.
type Workflow string

const (
	WorkflowInboxProcessing Workflow = "inbox_processing"
	WorkflowWeeklyReview    Workflow = "weekly_review"
	WorkflowDailyPlanning   Workflow = "daily_planning"
)
