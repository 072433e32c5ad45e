// Package tracker connects Stella to the team's task tracker.
// Two backends exist: Notion databases and GitHub issues.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrNotFound is returned when a task or project does not exist in
// the backing tracker.
var ErrNotFound = errors.New("tracker: not found")

// Task statuses normalized across backends.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusDone       = "done"
)

// Task is one unit of work in the tracker. IDs are backend-native
// strings (Notion page IDs, GitHub issue numbers).
type Task struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Assignee  string `json:"assignee,omitempty"`
	Notes     string `json:"notes,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Project groups tasks. In GitHub a project maps to a milestone.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// TaskUpdate carries the fields to change on a task. Nil fields are
// left untouched.
type TaskUpdate struct {
	Name      *string
	Status    *string
	ProjectID *string
	Assignee  *string
	Notes     *string
}

// Tracker is the backend-neutral task tracker surface.
type Tracker interface {
	// ListProjects returns all projects.
	ListProjects(ctx context.Context) ([]*Project, error)

	// ListTasks returns open tasks, optionally filtered by assignee.
	ListTasks(ctx context.Context, assignee string) ([]*Task, error)

	// CreateTask adds a new task and returns it with its assigned ID.
	CreateTask(ctx context.Context, t *Task) (*Task, error)

	// UpdateTask applies an update to an existing task.
	UpdateTask(ctx context.Context, id string, upd *TaskUpdate) (*Task, error)

	// AddProgress appends a progress note to a task without changing
	// its other fields.
	AddProgress(ctx context.Context, id string, note string) error
}

// Config selects and parameterizes a tracker backend.
type Config struct {
	Backend string // "notion" or "github"

	// Notion backend.
	NotionToken      string
	TasksDatabase    string
	ProjectsDatabase string

	// GitHub backend.
	GitHubToken string
	Owner       string
	Repo        string
}

// New builds the configured tracker backend.
func New(cfg Config, logger *slog.Logger) (Tracker, error) {
	switch strings.ToLower(cfg.Backend) {
	case "notion":
		if cfg.NotionToken == "" || cfg.TasksDatabase == "" {
			return nil, fmt.Errorf("tracker: notion backend requires token and tasks database")
		}
		return newNotionTracker(cfg, logger), nil
	case "github":
		if cfg.GitHubToken == "" || cfg.Owner == "" || cfg.Repo == "" {
			return nil, fmt.Errorf("tracker: github backend requires token, owner and repo")
		}
		return newGitHubTracker(cfg, logger), nil
	default:
		return nil, fmt.Errorf("tracker: unknown backend %q", cfg.Backend)
	}
}

// normalizeStatus maps free-form backend status names onto the
// normalized set. Unrecognized values pass through unchanged.
func normalizeStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, " ", "_"))) {
	case "todo", "to_do", "not_started", "backlog", "open":
		return StatusTodo
	case "in_progress", "doing", "started":
		return StatusInProgress
	case "blocked", "waiting":
		return StatusBlocked
	case "done", "complete", "completed", "closed":
		return StatusDone
	default:
		return s
	}
}
