package tracker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/darcyhq/stella/internal/tools"
)

// RegisterTools adds task tracker tools to the registry. The two list
// tools double as lookup sources: their results map IDs to names so
// confirmation prompts can show "Website Redesign" instead of a page
// ID. The write tools require user confirmation before executing.
func RegisterTools(registry *tools.Registry, tr Tracker) {
	registry.Register(&tools.Tool{
		Name:        "list_projects",
		Description: "List the projects in the task tracker. Returns a map of project id to name.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		CachesAs: "project",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			projects, err := tr.ListProjects(ctx)
			if err != nil {
				return "", err
			}
			out := make(map[string]string, len(projects))
			for _, p := range projects {
				out[p.ID] = p.Name
			}
			return marshal(out)
		},
	})

	registry.Register(&tools.Tool{
		Name:        "list_tasks",
		Description: "List open tasks in the tracker, optionally filtered by assignee. Returns a map of task id to task details.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"assignee": map[string]any{
					"type":        "string",
					"description": "Only return tasks assigned to this person.",
				},
			},
		},
		CachesAs: "task",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			tasks, err := tr.ListTasks(ctx, tools.StringArg(args, "assignee"))
			if err != nil {
				return "", err
			}
			out := make(map[string]map[string]string, len(tasks))
			for _, t := range tasks {
				out[t.ID] = map[string]string{
					"name":       t.Name,
					"status":     t.Status,
					"project_id": t.ProjectID,
					"assignee":   t.Assignee,
				}
			}
			return marshal(out)
		},
	})

	registry.Register(&tools.Tool{
		Name:        "create_task",
		Description: "Create a new task in the tracker. Use list_projects first to find the project id.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Short task title.",
				},
				"project_id": map[string]any{
					"type":        "string",
					"description": "ID of the project this task belongs to.",
				},
				"assignee": map[string]any{
					"type":        "string",
					"description": "Person responsible for the task.",
				},
				"notes": map[string]any{
					"type":        "string",
					"description": "Longer description or context.",
				},
			},
			"required": []string{"name"},
		},
		Confirm: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			name := tools.StringArg(args, "name")
			if name == "" {
				return "", fmt.Errorf("create_task: name is required")
			}
			task, err := tr.CreateTask(ctx, &Task{
				Name:      name,
				Status:    StatusTodo,
				ProjectID: tools.StringArg(args, "project_id"),
				Assignee:  tools.StringArg(args, "assignee"),
				Notes:     tools.StringArg(args, "notes"),
			})
			if err != nil {
				return "", err
			}
			return marshal(task)
		},
	})

	registry.Register(&tools.Tool{
		Name:        "update_task",
		Description: "Update an existing task's name, status, project or assignee. Use list_tasks first to find the task id.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "ID of the task to update.",
				},
				"name": map[string]any{
					"type":        "string",
					"description": "New task title.",
				},
				"status": map[string]any{
					"type":        "string",
					"enum":        []string{StatusTodo, StatusInProgress, StatusBlocked, StatusDone},
					"description": "New task status.",
				},
				"project_id": map[string]any{
					"type":        "string",
					"description": "Move the task to this project.",
				},
				"assignee": map[string]any{
					"type":        "string",
					"description": "Reassign the task to this person.",
				},
			},
			"required": []string{"task_id"},
		},
		Confirm: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id := tools.StringArg(args, "task_id")
			if id == "" {
				return "", fmt.Errorf("update_task: task_id is required")
			}
			upd := &TaskUpdate{}
			if v := tools.StringArg(args, "name"); v != "" {
				upd.Name = &v
			}
			if v := tools.StringArg(args, "status"); v != "" {
				norm := normalizeStatus(v)
				upd.Status = &norm
			}
			if v := tools.StringArg(args, "project_id"); v != "" {
				upd.ProjectID = &v
			}
			if v := tools.StringArg(args, "assignee"); v != "" {
				upd.Assignee = &v
			}
			task, err := tr.UpdateTask(ctx, id, upd)
			if err != nil {
				return "", err
			}
			return marshal(task)
		},
	})

	RegisterProgressTool(registry, tr)
}

// RegisterProgressTool adds only update_task_progress. The extraction
// engine uses this: it records progress mentioned in a finished
// conversation but must not create or restructure tasks.
func RegisterProgressTool(registry *tools.Registry, tr Tracker) {
	registry.Register(&tools.Tool{
		Name:        "update_task_progress",
		Description: "Append a progress note to a task without changing its status.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "ID of the task to annotate.",
				},
				"note": map[string]any{
					"type":        "string",
					"description": "The progress note, in the member's own words.",
				},
			},
			"required": []string{"task_id", "note"},
		},
		Confirm: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id := tools.StringArg(args, "task_id")
			note := tools.StringArg(args, "note")
			if id == "" || note == "" {
				return "", fmt.Errorf("update_task_progress: task_id and note are required")
			}
			if err := tr.AddProgress(ctx, id, note); err != nil {
				return "", err
			}
			return "progress recorded", nil
		},
	})
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(b), nil
}
