package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/darcyhq/stella/internal/httpkit"
)

const (
	notionBaseURL = "https://api.notion.com"
	notionVersion = "2022-06-28"
)

// notionTracker talks to the Notion REST API directly. Tasks and
// projects live in two databases; the task database has a Name title
// property, a Status select, a Project relation, an Assignee rich
// text property and a Notes rich text property.
type notionTracker struct {
	token      string
	tasksDB    string
	projectsDB string
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
}

func newNotionTracker(cfg Config, logger *slog.Logger) *notionTracker {
	return &notionTracker{
		token:      cfg.NotionToken,
		tasksDB:    cfg.TasksDatabase,
		projectsDB: cfg.ProjectsDatabase,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		logger:  logger,
		baseURL: notionBaseURL,
	}
}

// --- wire types ---

type notionPage struct {
	ID         string                    `json:"id"`
	URL        string                    `json:"url"`
	Properties map[string]notionProperty `json:"properties"`
}

type notionProperty struct {
	Type     string           `json:"type"`
	Title    []notionRichText `json:"title,omitempty"`
	RichText []notionRichText `json:"rich_text,omitempty"`
	Select   *notionSelect    `json:"select,omitempty"`
	Status   *notionSelect    `json:"status,omitempty"`
	Relation []notionRelation `json:"relation,omitempty"`
}

type notionRichText struct {
	PlainText string `json:"plain_text,omitempty"`
	Text      struct {
		Content string `json:"content"`
	} `json:"text"`
}

type notionSelect struct {
	Name string `json:"name"`
}

type notionRelation struct {
	ID string `json:"id"`
}

type notionQueryResponse struct {
	Results    []notionPage `json:"results"`
	HasMore    bool         `json:"has_more"`
	NextCursor string       `json:"next_cursor"`
}

// --- request plumbing ---

func (n *notionTracker) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody *bytes.Buffer
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("notion: marshal request: %w", err)
		}
		reqBody = bytes.NewBuffer(b)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, n.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("notion: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+n.token)
	req.Header.Set("Notion-Version", notionVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notion: %s %s: %w", method, path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := httpkit.ReadErrorBody(resp.Body, 2048)
		return fmt.Errorf("notion: %s %s: status %d: %s", method, path, resp.StatusCode, detail)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("notion: decode response: %w", err)
		}
	}
	return nil
}

// queryAll pages through a database query.
func (n *notionTracker) queryAll(ctx context.Context, database string, filter map[string]any) ([]notionPage, error) {
	var pages []notionPage
	cursor := ""
	for {
		body := map[string]any{"page_size": 100}
		if filter != nil {
			body["filter"] = filter
		}
		if cursor != "" {
			body["start_cursor"] = cursor
		}

		var resp notionQueryResponse
		if err := n.do(ctx, http.MethodPost, "/v1/databases/"+database+"/query", body, &resp); err != nil {
			return nil, err
		}
		pages = append(pages, resp.Results...)
		if !resp.HasMore {
			return pages, nil
		}
		cursor = resp.NextCursor
	}
}

// --- Tracker implementation ---

func (n *notionTracker) ListProjects(ctx context.Context) ([]*Project, error) {
	if n.projectsDB == "" {
		return nil, nil
	}
	pages, err := n.queryAll(ctx, n.projectsDB, nil)
	if err != nil {
		return nil, err
	}

	projects := make([]*Project, 0, len(pages))
	for _, p := range pages {
		projects = append(projects, &Project{
			ID:   p.ID,
			Name: pageTitle(p),
			URL:  p.URL,
		})
	}
	return projects, nil
}

func (n *notionTracker) ListTasks(ctx context.Context, assignee string) ([]*Task, error) {
	var filter map[string]any
	if assignee != "" {
		filter = map[string]any{
			"property":  "Assignee",
			"rich_text": map[string]any{"contains": assignee},
		}
	}

	pages, err := n.queryAll(ctx, n.tasksDB, filter)
	if err != nil {
		return nil, err
	}

	tasks := make([]*Task, 0, len(pages))
	for _, p := range pages {
		tasks = append(tasks, pageToTask(p))
	}
	return tasks, nil
}

func (n *notionTracker) CreateTask(ctx context.Context, t *Task) (*Task, error) {
	props := map[string]any{
		"Name": map[string]any{
			"title": []map[string]any{{"text": map[string]any{"content": t.Name}}},
		},
	}
	if t.Status != "" {
		props["Status"] = map[string]any{"select": map[string]any{"name": t.Status}}
	}
	if t.ProjectID != "" {
		props["Project"] = map[string]any{"relation": []map[string]any{{"id": t.ProjectID}}}
	}
	if t.Assignee != "" {
		props["Assignee"] = richTextProp(t.Assignee)
	}
	if t.Notes != "" {
		props["Notes"] = richTextProp(t.Notes)
	}

	body := map[string]any{
		"parent":     map[string]any{"database_id": n.tasksDB},
		"properties": props,
	}

	var page notionPage
	if err := n.do(ctx, http.MethodPost, "/v1/pages", body, &page); err != nil {
		return nil, err
	}
	n.logger.Info("notion task created", "id", page.ID, "name", t.Name)
	return pageToTask(page), nil
}

func (n *notionTracker) UpdateTask(ctx context.Context, id string, upd *TaskUpdate) (*Task, error) {
	props := map[string]any{}
	if upd.Name != nil {
		props["Name"] = map[string]any{
			"title": []map[string]any{{"text": map[string]any{"content": *upd.Name}}},
		}
	}
	if upd.Status != nil {
		props["Status"] = map[string]any{"select": map[string]any{"name": *upd.Status}}
	}
	if upd.ProjectID != nil {
		props["Project"] = map[string]any{"relation": []map[string]any{{"id": *upd.ProjectID}}}
	}
	if upd.Assignee != nil {
		props["Assignee"] = richTextProp(*upd.Assignee)
	}
	if upd.Notes != nil {
		props["Notes"] = richTextProp(*upd.Notes)
	}
	if len(props) == 0 {
		return nil, fmt.Errorf("notion: empty task update")
	}

	var page notionPage
	if err := n.do(ctx, http.MethodPatch, "/v1/pages/"+id, map[string]any{"properties": props}, &page); err != nil {
		return nil, err
	}
	return pageToTask(page), nil
}

func (n *notionTracker) AddProgress(ctx context.Context, id string, note string) error {
	body := map[string]any{
		"parent": map[string]any{"page_id": id},
		"rich_text": []map[string]any{
			{"text": map[string]any{"content": note}},
		},
	}
	return n.do(ctx, http.MethodPost, "/v1/comments", body, nil)
}

// --- property helpers ---

func richTextProp(s string) map[string]any {
	return map[string]any{
		"rich_text": []map[string]any{{"text": map[string]any{"content": s}}},
	}
}

func pageTitle(p notionPage) string {
	for _, prop := range p.Properties {
		if prop.Type == "title" {
			return plainText(prop.Title)
		}
	}
	return ""
}

func pageToTask(p notionPage) *Task {
	t := &Task{ID: p.ID, URL: p.URL, Name: pageTitle(p)}

	if prop, ok := p.Properties["Status"]; ok {
		if prop.Select != nil {
			t.Status = normalizeStatus(prop.Select.Name)
		} else if prop.Status != nil {
			t.Status = normalizeStatus(prop.Status.Name)
		}
	}
	if prop, ok := p.Properties["Project"]; ok && len(prop.Relation) > 0 {
		t.ProjectID = prop.Relation[0].ID
	}
	if prop, ok := p.Properties["Assignee"]; ok {
		t.Assignee = plainText(prop.RichText)
	}
	if prop, ok := p.Properties["Notes"]; ok {
		t.Notes = plainText(prop.RichText)
	}
	return t
}

func plainText(rts []notionRichText) string {
	out := ""
	for _, rt := range rts {
		if rt.PlainText != "" {
			out += rt.PlainText
		} else {
			out += rt.Text.Content
		}
	}
	return out
}
