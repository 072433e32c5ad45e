package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	gogithub "github.com/google/go-github/v69/github"
)

// githubTracker maps tracker concepts onto one GitHub repository:
// tasks are issues, projects are milestones, progress notes are issue
// comments. Status travels as a label except for done, which closes
// the issue.
type githubTracker struct {
	client *gogithub.Client
	owner  string
	repo   string
	logger *slog.Logger
}

func newGitHubTracker(cfg Config, logger *slog.Logger) *githubTracker {
	return &githubTracker{
		client: gogithub.NewClient(nil).WithAuthToken(cfg.GitHubToken),
		owner:  cfg.Owner,
		repo:   cfg.Repo,
		logger: logger,
	}
}

// checkRateLimit logs a warning when remaining API calls drop below threshold.
func (g *githubTracker) checkRateLimit(resp *gogithub.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Remaining < 100 {
		g.logger.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}

func (g *githubTracker) ListProjects(ctx context.Context) ([]*Project, error) {
	milestones, resp, err := g.client.Issues.ListMilestones(ctx, g.owner, g.repo,
		&gogithub.MilestoneListOptions{State: "open"})
	if err != nil {
		return nil, fmt.Errorf("tracker: list milestones: %w", err)
	}
	g.checkRateLimit(resp)

	projects := make([]*Project, 0, len(milestones))
	for _, m := range milestones {
		projects = append(projects, &Project{
			ID:   strconv.Itoa(m.GetNumber()),
			Name: m.GetTitle(),
			URL:  m.GetHTMLURL(),
		})
	}
	return projects, nil
}

func (g *githubTracker) ListTasks(ctx context.Context, assignee string) ([]*Task, error) {
	opts := &gogithub.IssueListByRepoOptions{
		State:       "open",
		Assignee:    assignee,
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}

	var tasks []*Task
	for {
		issues, resp, err := g.client.Issues.ListByRepo(ctx, g.owner, g.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("tracker: list issues: %w", err)
		}
		g.checkRateLimit(resp)

		for _, i := range issues {
			// skip pull requests returned by the issues endpoint
			if i.IsPullRequest() {
				continue
			}
			tasks = append(tasks, issueToTask(i))
		}

		if resp.NextPage == 0 {
			return tasks, nil
		}
		opts.Page = resp.NextPage
	}
}

func (g *githubTracker) CreateTask(ctx context.Context, t *Task) (*Task, error) {
	req := &gogithub.IssueRequest{
		Title: &t.Name,
	}
	if t.Notes != "" {
		req.Body = &t.Notes
	}
	if t.Status != "" && t.Status != StatusDone {
		req.Labels = &[]string{statusLabel(t.Status)}
	}
	if t.Assignee != "" {
		req.Assignees = &[]string{t.Assignee}
	}
	if t.ProjectID != "" {
		num, err := strconv.Atoi(t.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("tracker: invalid project id %q", t.ProjectID)
		}
		req.Milestone = &num
	}

	issue, resp, err := g.client.Issues.Create(ctx, g.owner, g.repo, req)
	if err != nil {
		return nil, fmt.Errorf("tracker: create issue: %w", err)
	}
	g.checkRateLimit(resp)
	g.logger.Info("github task created", "number", issue.GetNumber(), "name", t.Name)
	return issueToTask(issue), nil
}

func (g *githubTracker) UpdateTask(ctx context.Context, id string, upd *TaskUpdate) (*Task, error) {
	number, err := strconv.Atoi(id)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid task id %q", id)
	}

	req := &gogithub.IssueRequest{}
	if upd.Name != nil {
		req.Title = upd.Name
	}
	if upd.Notes != nil {
		req.Body = upd.Notes
	}
	if upd.Assignee != nil {
		req.Assignees = &[]string{*upd.Assignee}
	}
	if upd.ProjectID != nil {
		num, err := strconv.Atoi(*upd.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("tracker: invalid project id %q", *upd.ProjectID)
		}
		req.Milestone = &num
	}
	if upd.Status != nil {
		if *upd.Status == StatusDone {
			closed := "closed"
			req.State = &closed
		} else {
			req.Labels = &[]string{statusLabel(*upd.Status)}
		}
	}

	issue, resp, err := g.client.Issues.Edit(ctx, g.owner, g.repo, number, req)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tracker: update issue: %w", err)
	}
	g.checkRateLimit(resp)
	return issueToTask(issue), nil
}

func (g *githubTracker) AddProgress(ctx context.Context, id string, note string) error {
	number, err := strconv.Atoi(id)
	if err != nil {
		return fmt.Errorf("tracker: invalid task id %q", id)
	}

	_, resp, err := g.client.Issues.CreateComment(ctx, g.owner, g.repo, number,
		&gogithub.IssueComment{Body: &note})
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return ErrNotFound
		}
		return fmt.Errorf("tracker: add progress: %w", err)
	}
	g.checkRateLimit(resp)
	return nil
}

// statusLabel formats a normalized status as a repo label.
func statusLabel(status string) string {
	return "status:" + strings.ReplaceAll(status, "_", "-")
}

func issueToTask(i *gogithub.Issue) *Task {
	t := &Task{
		ID:    strconv.Itoa(i.GetNumber()),
		Name:  i.GetTitle(),
		Notes: i.GetBody(),
		URL:   i.GetHTMLURL(),
	}

	if i.GetState() == "closed" {
		t.Status = StatusDone
	} else {
		t.Status = StatusTodo
		for _, l := range i.Labels {
			if name, ok := strings.CutPrefix(l.GetName(), "status:"); ok {
				t.Status = normalizeStatus(strings.ReplaceAll(name, "-", "_"))
				break
			}
		}
	}

	if i.Milestone != nil {
		t.ProjectID = strconv.Itoa(i.Milestone.GetNumber())
	}
	if len(i.Assignees) > 0 {
		t.Assignee = i.Assignees[0].GetLogin()
	}
	return t
}
