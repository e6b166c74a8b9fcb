// Package beads implements the tracker client for bd-managed repositories.
// There is no server: reads go straight to the .beads/issues.jsonl export
// and mutations go through the bd CLI, bounded by a process-wide semaphore
// so a wide sweep cannot fork-bomb the host.
package beads

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jordanhubbard/weave/internal/syncerr"
	"github.com/jordanhubbard/weave/internal/syncpolicy"
	"github.com/jordanhubbard/weave/internal/trackers"
	"github.com/jordanhubbard/weave/pkg/models"
)

// IssuesFileRelPath is where bd writes its JSONL export inside a repo.
const IssuesFileRelPath = ".beads/issues.jsonl"

// Client runs bd against a set of configured repositories. The project
// argument of every operation is the project identifier; the client owns
// the identifier-to-repo mapping.
type Client struct {
	bdPath  string
	repos   map[string]string
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *log.Logger
}

// New builds a beads client. repos maps project identifiers to repository
// roots; maxConcurrent bounds simultaneous bd subprocesses.
func New(bdPath string, repos map[string]string, maxConcurrent int64, timeout time.Duration, logger *log.Logger) *Client {
	if bdPath == "" {
		bdPath = "bd"
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		bdPath:  bdPath,
		repos:   repos,
		sem:     semaphore.NewWeighted(maxConcurrent),
		timeout: timeout,
		logger:  logger,
	}
}

func (c *Client) Name() models.Source { return models.SourceBeads }

// RepoPath returns the repository root configured for a project.
func (c *Client) RepoPath(project string) (string, error) {
	if path, ok := c.repos[project]; ok && path != "" {
		return path, nil
	}
	return "", syncerr.New(syncerr.KindValidation, "beads.RepoPath", "no repository configured for %s", project)
}

// IssuesFile returns the JSONL path for a project.
func (c *Client) IssuesFile(project string) (string, error) {
	repo, err := c.RepoPath(project)
	if err != nil {
		return "", err
	}
	return filepath.Join(repo, IssuesFileRelPath), nil
}

// runBD executes one bd invocation in the repo directory. The semaphore
// bounds concurrency process-wide; the timeout covers the subprocess, not
// the semaphore wait.
func (c *Client) runBD(ctx context.Context, dir string, args ...string) ([]byte, error) {
	op := "beads.bd " + strings.Join(args, " ")
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, syncerr.Wrap(syncerr.KindTransient, op, err)
	}
	defer c.sem.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.bdPath, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, classifyBDError(op, err, string(out))
	}
	return out, nil
}

// classifyBDError maps bd failure text onto the error taxonomy. bd exits
// nonzero for all failures, so the combined output is the only signal.
func classifyBDError(op string, err error, output string) error {
	msg := strings.ToLower(output)
	kind := syncerr.KindTransient
	switch {
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such issue"):
		kind = syncerr.KindNotFound
	case strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate"):
		kind = syncerr.KindConflict
	case strings.Contains(msg, "usage:") || strings.Contains(msg, "invalid"):
		kind = syncerr.KindValidation
	}
	return syncerr.Wrap(kind, op, fmt.Errorf("%w: %s", err, strings.TrimSpace(output)))
}

// HealthCheck verifies the bd binary is runnable.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.runBD(ctx, "", "--version")
	return err
}

// ListProjects reports every configured repository as a project, with the
// live (non-tombstone) issue count from its JSONL export.
func (c *Client) ListProjects(ctx context.Context) ([]*models.TrackerProject, error) {
	ids := make([]string, 0, len(c.repos))
	for id := range c.repos {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*models.TrackerProject, 0, len(ids))
	for _, id := range ids {
		p, err := c.GetProject(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *Client) GetProject(ctx context.Context, identifier string) (*models.TrackerProject, error) {
	file, err := c.IssuesFile(identifier)
	if err != nil {
		return nil, err
	}
	issues, skipped, err := ReadIssuesFile(file)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		c.logger.Printf("[Beads] %s: skipped %d malformed jsonl lines", identifier, skipped)
	}

	live := 0
	var newest time.Time
	for _, i := range issues {
		if i.Deleted {
			continue
		}
		live++
		if i.ModifiedAt.After(newest) {
			newest = i.ModifiedAt
		}
	}
	return &models.TrackerProject{
		ID:         identifier,
		Identifier: identifier,
		Name:       identifier,
		IssueCount: live,
		ModifiedAt: newest,
	}, nil
}

// ListIssues reads the JSONL export, dropping tombstones. Callers that need
// to observe deletions read the file directly via ReadIssuesFile.
func (c *Client) ListIssues(ctx context.Context, project string, opts trackers.ListOptions) ([]*models.TrackerIssue, error) {
	file, err := c.IssuesFile(project)
	if err != nil {
		return nil, err
	}
	all, skipped, err := ReadIssuesFile(file)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		c.logger.Printf("[Beads] %s: skipped %d malformed jsonl lines", project, skipped)
	}

	out := make([]*models.TrackerIssue, 0, len(all))
	for _, i := range all {
		if i.Deleted {
			continue
		}
		if opts.Since != nil && !i.ModifiedAt.After(*opts.Since) {
			continue
		}
		out = append(out, i)
	}
	return out, nil
}

// GetIssue fetches one issue through bd so daemon-buffered state is seen
// even before it flushes to the JSONL.
func (c *Client) GetIssue(ctx context.Context, project, id string) (*models.TrackerIssue, error) {
	repo, err := c.RepoPath(project)
	if err != nil {
		return nil, err
	}
	out, err := c.runBD(ctx, repo, "show", id, "--json")
	if err != nil {
		return nil, err
	}

	// bd show --json emits an array of detail records.
	var details []wireIssue
	if uerr := json.Unmarshal(out, &details); uerr != nil {
		var single wireIssue
		if serr := json.Unmarshal(out, &single); serr != nil {
			return nil, syncerr.Wrap(syncerr.KindTransient, "beads.GetIssue", uerr)
		}
		details = []wireIssue{single}
	}
	if len(details) == 0 || details[0].ID == "" {
		return nil, syncerr.New(syncerr.KindNotFound, "beads.GetIssue", "%s not found in %s", id, project)
	}
	return details[0].toModel(), nil
}

// fieldArgs translates canonical fields into bd flags. Labels are set
// whole; nil leaves the issue's labels alone.
func fieldArgs(fields *models.IssueFields) []string {
	var args []string
	if fields.Title != nil {
		args = append(args, "--title", *fields.Title)
	}
	if fields.Description != nil {
		args = append(args, "--description", *fields.Description)
	}
	if fields.Status != nil {
		state := syncpolicy.StatusToBeads(*fields.Status)
		args = append(args, "--status", state.Status)
	}
	if fields.Priority != nil {
		args = append(args, "--priority", fmt.Sprintf("%d", syncpolicy.PriorityToBeads(*fields.Priority)))
	}
	if fields.Labels != nil {
		args = append(args, "--labels", strings.Join(*fields.Labels, ","))
	}
	return args
}

// CreateIssue creates an issue via bd. A conflict means a concurrent
// workflow already created it; the existing issue is looked up by title.
func (c *Client) CreateIssue(ctx context.Context, project string, fields *models.IssueFields) (*models.TrackerIssue, error) {
	repo, err := c.RepoPath(project)
	if err != nil {
		return nil, err
	}

	args := append([]string{"create"}, fieldArgs(fields)...)
	args = append(args, "--json", "--no-auto-flush")
	out, err := c.runBD(ctx, repo, args...)
	if err != nil {
		if syncerr.IsConflict(err) && fields.Title != nil {
			return c.findByTitle(ctx, project, *fields.Title)
		}
		return nil, err
	}

	var created wireIssue
	if uerr := json.Unmarshal(out, &created); uerr != nil || created.ID == "" {
		// Older bd builds print "Created issue: <id>" instead of JSON.
		if id := extractIssueID(string(out)); id != "" {
			return c.GetIssue(ctx, project, id)
		}
		return nil, syncerr.New(syncerr.KindTransient, "beads.CreateIssue",
			"bd create returned no issue id: %s", strings.TrimSpace(string(out)))
	}
	return created.toModel(), nil
}

// UpdateIssue applies a partial update via bd.
func (c *Client) UpdateIssue(ctx context.Context, project, id string, fields *models.IssueFields) (*models.TrackerIssue, error) {
	repo, err := c.RepoPath(project)
	if err != nil {
		return nil, err
	}
	args := append([]string{"update", id}, fieldArgs(fields)...)
	args = append(args, "--json", "--no-auto-flush")
	out, err := c.runBD(ctx, repo, args...)
	if err != nil {
		return nil, err
	}

	var updated wireIssue
	if uerr := json.Unmarshal(out, &updated); uerr != nil || updated.ID == "" {
		return c.GetIssue(ctx, project, id)
	}
	return updated.toModel(), nil
}

// DeleteIssue tombstones an issue; deleting an unknown id is success.
func (c *Client) DeleteIssue(ctx context.Context, project, id string) error {
	repo, err := c.RepoPath(project)
	if err != nil {
		return err
	}
	_, err = c.runBD(ctx, repo, "delete", id, "--force", "--no-auto-flush")
	if syncerr.IsNotFound(err) {
		return nil
	}
	return err
}

// AddParentDependency records child-of linkage. bd rejects duplicate edges
// with a conflict, which is success here.
func (c *Client) AddParentDependency(ctx context.Context, project, childID, parentID string) error {
	repo, err := c.RepoPath(project)
	if err != nil {
		return err
	}
	_, err = c.runBD(ctx, repo, "dep", "add", childID, parentID, "--type=parent-child", "--no-auto-flush")
	if syncerr.IsConflict(err) {
		return nil
	}
	return err
}

// DepNode is one row of a bd dep tree listing.
type DepNode struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id"`
	Depth    int    `json:"depth"`
}

// DepTree lists the dependency tree under an issue, used to discover
// parent-child edges created outside the sync.
func (c *Client) DepTree(ctx context.Context, project, id string) ([]DepNode, error) {
	repo, err := c.RepoPath(project)
	if err != nil {
		return nil, err
	}
	out, err := c.runBD(ctx, repo, "dep", "tree", id, "--json")
	if err != nil {
		return nil, err
	}
	var nodes []DepNode
	if uerr := json.Unmarshal(out, &nodes); uerr != nil {
		return nil, syncerr.Wrap(syncerr.KindTransient, "beads.DepTree", uerr)
	}
	return nodes, nil
}

// Flush forces bd to rewrite the JSONL export after a batch of
// --no-auto-flush mutations.
func (c *Client) Flush(ctx context.Context, project string) error {
	repo, err := c.RepoPath(project)
	if err != nil {
		return err
	}
	_, err = c.runBD(ctx, repo, "flush")
	return err
}

func (c *Client) findByTitle(ctx context.Context, project, title string) (*models.TrackerIssue, error) {
	issues, err := c.ListIssues(ctx, project, trackers.ListOptions{})
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(strings.TrimSpace(title))
	for _, i := range issues {
		if strings.ToLower(strings.TrimSpace(i.Title)) == want {
			return i, nil
		}
	}
	return nil, syncerr.New(syncerr.KindConflict, "beads.CreateIssue",
		"create conflicted but no issue titled %q found in %s", title, project)
}

// extractIssueID pulls a bd-style id ("proj-42") out of human-readable
// create output.
func extractIssueID(output string) string {
	for _, field := range strings.Fields(output) {
		cleaned := strings.Trim(field, ",.:;[](){}")
		if i := strings.LastIndex(cleaned, "-"); i > 0 && i < len(cleaned)-1 {
			suffix := cleaned[i+1:]
			if isDigits(suffix) {
				return cleaned
			}
		}
	}
	return ""
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
