package tracker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"

	"github.com/tkearney/foreman/internal/config"
	"github.com/tkearney/foreman/internal/item"
)

// GitHubClient fetches issues and performs label actions via the GitHub
// REST API.
type GitHubClient struct {
	gh *gh.Client
}

// NewGitHubClient builds the transport stack: ETag-based conditional
// request caching under the secondary-rate-limit middleware, under the
// go-github client with token auth. Cron-driven polling hits the same
// endpoints repeatedly, so conditional requests keep quota usage flat.
func NewGitHubClient(token string) *GitHubClient {
	cacheTransport := httpcache.NewMemoryCacheTransport()
	rateLimited := github_ratelimit.NewClient(cacheTransport)
	client := gh.NewClient(rateLimited)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	return &GitHubClient{gh: client}
}

// NewGitHubClientForTesting points the client at an httptest server.
func NewGitHubClientForTesting(httpClient *http.Client, baseURL string) (*GitHubClient, error) {
	client := gh.NewClient(httpClient)
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	client.BaseURL = u
	return &GitHubClient{gh: client}, nil
}

// FetchItems lists the repository's issues (pull requests included, as the
// issues API reports them) filtered by the config's state and labels,
// paginating until exhausted, and normalizes each into a WorkItem keyed
// under repoKey.
func (c *GitHubClient) FetchItems(ctx context.Context, cfg config.TrackerConfig, repoKey string) ([]item.WorkItem, error) {
	owner, repo, err := splitRepo(cfg.Repo)
	if err != nil {
		return nil, err
	}

	state := cfg.State
	if state == "" {
		state = "open"
	}
	opts := &gh.IssueListByRepoOptions{
		State:       state,
		Labels:      cfg.Labels,
		Sort:        "created",
		Direction:   "asc",
		ListOptions: gh.ListOptions{PerPage: 100},
	}

	var items []item.WorkItem
	for {
		issues, resp, err := c.gh.Issues.ListByRepo(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing issues for %s (page %d): %w", cfg.Repo, opts.ListOptions.Page, err)
		}
		for _, issue := range issues {
			items = append(items, mapIssue(issue, repoKey))
		}
		if resp.NextPage == 0 {
			break
		}
		// IssueListByRepoOptions embeds both ListOptions and
		// ListCursorOptions, so the page selector must be qualified.
		opts.ListOptions.Page = resp.NextPage
	}
	return items, nil
}

// MarkReady performs the configured ready-action. Adding a label the issue
// already carries is a no-op on the API side, which gives the idempotence
// the coordinator needs for replayed cycles.
func (c *GitHubClient) MarkReady(ctx context.Context, cfg config.TrackerConfig, it item.WorkItem) error {
	switch cfg.ReadyAction.Type {
	case ActionNone, "":
		return nil
	case ActionAddLabel:
		owner, repo, err := splitRepo(cfg.Repo)
		if err != nil {
			return err
		}
		if cfg.ReadyAction.Label == "" {
			return fmt.Errorf("ready_action.label is empty for %s", cfg.Repo)
		}
		_, _, err = c.gh.Issues.AddLabelsToIssue(ctx, owner, repo, it.Number, []string{cfg.ReadyAction.Label})
		if err != nil {
			return fmt.Errorf("adding label %q to %s#%d: %w", cfg.ReadyAction.Label, cfg.Repo, it.Number, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown ready_action type %q", cfg.ReadyAction.Type)
	}
}

func mapIssue(issue *gh.Issue, repoKey string) item.WorkItem {
	labels := make([]item.Label, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, item.Label{Name: l.GetName()})
	}
	return item.WorkItem{
		Number:           issue.GetNumber(),
		Title:            issue.GetTitle(),
		Body:             issue.GetBody(),
		Labels:           labels,
		CreatedAt:        issue.GetCreatedAt().Time,
		Comments:         issue.GetComments(),
		PlusOneReactions: issue.GetReactions().GetPlusOne(),
		Assignees:        len(issue.Assignees),
		HasMilestone:     issue.Milestone != nil,
		Repo:             repoKey,
	}
}

func splitRepo(full string) (owner, repo string, err error) {
	owner, repo, ok := strings.Cut(full, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", fmt.Errorf("invalid repository %q, want owner/name", full)
	}
	return owner, repo, nil
}
