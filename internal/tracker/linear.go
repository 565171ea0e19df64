package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/tkearney/foreman/internal/config"
	"github.com/tkearney/foreman/internal/item"
)

const linearEndpoint = "https://api.linear.app/graphql"

// Linear allows roughly 1500 requests/hour per key; half a request per
// second stays comfortably under it even with several projects polling.
const linearRequestsPerSecond = 0.5

// LinearClient fetches issues over Linear's GraphQL API. There is no
// official Go SDK, so this is a thin hand-rolled GraphQL transport; raw
// issue nodes are handed to item.Normalize, which already understands
// Linear's camelCase/connection shapes.
type LinearClient struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	limiter    *rate.Limiter
}

// NewLinearClient creates a client authenticated with the given API key.
func NewLinearClient(apiKey string) *LinearClient {
	return &LinearClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		endpoint:   linearEndpoint,
		apiKey:     apiKey,
		limiter:    rate.NewLimiter(rate.Limit(linearRequestsPerSecond), 2),
	}
}

// NewLinearClientForTesting points the client at an httptest server with no
// rate limiting.
func NewLinearClientForTesting(endpoint string) *LinearClient {
	return &LinearClient{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		endpoint:   endpoint,
		apiKey:     "test",
		limiter:    rate.NewLimiter(rate.Inf, 1),
	}
}

const linearIssuesQuery = `
query Issues($teamKey: String!, $after: String) {
  issues(
    filter: { team: { key: { eq: $teamKey } }, state: { type: { neq: "completed" } } }
    first: 100
    after: $after
  ) {
    pageInfo { hasNextPage endCursor }
    nodes {
      number
      title
      description
      createdAt
      labels { nodes { name } }
      comments { totalCount }
      assignee { id }
    }
  }
}`

const linearLabelQuery = `
query Labels($teamKey: String!, $name: String!) {
  issueLabels(filter: { team: { key: { eq: $teamKey } }, name: { eq: $name } }, first: 1) {
    nodes { id }
  }
}`

const linearIssueIDQuery = `
query Issue($teamKey: String!, $number: Float!) {
  issues(filter: { team: { key: { eq: $teamKey } }, number: { eq: $number } }, first: 1) {
    nodes { id labels { nodes { id } } }
  }
}`

const linearAddLabelMutation = `
mutation AddLabel($issueID: String!, $labelID: String!) {
  issueAddLabel(id: $issueID, labelId: $labelID) { success }
}`

// FetchItems pages through the team's non-completed issues and normalizes
// each node.
func (c *LinearClient) FetchItems(ctx context.Context, cfg config.TrackerConfig, repoKey string) ([]item.WorkItem, error) {
	if cfg.TeamKey == "" {
		return nil, fmt.Errorf("issue_tracker.team_key is required for linear")
	}

	var items []item.WorkItem
	var after *string
	for {
		vars := map[string]any{"teamKey": cfg.TeamKey}
		if after != nil {
			vars["after"] = *after
		}
		data, err := c.query(ctx, linearIssuesQuery, vars)
		if err != nil {
			return nil, fmt.Errorf("fetching linear issues for %s: %w", cfg.TeamKey, err)
		}

		conn, _ := data["issues"].(map[string]any)
		nodes, _ := conn["nodes"].([]any)
		for _, n := range nodes {
			node, ok := n.(map[string]any)
			if !ok {
				continue
			}
			w := item.Normalize(node, repoKey)
			if node["assignee"] != nil {
				w.Assignees = 1
			}
			items = append(items, w)
		}

		pageInfo, _ := conn["pageInfo"].(map[string]any)
		if hasNext, _ := pageInfo["hasNextPage"].(bool); !hasNext {
			break
		}
		cursor, _ := pageInfo["endCursor"].(string)
		after = &cursor
	}
	return items, nil
}

// MarkReady adds the configured label to the issue. Linear rejects
// duplicate label attachments silently, so the action replays cleanly.
func (c *LinearClient) MarkReady(ctx context.Context, cfg config.TrackerConfig, it item.WorkItem) error {
	switch cfg.ReadyAction.Type {
	case ActionNone, "":
		return nil
	case ActionAddLabel:
	default:
		return fmt.Errorf("unknown ready_action type %q", cfg.ReadyAction.Type)
	}
	if cfg.ReadyAction.Label == "" {
		return fmt.Errorf("ready_action.label is empty for team %s", cfg.TeamKey)
	}

	labelID, err := c.lookupLabelID(ctx, cfg.TeamKey, cfg.ReadyAction.Label)
	if err != nil {
		return err
	}
	issueID, attached, err := c.lookupIssue(ctx, cfg.TeamKey, it.Number, labelID)
	if err != nil {
		return err
	}
	if attached {
		return nil
	}

	_, err = c.query(ctx, linearAddLabelMutation, map[string]any{
		"issueID": issueID,
		"labelID": labelID,
	})
	if err != nil {
		return fmt.Errorf("adding label %q to %s#%d: %w", cfg.ReadyAction.Label, cfg.TeamKey, it.Number, err)
	}
	return nil
}

func (c *LinearClient) lookupLabelID(ctx context.Context, teamKey, name string) (string, error) {
	data, err := c.query(ctx, linearLabelQuery, map[string]any{"teamKey": teamKey, "name": name})
	if err != nil {
		return "", fmt.Errorf("looking up label %q: %w", name, err)
	}
	nodes := nodesOf(data, "issueLabels")
	if len(nodes) == 0 {
		return "", fmt.Errorf("label %q not found in team %s", name, teamKey)
	}
	id, _ := nodes[0]["id"].(string)
	return id, nil
}

// lookupIssue resolves the issue's internal id and whether labelID is
// already attached.
func (c *LinearClient) lookupIssue(ctx context.Context, teamKey string, number int, labelID string) (string, bool, error) {
	data, err := c.query(ctx, linearIssueIDQuery, map[string]any{"teamKey": teamKey, "number": float64(number)})
	if err != nil {
		return "", false, fmt.Errorf("looking up issue %s#%d: %w", teamKey, number, err)
	}
	nodes := nodesOf(data, "issues")
	if len(nodes) == 0 {
		return "", false, fmt.Errorf("issue %s#%d not found", teamKey, number)
	}
	id, _ := nodes[0]["id"].(string)
	for _, l := range nodesOf(nodes[0], "labels") {
		if lid, _ := l["id"].(string); lid == labelID {
			return id, true, nil
		}
	}
	return id, false, nil
}

func nodesOf(data map[string]any, field string) []map[string]any {
	conn, _ := data[field].(map[string]any)
	raw, _ := conn["nodes"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, n := range raw {
		if m, ok := n.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   map[string]any `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *LinearClient) query(ctx context.Context, query string, vars map[string]any) (map[string]any, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(graphqlRequest{Query: query, Variables: vars})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("linear API returned %d: %s", resp.StatusCode, truncate(string(payload), 200))
	}

	var decoded graphqlResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("malformed linear response: %w", err)
	}
	if len(decoded.Errors) > 0 {
		return nil, fmt.Errorf("linear API error: %s", decoded.Errors[0].Message)
	}
	return decoded.Data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
