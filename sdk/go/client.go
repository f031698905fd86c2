package chimerasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Chimera operator API client.
type Client struct {
	BaseURL     string
	TenantID    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenantID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		TenantID: tenantID,
		Timeout:  10 * time.Second,
	}
}

// HITLItem is one task awaiting a human verdict.
type HITLItem struct {
	TaskID     string            `json:"task_id"`
	TenantID   string            `json:"tenant_id"`
	Reason     string            `json:"reason"`
	QueuedAt   string            `json:"queued_at"`
	TaskType   string            `json:"task_type"`
	Attempt    int               `json:"attempt"`
	Confidence float64           `json:"confidence"`
	Output     map[string]any    `json:"output,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
}

// Decision is the applied outcome of one verdict.
type Decision struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// FleetStatus summarizes one tenant's runtime state.
type FleetStatus struct {
	TenantID       string             `json:"tenant_id"`
	QueueDepths    map[string]int64   `json:"queue_depths"`
	Campaigns      []Campaign         `json:"campaigns,omitempty"`
	BudgetSpent    map[string]float64 `json:"budget_spent_usdc,omitempty"`
	PendingCommits int64              `json:"pending_commits"`
}

// Campaign is the versioned per-campaign state record.
type Campaign struct {
	CampaignID          string   `json:"campaign_id"`
	TenantID            string   `json:"tenant_id"`
	Goals               []string `json:"goals"`
	BudgetRemainingUSDC float64  `json:"budget_remaining_usdc"`
	Status              string   `json:"status"`
	Version             uint64   `json:"version"`
}

// PlanResult lists the tasks an injected goal batch produced.
type PlanResult struct {
	Campaign string   `json:"campaign"`
	TaskIDs  []string `json:"task_ids"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PendingReviews lists items awaiting a verdict, in queue order.
func (c *Client) PendingReviews(ctx context.Context, offset, limit int) ([]HITLItem, error) {
	var resp struct {
		Items []HITLItem `json:"items"`
	}
	endpoint := "v0/hitl/" + url.PathEscape(c.TenantID)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?offset=%d&limit=%d", endpoint, offset, limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Decide applies an operator verdict to a pending item. verdict is one of
// approve, reject_retry, reject_drop. editedPayload replaces the result
// output on approve and may be nil.
func (c *Client) Decide(ctx context.Context, taskID, verdict, reason string, editedPayload map[string]any) (Decision, error) {
	body := map[string]any{
		"verdict": verdict,
	}
	if reason != "" {
		body["reason"] = reason
	}
	if editedPayload != nil {
		body["edited_payload"] = editedPayload
	}
	var resp Decision
	endpoint := fmt.Sprintf("v0/hitl/%s/%s/decision", url.PathEscape(c.TenantID), url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Fleet returns queue depths, campaign states, and budget spend. campaignIDs
// and agentIDs select which records to include; either may be empty.
func (c *Client) Fleet(ctx context.Context, campaignIDs, agentIDs []string) (FleetStatus, error) {
	endpoint := "v0/fleet/" + url.PathEscape(c.TenantID)
	params := url.Values{}
	if len(campaignIDs) > 0 {
		params.Set("campaigns", strings.Join(campaignIDs, ","))
	}
	if len(agentIDs) > 0 {
		params.Set("agents", strings.Join(agentIDs, ","))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp FleetStatus
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// InjectGoals appends goals to a campaign and triggers planning. budgetUSDC
// is applied only when the call creates the campaign.
func (c *Client) InjectGoals(ctx context.Context, campaignID string, goals []string, budgetUSDC float64) (PlanResult, error) {
	body := map[string]any{
		"goals": goals,
	}
	if budgetUSDC > 0 {
		body["budget_usdc"] = budgetUSDC
	}
	var resp PlanResult
	endpoint := fmt.Sprintf("v0/planner/%s/%s/goals", url.PathEscape(c.TenantID), url.PathEscape(campaignID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Health reports whether the API and its store are reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
