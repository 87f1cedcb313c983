package questlinesdk

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

// Client is a minimal Questline HTTP API client. Addresses are 0x-prefixed
// hex strings throughout.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type FormulaNode struct {
	ID       uint32   `json:"id"`
	Leaf     bool     `json:"leaf,omitempty"`
	Handler  string   `json:"handler,omitempty"`
	Operator string   `json:"operator,omitempty"`
	Left     uint32   `json:"left,omitempty"`
	Right    uint32   `json:"right,omitempty"`
	Data     []string `json:"data,omitempty"`
}

type Outcome struct {
	Asset        string `json:"asset,omitempty"`
	Selector     string `json:"selector,omitempty"`
	CallData     string `json:"call_data,omitempty"`
	Native       bool   `json:"native,omitempty"`
	NativeAmount uint64 `json:"native_amount,omitempty"`
	Limited      bool   `json:"limited,omitempty"`
	Capacity     uint64 `json:"capacity,omitempty"`
}

// QuestInput creates a quest from structured fields. Start and End are unix
// seconds.
type QuestInput struct {
	Title    string        `json:"title,omitempty"`
	Start    int64         `json:"start"`
	End      int64         `json:"end"`
	Formula  []FormulaNode `json:"formula"`
	Outcomes []Outcome     `json:"outcomes"`
}

type Quest struct {
	ID        string        `json:"id"`
	Index     int64         `json:"index"`
	Owner     string        `json:"owner"`
	Title     string        `json:"title"`
	Formula   []FormulaNode `json:"formula"`
	Outcomes  []Outcome     `json:"outcomes"`
	Start     int64         `json:"start"`
	End       int64         `json:"end"`
	Paused    bool          `json:"paused"`
	State     string        `json:"state"`
	CreatedAt string        `json:"created_at"`
	UpdatedAt string        `json:"updated_at"`
}

type Progress struct {
	QuestID     string          `json:"quest_id"`
	Participant string          `json:"participant"`
	Status      string          `json:"status"`
	Missions    map[string]bool `json:"missions"`
	JoinedAt    string          `json:"joined_at"`
	CompletedAt string          `json:"completed_at"`
	RewardedAt  string          `json:"rewarded_at"`
}

type LeafOutcome struct {
	NodeID    uint32 `json:"node_id"`
	Handler   string `json:"handler"`
	Done      bool   `json:"done"`
	Pending   bool   `json:"pending"`
	RequestID string `json:"request_id"`
	Skipped   bool   `json:"skipped"`
}

type ValidationReport struct {
	QuestID     string        `json:"quest_id"`
	Participant string        `json:"participant"`
	Leaves      []LeafOutcome `json:"leaves"`
	Completed   bool          `json:"completed"`
	Status      string        `json:"status"`
}

type Transfer struct {
	OutcomeIndex int    `json:"outcome_index"`
	Recipient    string `json:"recipient"`
	Asset        string `json:"asset"`
	Native       bool   `json:"native"`
	Amount       uint64 `json:"amount"`
	CallData     string `json:"call_data"`
}

type Capacity struct {
	OutcomeIndex int    `json:"outcome_index"`
	Limited      bool   `json:"limited"`
	Remaining    uint64 `json:"remaining"`
	Paid         uint64 `json:"paid"`
}

type Summary struct {
	Quest    Quest          `json:"quest"`
	Statuses map[string]int `json:"statuses"`
	Capacity []Capacity     `json:"capacity"`
}

// Request is an asynchronous validation request.
type Request struct {
	ID          string   `json:"id"`
	QuestID     string   `json:"quest_id"`
	Handler     string   `json:"handler"`
	Responder   string   `json:"responder"`
	Participant string   `json:"participant"`
	NodeID      uint32   `json:"node_id"`
	Data        []string `json:"data"`
	IssuedAt    string   `json:"issued_at"`
	ExpiresAt   string   `json:"expires_at"`
	ConsumedAt  string   `json:"consumed_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	QuestID    string         `json:"quest_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Code extracts error.code from the response envelope.
func (e *APIError) Code() string {
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal([]byte(e.Body), &env)
	return env.Error.Code
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type PaginatedQuests struct {
	Items      []Quest `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateQuest creates a quest owned by the authenticated address.
func (c *Client) CreateQuest(ctx context.Context, in QuestInput) (Quest, error) {
	var resp Quest
	err := c.do(ctx, http.MethodPost, "v0/quests", in, &resp)
	return resp, err
}

// CreateQuestFromDefinition creates a quest from a yaml, json or cue document.
func (c *Client) CreateQuestFromDefinition(ctx context.Context, doc []byte, format string) (Quest, error) {
	body := map[string]any{"definition": string(doc), "format": format}
	var resp Quest
	err := c.do(ctx, http.MethodPost, "v0/quests", body, &resp)
	return resp, err
}

func (c *Client) Quest(ctx context.Context, questID string) (Quest, error) {
	var resp Quest
	err := c.do(ctx, http.MethodGet, questPath(questID, ""), nil, &resp)
	return resp, err
}

func (c *Client) QuestByIndex(ctx context.Context, index int64) (Quest, error) {
	var resp Quest
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/quests/by-index/%d", index), nil, &resp)
	return resp, err
}

// Quests lists quests, optionally filtered by owner.
func (c *Client) Quests(ctx context.Context, owner string, limit int, cursor string) (PaginatedQuests, error) {
	q := url.Values{}
	if owner != "" {
		q.Set("owner", owner)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedQuests
	err := c.do(ctx, http.MethodGet, withQuery("v0/quests", q), nil, &resp)
	return resp, err
}

func (c *Client) SetFormula(ctx context.Context, questID string, nodes []FormulaNode) (Quest, error) {
	var resp Quest
	err := c.do(ctx, http.MethodPut, questPath(questID, "formula"), map[string]any{"formula": nodes}, &resp)
	return resp, err
}

func (c *Client) SetOutcomes(ctx context.Context, questID string, outcomes []Outcome) (Quest, error) {
	var resp Quest
	err := c.do(ctx, http.MethodPut, questPath(questID, "outcomes"), map[string]any{"outcomes": outcomes}, &resp)
	return resp, err
}

func (c *Client) Pause(ctx context.Context, questID string) (Quest, error) {
	var resp Quest
	err := c.do(ctx, http.MethodPost, questPath(questID, "pause"), nil, &resp)
	return resp, err
}

func (c *Client) Resume(ctx context.Context, questID string) (Quest, error) {
	var resp Quest
	err := c.do(ctx, http.MethodPost, questPath(questID, "resume"), nil, &resp)
	return resp, err
}

func (c *Client) Summary(ctx context.Context, questID string) (Summary, error) {
	var resp Summary
	err := c.do(ctx, http.MethodGet, questPath(questID, "summary"), nil, &resp)
	return resp, err
}

// Join enrolls the authenticated address.
func (c *Client) Join(ctx context.Context, questID string) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodPost, questPath(questID, "join"), nil, &resp)
	return resp, err
}

func (c *Client) Progress(ctx context.Context, questID, participant string) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, participantPath(questID, participant, ""), nil, &resp)
	return resp, err
}

func (c *Client) ValidateQuest(ctx context.Context, questID, participant string) (ValidationReport, error) {
	var resp ValidationReport
	err := c.do(ctx, http.MethodPost, participantPath(questID, participant, "validate"), nil, &resp)
	return resp, err
}

func (c *Client) ValidateMission(ctx context.Context, questID, participant string, nodeID uint32) (LeafOutcome, error) {
	var resp LeafOutcome
	err := c.do(ctx, http.MethodPost, participantPath(questID, participant, fmt.Sprintf("missions/%d/validate", nodeID)), nil, &resp)
	return resp, err
}

// RecordMission reports a leaf result; the authenticated address must be the
// leaf's handler.
func (c *Client) RecordMission(ctx context.Context, questID, participant string, nodeID uint32, done bool) error {
	return c.do(ctx, http.MethodPut, participantPath(questID, participant, fmt.Sprintf("missions/%d", nodeID)), map[string]any{"done": done}, nil)
}

func (c *Client) Execute(ctx context.Context, questID, participant string) ([]Transfer, error) {
	var resp struct {
		Transfers []Transfer `json:"transfers"`
	}
	err := c.do(ctx, http.MethodPost, participantPath(questID, participant, "execute"), nil, &resp)
	return resp.Transfers, err
}

// PendingRequests lists open requests addressed to responder, or to the
// authenticated address when responder is empty.
func (c *Client) PendingRequests(ctx context.Context, responder string) ([]Request, error) {
	q := url.Values{}
	if responder != "" {
		q.Set("responder", responder)
	}
	var resp []Request
	err := c.do(ctx, http.MethodGet, withQuery("v0/oracle/requests", q), nil, &resp)
	return resp, err
}

func (c *Client) Fulfil(ctx context.Context, requestID string, done bool) (Request, error) {
	var resp Request
	endpoint := fmt.Sprintf("v0/oracle/requests/%s/fulfil", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"done": done}, &resp)
	return resp, err
}

func (c *Client) Sweep(ctx context.Context) (int64, error) {
	var resp struct {
		Evicted int64 `json:"evicted"`
	}
	err := c.do(ctx, http.MethodPost, "v0/oracle/sweep", nil, &resp)
	return resp.Evicted, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, questID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, questID, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, questID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if questID != "" {
		q.Set("quest_id", questID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("v0/events", q), nil, &resp)
	return resp, err
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

func questPath(questID, p string) string {
	base := "v0/quests/" + url.PathEscape(questID)
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func participantPath(questID, participant, p string) string {
	return questPath(questID, "participants/"+url.PathEscape(participant)+suffix(p))
}

func suffix(p string) string {
	if p == "" {
		return ""
	}
	return "/" + p
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
