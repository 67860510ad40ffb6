package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fabchat/models"
)

// Error is a non-2xx response from the chat server
type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("api error (%d): %s", e.Status, e.Code)
	}
	return fmt.Sprintf("api error (%d)", e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// Client talks to the chat server's REST endpoints on behalf of one user
type Client struct {
	baseURL string
	userID  string
	http    *http.Client
}

// NewClient creates a client for baseURL acting as userID. httpClient may
// be nil.
func NewClient(baseURL, userID string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		http:    httpClient,
	}
}

// FetchConversations lists the groups the user belongs to
func (c *Client) FetchConversations(ctx context.Context) ([]models.ConversationEntry, error) {
	var entries []models.ConversationEntry
	if err := c.get(ctx, "/api/groups", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// FetchHistory loads one newest-first page of a group's messages
func (c *Client) FetchHistory(ctx context.Context, conversationID, beforeID string, limit int) ([]models.Message, error) {
	q := url.Values{}
	if beforeID != "" {
		q.Set("before", beforeID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var records []models.HistoryRecord
	path := "/api/groups/" + url.PathEscape(conversationID) + "/messages"
	if err := c.get(ctx, path, q, &records); err != nil {
		return nil, err
	}

	msgs := make([]models.Message, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, r.ToMessage(conversationID))
	}
	return msgs, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-User-ID", c.userID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	code := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		code = payload.Error
	}
	return &Error{Status: resp.StatusCode, Code: code}
}
