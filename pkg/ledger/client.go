package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"chainmsg/pkg/logger"
	"chainmsg/pkg/models"
)

// Ledger is the shared relational store of messages, queryable by
// conversation key. It is the cross-device source of truth; every call
// is best-effort from the engine's point of view.
type Ledger interface {
	Insert(ctx context.Context, m models.Message) error
	Query(ctx context.Context, key models.ConversationKey) ([]models.Message, error)
	AppendReader(ctx context.Context, messageID, userID string) error
}

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("ledger: row not found")

const defaultTable = "messages"

// Client is a wrapper around the ledger's PostgREST API. It uses the
// service role key for elevated backend operations.
type Client struct {
	baseURL    string
	apiKey     string
	table      string
	httpClient *http.Client
}

// NewClient creates a ledger client for the given endpoint and key.
func NewClient(baseURL, apiKey, table string) *Client {
	if table == "" {
		table = defaultTable
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		table:   table,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// doRequest executes an HTTP request against the REST API. It adds the
// authentication headers and surfaces non-2xx responses as errors.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	u := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, endpoint)
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		remoteErrorsTotal.Inc()
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		remoteErrorsTotal.Inc()
		return nil, fmt.Errorf("ledger error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// Insert writes a message row. The engine treats failures as
// recoverable; the local cache stays authoritative for writes.
func (c *Client) Insert(ctx context.Context, m models.Message) error {
	_, err := c.doRequest(ctx, http.MethodPost, c.table, messageToRow(m))
	return err
}

// Query returns all messages for a conversation key. Direct queries
// over-fetch by either-side matching and are post-filtered to exactly
// the two participants.
func (c *Client) Query(ctx context.Context, key models.ConversationKey) ([]models.Message, error) {
	var endpoint string
	if key.IsGroup() {
		endpoint = fmt.Sprintf("%s?group_id=eq.%s&select=*", c.table, url.QueryEscape(key.GroupID))
	} else {
		// Either-side match: every row touching one participant, then
		// narrow through the key predicate below.
		filter := fmt.Sprintf("or=(sender.eq.%s,receiver.eq.%s)",
			url.QueryEscape(key.UserA), url.QueryEscape(key.UserA))
		endpoint = fmt.Sprintf("%s?%s&select=*", c.table, filter)
	}

	respBody, err := c.doRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(respBody, &raws); err != nil {
		return nil, fmt.Errorf("failed to parse rows: %w", err)
	}

	out := make([]models.Message, 0, len(raws))
	for _, raw := range raws {
		m, err := rowToMessage(raw)
		if err != nil {
			logger.Warn("ledger_malformed_row_skipped", "error", err)
			continue
		}
		if key.Matches(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

// AppendReader adds userID to the read_by set of a message. The call
// re-reads the current set and writes back the union; adds are
// commutative, so a concurrent last writer cannot lose members it read.
func (c *Client) AppendReader(ctx context.Context, messageID, userID string) error {
	endpoint := fmt.Sprintf("%s?id=eq.%s&select=read_by", c.table, url.QueryEscape(messageID))
	respBody, err := c.doRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	var rows []struct {
		ReadBy []string `json:"read_by"`
	}
	if err := json.Unmarshal(respBody, &rows); err != nil {
		return fmt.Errorf("failed to parse read_by row: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, messageID)
	}

	readBy := rows[0].ReadBy
	for _, r := range readBy {
		if r == userID {
			return nil
		}
	}
	readBy = append(readBy, userID)

	patch := map[string]interface{}{"read_by": readBy}
	endpoint = fmt.Sprintf("%s?id=eq.%s", c.table, url.QueryEscape(messageID))
	if _, err := c.doRequest(ctx, http.MethodPatch, endpoint, patch); err != nil {
		return err
	}
	logger.Debug("reader_appended", "id", messageID, "user", userID)
	return nil
}
