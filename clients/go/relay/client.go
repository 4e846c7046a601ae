// Package relay provides a client for the relay mailbox and conversation
// history API. Payload encryption happens before this client is involved;
// every box it carries is opaque ciphertext.
package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// WalletHeader carries the caller's wallet address. In production the
// gateway sets it after signature verification; against a local server
// the client sets it directly.
const WalletHeader = "X-Relay-Wallet"

// Client is a relay API client bound to one wallet identity.
type Client struct {
	BaseURL    string
	Wallet     string
	HTTPClient *http.Client
}

// NewClient creates a new relay client.
func NewClient(baseURL, wallet string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		BaseURL:    baseURL,
		Wallet:     wallet,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the relay.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay error %d (%s): %s", e.Status, e.Code, e.Message)
}

// doRequest performs an HTTP request carrying the wallet identity.
func (c *Client) doRequest(method, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequest(method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.Wallet != "" {
		req.Header.Set(WalletHeader, c.Wallet)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, &APIError{Status: resp.StatusCode, Code: errResp.Error, Message: errResp.Message}
	}

	return respBody, nil
}

// RegisterResponse is the response from wallet registration.
type RegisterResponse struct {
	Wallet     string `json:"wallet"`
	QuotaBytes *int64 `json:"quotaBytes,omitempty"`
	UsedBytes  int64  `json:"usedBytes"`
}

// Register creates the wallet's relay profile. Registering twice is
// harmless.
func (c *Client) Register() (*RegisterResponse, error) {
	respBody, err := c.doRequest("POST", "/register", nil)
	if err != nil {
		return nil, err
	}

	var resp RegisterResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat reports a live channel for the wallet, feeding the
// offline-only delivery policy.
func (c *Client) Heartbeat() error {
	_, err := c.doRequest("POST", "/presence/heartbeat", nil)
	return err
}

// SendRequest is the request body for queuing a message.
type SendRequest struct {
	To    string            `json:"to"`
	Box   string            `json:"box"`
	IV    string            `json:"iv,omitempty"`
	MsgID string            `json:"msgId"`
	Type  string            `json:"type,omitempty"`
	Meta  map[string]string `json:"meta,omitempty"`
	Force bool              `json:"force,omitempty"`
}

// SendResponse is the response from queuing a message.
type SendResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"messageId"`
	Forced    bool   `json:"forced,omitempty"`
	Warning   string `json:"warning,omitempty"`
	UsedBytes int64  `json:"usedBytes"`
}

// Send queues one encrypted message for a recipient. Re-sending with the
// same MsgID before delivery replaces the payload instead of duplicating
// it.
func (c *Client) Send(req SendRequest) (*SendResponse, error) {
	body, _ := json.Marshal(req)
	respBody, err := c.doRequest("POST", "/relay/send", body)
	if err != nil {
		return nil, err
	}

	var resp SendResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Message is one queued relay message.
type Message struct {
	ID          string            `json:"id"`
	From        string            `json:"from"`
	Box         string            `json:"box"`
	BoxSize     int64             `json:"boxSize"`
	IV          string            `json:"iv,omitempty"`
	Type        string            `json:"type"`
	Meta        map[string]string `json:"meta,omitempty"`
	Status      string            `json:"status"`
	EnqueuedAt  time.Time         `json:"enqueuedAt"`
	DeliveredAt *time.Time        `json:"deliveredAt,omitempty"`
}

// FetchResponse is the response from draining the mailbox.
type FetchResponse struct {
	Messages []Message `json:"messages"`
}

// Fetch returns the wallet's queued messages in FIFO order. Messages stay
// queued until acknowledged, so call Ack after processing.
func (c *Client) Fetch() (*FetchResponse, error) {
	respBody, err := c.doRequest("GET", "/relay/fetch", nil)
	if err != nil {
		return nil, err
	}

	var resp FetchResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AckResponse reports what an ack or purge freed.
type AckResponse struct {
	Deleted      int64 `json:"deleted"`
	FreedBytes   int64 `json:"freedBytes"`
	UsedBytesNow int64 `json:"usedBytesNow"`
}

// Ack deletes processed messages from the mailbox.
func (c *Client) Ack(ids []string) (*AckResponse, error) {
	body, _ := json.Marshal(map[string][]string{"ids": ids})
	respBody, err := c.doRequest("POST", "/relay/ack", body)
	if err != nil {
		return nil, err
	}

	var resp AckResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Purge wipes the wallet's whole mailbox.
func (c *Client) Purge() (*AckResponse, error) {
	respBody, err := c.doRequest("POST", "/relay/purge", nil)
	if err != nil {
		return nil, err
	}

	var resp AckResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ConversationSummary is one entry in the conversation list.
type ConversationSummary struct {
	ID           string          `json:"id"`
	Participants []string        `json:"participants"`
	SeqMax       int64           `json:"seqMax"`
	MessageCount int64           `json:"messageCount"`
	Unread       int64           `json:"unread"`
	LastMessage  json.RawMessage `json:"lastMessage,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// ConversationsResponse is one page of the conversation list.
type ConversationsResponse struct {
	Items      []ConversationSummary `json:"items"`
	NextCursor string                `json:"nextCursor,omitempty"`
	HasMore    bool                  `json:"hasMore"`
}

// Conversations lists the wallet's conversations, most recently updated
// first. Pass the returned NextCursor to continue.
func (c *Client) Conversations(limit int, cursor string) (*ConversationsResponse, error) {
	path := fmt.Sprintf("/conversations?limit=%d", limit)
	if cursor != "" {
		path += "&cursor=" + url.QueryEscape(cursor)
	}

	respBody, err := c.doRequest("GET", path, nil)
	if err != nil {
		return nil, err
	}

	var resp ConversationsResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HistoryMessage is one ledger entry.
type HistoryMessage struct {
	ConvID      string            `json:"convId"`
	Seq         int64             `json:"seq"`
	Sender      string            `json:"sender"`
	Source      string            `json:"source"`
	MessageID   string            `json:"messageId,omitempty"`
	ClientMsgID string            `json:"clientMsgId,omitempty"`
	Box         string            `json:"box"`
	BoxSize     int64             `json:"boxSize"`
	IV          string            `json:"iv,omitempty"`
	Type        string            `json:"type"`
	Meta        map[string]string `json:"meta,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// MessagesResponse is one page of conversation history.
type MessagesResponse struct {
	Items      []HistoryMessage `json:"items"`
	NextBefore int64            `json:"nextBefore,omitempty"`
	HasMore    bool             `json:"hasMore"`
}

// Messages returns history for a conversation, newest first. Pass
// NextBefore as before to continue paging.
func (c *Client) Messages(convID string, limit int, before int64) (*MessagesResponse, error) {
	path := fmt.Sprintf("/conversations/%s/messages?limit=%d", url.PathEscape(convID), limit)
	if before > 0 {
		path += fmt.Sprintf("&before=%d", before)
	}

	respBody, err := c.doRequest("GET", path, nil)
	if err != nil {
		return nil, err
	}

	var resp MessagesResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MarkRead raises the wallet's read cursor in a conversation.
func (c *Client) MarkRead(convID string, lastReadSeq int64) error {
	body, _ := json.Marshal(map[string]int64{"lastReadSeq": lastReadSeq})
	_, err := c.doRequest("POST", fmt.Sprintf("/conversations/%s/read", url.PathEscape(convID)), body)
	return err
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Checks    map[string]interface{} `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

// Health checks server health.
func (c *Client) Health() (*HealthResponse, error) {
	respBody, err := c.doRequest("GET", "/health", nil)
	if err != nil {
		return nil, err
	}

	var resp HealthResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
