// Package fcm is a client for the Firebase Cloud Messaging legacy HTTP API
// and the instance-id topic endpoints.
package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultSendURL = "https://fcm.googleapis.com/fcm/send"
	DefaultIIDURL  = "https://iid.googleapis.com/iid/v1"

	// MaxTokensPerRequest is the registration_ids limit of one send.
	MaxTokensPerRequest = 1000

	DefaultClickAction = "FLUTTER_NOTIFICATION_CLICK"
	defaultTimeout     = 30 * time.Second
)

type ErrorKind int

const (
	// Transient failures may succeed on retry: timeouts, network errors,
	// 5xx, 429 and FCM's Unavailable/InternalServerError results.
	Transient ErrorKind = iota + 1
	// TokenInvalid means the device token is gone for good.
	TokenInvalid
	// Permanent covers every other failure that a retry will not fix.
	Permanent
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case TokenInvalid:
		return "token_invalid"
	case Permanent:
		return "permanent"
	}
	return "unknown"
}

// Error is returned by every Client operation that fails.
type Error struct {
	Kind   ErrorKind
	Status int
	// Code is the per-token error string from the FCM response, if any.
	Code string
	Err  error
}

func (e *Error) Error() string {
	msg := "fcm " + e.Kind.String()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies err, treating non-fcm errors as transient.
func KindOf(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Transient
}

// classifyResult maps an FCM per-token error string to a kind.
func classifyResult(code string) ErrorKind {
	switch code {
	case "InvalidRegistration", "NotRegistered", "MissingRegistration":
		return TokenInvalid
	case "Unavailable", "InternalServerError", "DeviceMessageRateExceeded", "TopicsMessageRateExceeded":
		return Transient
	}
	return Permanent
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		return Transient
	}
	return Permanent
}

type Notification struct {
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	ClickAction string            `json:"click_action,omitempty"`
}

type wireNotification struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	ClickAction string `json:"click_action"`
	Sound       string `json:"sound"`
	Badge       int    `json:"badge,omitempty"`
}

type sendRequest struct {
	To               string            `json:"to,omitempty"`
	RegistrationIDs  []string          `json:"registration_ids,omitempty"`
	Notification     wireNotification  `json:"notification"`
	Data             map[string]string `json:"data,omitempty"`
	Priority         string            `json:"priority"`
	ContentAvailable bool              `json:"content_available,omitempty"`
	DryRun           bool              `json:"dry_run,omitempty"`
}

type sendResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

// MulticastResult reports the outcome of one registration_ids send.
type MulticastResult struct {
	Success int
	Failure int
	// Invalid lists the tokens FCM reported as unregistered or malformed.
	Invalid []string
}

type Client struct {
	key     string
	http    *http.Client
	sendURL string
	iidURL  string
	limiter *rate.Limiter
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithEndpoints(sendURL, iidURL string) Option {
	return func(c *Client) {
		if sendURL != "" {
			c.sendURL = sendURL
		}
		if iidURL != "" {
			c.iidURL = iidURL
		}
	}
}

// WithRateLimit throttles outgoing requests on the client side.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(r, burst) }
}

func New(serverKey string, opts ...Option) *Client {
	c := &Client{
		key:     serverKey,
		http:    &http.Client{Timeout: defaultTimeout},
		sendURL: DefaultSendURL,
		iidURL:  DefaultIIDURL,
		limiter: rate.NewLimiter(rate.Limit(100), 100),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) wire(n Notification, badge int) wireNotification {
	click := n.ClickAction
	if click == "" {
		click = DefaultClickAction
	}
	return wireNotification{Title: n.Title, Body: n.Body, ClickAction: click, Sound: "default", Badge: badge}
}

// Send delivers n to one device.
func (c *Client) Send(ctx context.Context, token string, n Notification) error {
	if token == "" {
		return &Error{Kind: TokenInvalid, Err: errors.New("empty device token")}
	}
	req := sendRequest{
		To:               token,
		Notification:     c.wire(n, 1),
		Data:             n.Data,
		Priority:         "high",
		ContentAvailable: true,
	}
	var resp sendResponse
	if err := c.post(ctx, c.sendURL, req, &resp); err != nil {
		return err
	}
	if resp.Success > 0 {
		return nil
	}
	code := ""
	if len(resp.Results) > 0 {
		code = resp.Results[0].Error
	}
	return &Error{Kind: classifyResult(code), Status: http.StatusOK, Code: code}
}

// ValidateToken asks FCM to accept a dry-run message for token. A token FCM
// rejects reports false with a nil error; other failures are returned.
func (c *Client) ValidateToken(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	req := sendRequest{
		To:           token,
		Notification: c.wire(Notification{Title: "Token Validation", Body: "Validating FCM token"}, 0),
		Data:         map[string]string{"type": "validation"},
		Priority:     "high",
		DryRun:       true,
	}
	var resp sendResponse
	if err := c.post(ctx, c.sendURL, req, &resp); err != nil {
		return false, err
	}
	if resp.Success > 0 {
		return true, nil
	}
	code := ""
	if len(resp.Results) > 0 {
		code = resp.Results[0].Error
	}
	if kind := classifyResult(code); kind != TokenInvalid {
		return false, &Error{Kind: kind, Status: http.StatusOK, Code: code}
	}
	return false, nil
}

// SendMulticast delivers n to at most MaxTokensPerRequest devices.
func (c *Client) SendMulticast(ctx context.Context, tokens []string, n Notification) (MulticastResult, error) {
	if len(tokens) > MaxTokensPerRequest {
		return MulticastResult{}, &Error{Kind: Permanent, Err: fmt.Errorf("%d tokens exceeds the %d per request limit", len(tokens), MaxTokensPerRequest)}
	}
	req := sendRequest{
		RegistrationIDs: tokens,
		Notification:    c.wire(n, 0),
		Data:            n.Data,
		Priority:        "high",
	}
	var resp sendResponse
	if err := c.post(ctx, c.sendURL, req, &resp); err != nil {
		return MulticastResult{}, err
	}
	res := MulticastResult{Success: resp.Success, Failure: resp.Failure}
	for i, r := range resp.Results {
		if i < len(tokens) && classifyResult(r.Error) == TokenInvalid {
			res.Invalid = append(res.Invalid, tokens[i])
		}
	}
	return res, nil
}

// SendToTopic delivers n to every device subscribed to topic.
func (c *Client) SendToTopic(ctx context.Context, topic string, n Notification) error {
	req := sendRequest{
		To:           "/topics/" + topic,
		Notification: c.wire(n, 0),
		Data:         n.Data,
		Priority:     "high",
	}
	return c.post(ctx, c.sendURL, req, nil)
}

func (c *Client) SubscribeTopic(ctx context.Context, token, topic string) error {
	return c.topicRelation(ctx, http.MethodPost, token, topic)
}

func (c *Client) UnsubscribeTopic(ctx context.Context, token, topic string) error {
	return c.topicRelation(ctx, http.MethodDelete, token, topic)
}

func (c *Client) topicRelation(ctx context.Context, method, token, topic string) error {
	if token == "" {
		return &Error{Kind: TokenInvalid, Err: errors.New("empty device token")}
	}
	url := c.iidURL + "/" + token + "/rel/topics/" + topic
	return c.do(ctx, method, url, nil, nil)
}

func (c *Client) post(ctx context.Context, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return &Error{Kind: Permanent, Err: fmt.Errorf("encode request: %w", err)}
	}
	return c.do(ctx, http.MethodPost, url, data, out)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, out any) error {
	if c.key == "" {
		return &Error{Kind: Permanent, Err: errors.New("server key not configured")}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Kind: Transient, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: Permanent, Err: err}
	}
	req.Header.Set("Authorization", "key="+c.key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: Transient, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Kind: Transient, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.WarnContext(ctx, "FCM request failed", "status", resp.StatusCode, "body", string(raw))
		return &Error{Kind: classifyStatus(resp.StatusCode), Status: resp.StatusCode}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Kind: Transient, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// Mask shortens a token for logging.
func Mask(token string) string {
	if len(token) <= 20 {
		return token
	}
	return token[:20] + "..."
}
