// Package gateway implements the outbound HTTP client for the external AI
// responder. The relay opens one conversation session per room, forwards
// user turns into it, and (optionally) closes it again; the responder's
// answers come back asynchronously through the inbound webhook, never
// through these calls.
//
// Failure philosophy: a gateway failure is never fatal for a room. Callers
// are expected to catch *Error / transport errors and substitute a locally
// synthesized assistant message so the room keeps working while the
// responder is down.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrMissingCredential indicates the gateway bearer token is not configured.
// It is a configuration error surfaced once, at construction, rather than
// on every call.
var ErrMissingCredential = errors.New("gateway credential is not configured")

// Error describes a failed gateway call: a non-2xx response or a transport
// failure wrapped with call context. Status is zero for transport errors.
type Error struct {
	Op     string // "initiate", "send" or "close"
	Status int    // HTTP status code, 0 if the request never completed
	Body   string // truncated response body, for logs
	Err    error  // underlying transport error, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gateway %s: unexpected status %d", e.Op, e.Status)
}

// Unwrap exposes the underlying transport error for errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// maxErrBody caps how much of an error response body is retained.
const maxErrBody = 512

// Config carries the settings needed to reach the external responder.
type Config struct {
	BaseURL string        // e.g. "https://agent.internal:9090"
	Token   string        // bearer credential, required
	Timeout time.Duration // per-call timeout, 0 means 30s
}

// Client talks to the external AI responder. It is safe for concurrent use.
type Client struct {
	base  string
	token string
	hc    *http.Client
	log   zerolog.Logger
}

// New validates cfg and builds a Client. A missing token fails here with
// ErrMissingCredential so the problem surfaces at startup, not per call.
func New(cfg Config, log zerolog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, ErrMissingCredential
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("gateway base URL is not configured")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:  base,
		token: cfg.Token,
		hc:    &http.Client{Timeout: timeout},
		log:   log.With().Str("component", "gateway").Logger(),
	}, nil
}

// initiateRequest is the JSON body for opening a conversation session.
type initiateRequest struct {
	TicketID string `json:"ticket_id"`
	UserID   string `json:"user_id"`
}

// initiateResponse is the JSON shape the responder may answer with. Plain
// text bodies are accepted as well; see Initiate.
type initiateResponse struct {
	TicketID string `json:"ticket_id"`
	ID       string `json:"id"`
}

// sendRequest is the JSON body for forwarding one user turn.
type sendRequest struct {
	Text string `json:"text"`
}

// Initiate opens an external conversation session, passing the room's own
// identifier as the correlation ticket. It returns the ticket confirmed by
// the responder, which may restate ours (JSON or plain text body) or be
// empty, in which case the requested ticket stands.
func (c *Client) Initiate(ctx context.Context, userID, ticketID string) (string, error) {
	body, err := json.Marshal(initiateRequest{TicketID: ticketID, UserID: userID})
	if err != nil {
		return "", err
	}
	raw, err := c.do(ctx, "initiate", http.MethodPost, c.base+"/v1/sessions", body)
	if err != nil {
		return "", err
	}
	if confirmed := parseTicket(raw); confirmed != "" {
		return confirmed, nil
	}
	return ticketID, nil
}

// Send forwards one user turn into an open session. The response body is
// not the assistant's answer; that arrives later via the webhook.
func (c *Client) Send(ctx context.Context, ticketID, text string) error {
	body, err := json.Marshal(sendRequest{Text: text})
	if err != nil {
		return err
	}
	u := c.base + "/v1/sessions/" + url.PathEscape(ticketID) + "/messages"
	_, err = c.do(ctx, "send", http.MethodPost, u, body)
	return err
}

// Close terminates an external session. Used only by the eager
// close-on-disconnect policy; with the default preserve policy the external
// side is left to expire the session itself.
func (c *Client) Close(ctx context.Context, ticketID string) error {
	u := c.base + "/v1/sessions/" + url.PathEscape(ticketID)
	_, err := c.do(ctx, "close", http.MethodDelete, u, nil)
	return err
}

// do executes one authenticated call and returns the response body.
// Non-2xx statuses and transport failures are reported as *Error.
func (c *Client) do(ctx context.Context, op, method, url string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("op", op).Msg("gateway call failed")
		return nil, &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(raw)
		if len(snippet) > maxErrBody {
			snippet = snippet[:maxErrBody]
		}
		c.log.Warn().Str("op", op).Int("status", resp.StatusCode).Msg("gateway call rejected")
		return nil, &Error{Op: op, Status: resp.StatusCode, Body: snippet}
	}
	return raw, nil
}

// parseTicket extracts a confirmed ticket from a response body that may be
// JSON ({"ticket_id": ...} or {"id": ...}) or a bare text ticket.
func parseTicket(raw []byte) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return ""
	}
	var r initiateResponse
	if err := json.Unmarshal(raw, &r); err == nil {
		if r.TicketID != "" {
			return r.TicketID
		}
		if r.ID != "" {
			return r.ID
		}
		return ""
	}
	// Not JSON: treat the body as the ticket itself.
	return strings.Trim(trimmed, `"`)
}
