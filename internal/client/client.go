// Package client sends control envelopes to a running mindmap server and
// waits for the correlated reply.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/iksnae/mindmap/internal"
	"github.com/iksnae/mindmap/internal/protocol"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a request when ctx has no deadline
const DefaultTimeout = 30 * time.Second

// RemoteError is a system.error reply
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client talks to one server
type Client struct {
	base    *url.URL
	dialer  *websocket.Dialer
	http    *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithTimeout sets the per request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client for addr, either host:port or an http(s) URL
func New(addr string, opts ...Option) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", addr, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid server address %q", addr)
	}
	c := &Client{
		base:    u,
		dialer:  websocket.DefaultDialer,
		http:    &http.Client{},
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("client")
	return c, nil
}

func (c *Client) wsURL() string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Request sends one envelope and returns the first reply of replyType
// correlated with it. A correlated system.error is returned as a
// *RemoteError.
func (c *Client) Request(ctx context.Context, eventType string, payload interface{}, replyType string) (protocol.Envelope, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := protocol.NewEvent(eventType, "", payload)
	if err != nil {
		return protocol.Envelope{}, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return protocol.Envelope{}, err
	}

	conn, _, err := c.dialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("connecting to %s: %w", c.base.Host, err)
	}
	defer conn.Close()

	// unblock ReadMessage when ctx ends
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return protocol.Envelope{}, fmt.Errorf("sending %s: %w", eventType, err)
	}
	c.logger.Debug("Sent request", zap.String("event_type", eventType), zap.String("event_id", req.EventID))

	replyTo := req.ReplyTo()
	for {
		env, err := readEnvelope(conn)
		if err != nil {
			if ctx.Err() != nil {
				return protocol.Envelope{}, fmt.Errorf("waiting for %s reply: %w", eventType, ctx.Err())
			}
			return protocol.Envelope{}, err
		}
		if env.CorrelationID != replyTo {
			continue
		}
		switch env.EventType {
		case replyType:
			return env, nil
		case protocol.TypeSystemError:
			var p protocol.SystemError
			if err := env.DecodePayload(&p); err != nil {
				return env, err
			}
			return env, &RemoteError{Code: p.Code, Message: p.Message}
		}
	}
}

func readEnvelope(conn *websocket.Conn) (protocol.Envelope, error) {
	var env protocol.Envelope
	_, data, err := conn.ReadMessage()
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("decoding event: %w", err)
	}
	return env, nil
}

func (c *Client) call(ctx context.Context, eventType string, payload interface{}, replyType string, out interface{}) error {
	env, err := c.Request(ctx, eventType, payload, replyType)
	if err != nil {
		return err
	}
	return env.DecodePayload(out)
}

// Pause sets the pause latch
func (c *Client) Pause(ctx context.Context) (protocol.StatusChanged, error) {
	var p protocol.StatusChanged
	err := c.call(ctx, protocol.TypePauseRequested, struct{}{}, protocol.TypeStatusChanged, &p)
	return p, err
}

// Resume clears the pause latch
func (c *Client) Resume(ctx context.Context) (protocol.StatusChanged, error) {
	var p protocol.StatusChanged
	err := c.call(ctx, protocol.TypeResumeRequested, struct{}{}, protocol.TypeStatusChanged, &p)
	return p, err
}

// Rollback resets the workspace to commit
func (c *Client) Rollback(ctx context.Context, commit string) (protocol.RollbackCompleted, error) {
	var p protocol.RollbackCompleted
	err := c.call(ctx, protocol.TypeRollbackRequested,
		protocol.RollbackRequested{CommitHash: commit}, protocol.TypeRollbackCompleted, &p)
	return p, err
}

// Branch forks a new session from commit
func (c *Client) Branch(ctx context.Context, name, fromCommit, parentSessionID string) (protocol.BranchCreated, error) {
	var p protocol.BranchCreated
	err := c.call(ctx, protocol.TypeBranchRequested, protocol.BranchRequested{
		Name:            name,
		FromCommitHash:  fromCommit,
		ParentSessionID: parentSessionID,
	}, protocol.TypeBranchCreated, &p)
	return p, err
}

// Watch streams every event to fn until ctx ends or fn returns an error
func (c *Client) Watch(ctx context.Context, fn func(protocol.Envelope) error) error {
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.base.Host, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		env, err := readEnvelope(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := fn(env); err != nil {
			return err
		}
	}
}

// Status fetches the agent state over HTTP
func (c *Client) Status(ctx context.Context) (internal.AgentState, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var st internal.AgentState
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return st, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return st, fmt.Errorf("connecting to %s: %w", c.base.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error == "" {
			body.Error = resp.Status
		}
		return st, errors.New(body.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decoding status: %w", err)
	}
	return st, nil
}
