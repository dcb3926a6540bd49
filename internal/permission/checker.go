package permission

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wardenhq/warden/internal/event"
	"github.com/wardenhq/warden/internal/logging"
)

// Action is the outcome of a permission check.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

// Decision is the result of evaluating one tool invocation against the
// allow-lists.
type Decision struct {
	Action  Action
	Reason  string
	Pattern *Pattern // the matching pattern, when Action is Allow
}

// Response is a human's answer to a pending permission request.
type Response struct {
	RequestID string `json:"requestID"`
	Action    string `json:"action"` // "once" | "always" | "reject"
}

// RejectedError is returned when a tool invocation is not permitted.
type RejectedError struct {
	SessionID string
	ToolName  string
	Message   string
}

func (e *RejectedError) Error() string { return e.Message }

// IsRejectedError checks if an error is a permission rejection.
func IsRejectedError(err error) bool {
	_, ok := err.(*RejectedError)
	return ok
}

// writeTools are the mutating tools whose remembered approvals stay
// session-scoped instead of going to the durable project allow-list.
var writeTools = map[string]bool{
	"Write":     true,
	"Edit":      true,
	"MultiEdit": true,
}

// DefaultAskTimeout bounds how long a pending request waits for a human.
const DefaultAskTimeout = 15 * time.Minute

// Checker owns the allow-lists and the pending-request table. All sessions
// share one Checker: reads are concurrent, approvals are serialized.
type Checker struct {
	store *Store

	mu      sync.RWMutex
	session map[string][]*Pattern // sessionID -> session-scoped approvals
	pending map[string]chan Response

	askTimeout time.Duration
}

// NewChecker creates a checker over a durable store. A nil store means no
// durable allow-list (everything not session-approved asks).
func NewChecker(store *Store) *Checker {
	return &Checker{
		store:      store,
		session:    make(map[string][]*Pattern),
		pending:    make(map[string]chan Response),
		askTimeout: DefaultAskTimeout,
	}
}

// SetAskTimeout overrides the pending-request timeout.
func (c *Checker) SetAskTimeout(d time.Duration) {
	c.askTimeout = d
}

// Check evaluates a tool invocation against the session cache and the
// durable allow-list. It never blocks and never errors: an invocation no
// pattern covers simply asks.
func (c *Checker) Check(sessionID, toolName string, input map[string]any) Decision {
	c.mu.RLock()
	cached := c.session[sessionID]
	c.mu.RUnlock()

	for _, p := range cached {
		if p.Matches(toolName, input) {
			return Decision{Action: ActionAllow, Reason: "session approval", Pattern: p}
		}
	}

	if c.store != nil {
		for _, p := range c.store.Patterns() {
			if p.Matches(toolName, input) {
				return Decision{Action: ActionAllow, Reason: "allow-list", Pattern: p}
			}
		}
	}

	return Decision{Action: ActionAsk, Reason: "no matching pattern"}
}

// Request runs the full permission flow for one tool invocation: consult
// the allow-lists, and when they are silent, publish a permission-request
// event and wait for a human decision. A nil return means the tool may run.
//
// The wait is bounded: on timeout the request is rejected and a
// permission-timeout event is published, so a headless deployment never
// hangs a session forever.
func (c *Checker) Request(ctx context.Context, sessionID, toolName string, input map[string]any) error {
	decision := c.Check(sessionID, toolName, input)
	switch decision.Action {
	case ActionAllow:
		logging.Debug().
			Str("session", sessionID).
			Str("tool", toolName).
			Str("pattern", decision.Pattern.String()).
			Msg("tool allowed by pattern")
		return nil
	case ActionDeny:
		return &RejectedError{SessionID: sessionID, ToolName: toolName, Message: decision.Reason}
	}

	requestID := ulid.Make().String()
	respChan := make(chan Response, 1)

	c.mu.Lock()
	c.pending[requestID] = respChan
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	var patterns []string
	if inferred, err := InferPattern(toolName, input); err == nil {
		patterns = []string{inferred.String()}
	}

	event.Publish(event.Event{
		Type: event.PermissionRequest,
		Data: event.PermissionRequestData{
			ID:        requestID,
			SessionID: sessionID,
			ToolName:  toolName,
			Input:     input,
			Patterns:  patterns,
		},
	})

	timer := time.NewTimer(c.askTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		event.Publish(event.Event{
			Type: event.PermissionTimeout,
			Data: event.PermissionTimeoutData{ID: requestID, SessionID: sessionID},
		})
		return &RejectedError{SessionID: sessionID, ToolName: toolName, Message: "permission request timed out"}
	case resp := <-respChan:
		switch resp.Action {
		case "once":
			return nil
		case "always":
			c.remember(sessionID, toolName, input)
			return nil
		default:
			return &RejectedError{SessionID: sessionID, ToolName: toolName, Message: "permission rejected by user"}
		}
	}
}

// Respond resolves a pending permission request.
func (c *Checker) Respond(requestID, action string) {
	c.mu.RLock()
	ch, ok := c.pending[requestID]
	c.mu.RUnlock()

	if ok {
		ch <- Response{RequestID: requestID, Action: action}
	}
}

// remember infers a pattern from the approved invocation and persists it:
// session cache for write-class tools, durable allow-list for the rest.
func (c *Checker) remember(sessionID, toolName string, input map[string]any) {
	p, err := InferPattern(toolName, input)
	if err != nil {
		logging.Warn().Err(err).Str("tool", toolName).Msg("could not infer pattern from approval")
		return
	}

	if writeTools[toolName] || c.store == nil {
		c.approveForSession(sessionID, p)
		return
	}

	if err := c.store.Append(p); err != nil {
		logging.Error().Err(err).Str("pattern", p.String()).Msg("failed to persist approved pattern")
		// Fall back to the session cache so the approval still holds for
		// this run.
		c.approveForSession(sessionID, p)
	}
}

// ApproveForSession adds a pattern to the session-scoped cache.
func (c *Checker) ApproveForSession(sessionID string, pattern string) error {
	p, err := Parse(pattern)
	if err != nil {
		return err
	}
	c.approveForSession(sessionID, p)
	return nil
}

func (c *Checker) approveForSession(sessionID string, p *Pattern) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session[sessionID] = append(c.session[sessionID], p)
}

// ClearSession drops all session-scoped approvals for a session.
func (c *Checker) ClearSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.session, sessionID)
}
