// Package session owns the agent subprocesses and ties the protocol
// decoder, the conversation state machine and the permission engine
// together. Each session runs fully independently; the only state shared
// between sessions is the permission checker's allow-lists.
package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wardenhq/warden/internal/conversation"
	"github.com/wardenhq/warden/internal/event"
	"github.com/wardenhq/warden/internal/logging"
	"github.com/wardenhq/warden/internal/permission"
	"github.com/wardenhq/warden/internal/storage"
	"github.com/wardenhq/warden/pkg/types"
)

// pendingMessage is the single-slot outgoing queue. A message queued while
// another is pending replaces it; the engine never accumulates a backlog.
type pendingMessage struct {
	Text        string
	Attachments []types.Attachment
}

// Session is one subprocess-backed agent with its own conversation and
// permission scope.
type Session struct {
	info    types.SessionInfo
	machine *conversation.Machine
	checker *permission.Checker
	store   *storage.Storage
	manager *Manager

	agentCommand []string
	abortTimeout time.Duration

	mu       sync.Mutex
	state    types.SessionState
	aborting bool
	pending  *pendingMessage
	proc     *process
	closed   bool
}

func newSession(m *Manager, info types.SessionInfo) *Session {
	return &Session{
		info:         info,
		machine:      conversation.New(info.ID),
		checker:      m.checker,
		store:        m.store,
		manager:      m,
		agentCommand: m.agentCommand,
		abortTimeout: m.abortTimeout,
		state:        types.StateIdle,
	}
}

// Info returns the session's durable identity.
func (s *Session) Info() types.SessionInfo {
	return s.info
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.info.ID
}

// State returns the current lifecycle state.
func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conversation returns a snapshot of the conversation safe for observers.
func (s *Session) Conversation() *types.Conversation {
	return s.machine.Snapshot()
}

// ToolInvocations pairs every tool call in the conversation with its result.
func (s *Session) ToolInvocations() []types.ToolInvocation {
	return s.machine.ToolInvocations()
}

// SendMessage queues or dispatches a user message. A blank message with no
// attachments is a no-op. The subprocess is spawned lazily on the first
// send. When a turn is already in flight, the message lands in the
// single-slot pending queue, replacing whatever was there, and is dispatched
// when the turn completes. A session in the error state refuses sends until
// it is restarted.
func (s *Session) SendMessage(ctx context.Context, text string, attachments []types.Attachment) error {
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state == types.StateError {
		s.mu.Unlock()
		return ErrSessionErrored
	}
	if s.state != types.StateIdle {
		s.pending = &pendingMessage{Text: text, Attachments: attachments}
		s.mu.Unlock()
		logging.Debug().Str("session", s.info.ID).Msg("turn in flight, message queued")
		return nil
	}
	s.setStateLocked(types.StateSendingMessage)
	s.mu.Unlock()

	return s.dispatch(ctx, text, attachments)
}

// dispatch spawns the subprocess if needed and writes the message to its
// stdin.
func (s *Session) dispatch(ctx context.Context, text string, attachments []types.Attachment) error {
	if err := s.ensureProcess(ctx); err != nil {
		s.failTurn(err)
		return err
	}

	msg := s.machine.AddUserMessage(text, attachments)
	s.persist(ctx, msg)
	event.Publish(event.Event{
		Type: event.Message,
		Data: event.MessageData{SessionID: s.info.ID, Message: msg},
	})

	if err := s.writeUserMessage(text, attachments); err != nil {
		s.failTurn(err)
		return err
	}

	s.mu.Lock()
	s.setStateLocked(types.StateProcessing)
	s.mu.Unlock()
	return nil
}

// failTurn surfaces a dispatch failure as an error message and parks the
// session in the Error state. Only Restart recovers from a spawn failure.
func (s *Session) failTurn(err error) {
	msg := s.machine.AddMarker(types.MessageError, err.Error())
	msg.Error = err.Error()

	event.Publish(event.Event{
		Type: event.Error,
		Data: event.ErrorData{SessionID: s.info.ID, Message: err.Error()},
	})

	s.mu.Lock()
	s.setStateLocked(types.StateError)
	s.mu.Unlock()
}

// Abort requests graceful termination of the subprocess, escalating to a
// kill after the configured timeout. The in-flight turn is marked aborted
// rather than silently dropped. Abort without a live process is a no-op.
func (s *Session) Abort() error {
	s.mu.Lock()
	proc := s.proc
	if proc == nil {
		s.mu.Unlock()
		return nil
	}
	s.aborting = true
	s.mu.Unlock()

	proc.terminate(s.abortTimeout)

	// Leave the interrupted turn visible: close the partial message and
	// append the marker.
	if closed := s.machine.CloseOpen(); closed != nil {
		s.persist(context.Background(), closed)
	}
	marker := s.machine.AddMarker(types.MessageStatus, "aborted")
	s.persist(context.Background(), marker)

	event.Publish(event.Event{
		Type: event.Aborted,
		Data: event.AbortedData{SessionID: s.info.ID},
	})

	s.mu.Lock()
	s.aborting = false
	s.pending = nil
	s.proc = nil
	s.setStateLocked(types.StateIdle)
	s.mu.Unlock()
	return nil
}

// Restart tears down the subprocess and reloads the conversation from the
// persisted transcript, returning the session to a clean Idle state with its
// history intact.
func (s *Session) Restart(ctx context.Context) error {
	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	s.pending = nil
	s.mu.Unlock()

	if proc != nil {
		proc.terminate(s.abortTimeout)
	}

	messages, err := s.loadTranscript(ctx)
	if err != nil {
		return err
	}
	s.machine.Load(messages)

	s.mu.Lock()
	s.setStateLocked(types.StateIdle)
	s.mu.Unlock()

	event.Publish(event.Event{
		Type: event.History,
		Data: event.HistoryData{SessionID: s.info.ID, Conversation: s.machine.Snapshot()},
	})
	return nil
}

// close terminates the session for good.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	proc := s.proc
	s.proc = nil
	s.mu.Unlock()

	if proc != nil {
		proc.terminate(s.abortTimeout)
	}
	s.checker.ClearSession(s.info.ID)
}

// setStateLocked transitions the lifecycle state and publishes a status
// event. Callers hold s.mu.
func (s *Session) setStateLocked(state types.SessionState) {
	if s.state == state {
		return
	}
	s.state = state
	event.Publish(event.Event{
		Type: event.Status,
		Data: event.StatusData{SessionID: s.info.ID, State: state},
	})
}

// onTurnDone returns the session to Idle and dispatches the queued message,
// if any.
func (s *Session) onTurnDone(stopReason string, messageID string) {
	event.Publish(event.Event{
		Type: event.Done,
		Data: event.DoneData{SessionID: s.info.ID, MessageID: messageID, StopReason: stopReason},
	})

	s.mu.Lock()
	s.setStateLocked(types.StateIdle)
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	if queued != nil {
		go func() {
			if err := s.SendMessage(context.Background(), queued.Text, queued.Attachments); err != nil {
				logging.Error().Err(err).Str("session", s.info.ID).Msg("failed to dispatch queued message")
			}
		}()
	}
}

// onStreamError surfaces a protocol-level error. The session passes through
// the Error state and settles back on Idle once the error is published.
func (s *Session) onStreamError(message string) {
	s.mu.Lock()
	s.setStateLocked(types.StateError)
	s.mu.Unlock()

	event.Publish(event.Event{
		Type: event.Error,
		Data: event.ErrorData{SessionID: s.info.ID, Message: message},
	})

	s.mu.Lock()
	s.setStateLocked(types.StateIdle)
	s.mu.Unlock()
}

// persist writes a message to the transcript. ULID message keys sort
// lexically in creation order, so a directory scan replays chronologically.
func (s *Session) persist(ctx context.Context, msg *types.Message) {
	if s.store == nil {
		return
	}
	if err := s.store.Put(ctx, []string{"message", s.info.ID, msg.ID}, msg); err != nil {
		logging.Warn().Err(err).Str("session", s.info.ID).Str("message", msg.ID).Msg("failed to persist message")
	}
}

// loadTranscript reads the persisted conversation back, in key order.
func (s *Session) loadTranscript(ctx context.Context) ([]*types.Message, error) {
	if s.store == nil {
		return nil, nil
	}
	var messages []*types.Message
	err := s.store.Scan(ctx, []string{"message", s.info.ID}, func(key string, data json.RawMessage) error {
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("skipping unreadable transcript entry")
			return nil
		}
		messages = append(messages, &msg)
		return nil
	})
	return messages, err
}

func newSessionID() string {
	return ulid.Make().String()
}
