package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wardenhq/warden/internal/conversation"
	"github.com/wardenhq/warden/internal/event"
	"github.com/wardenhq/warden/internal/logging"
	"github.com/wardenhq/warden/internal/protocol"
	"github.com/wardenhq/warden/pkg/types"
)

// ErrSessionClosed is returned when operating on a terminated session.
var ErrSessionClosed = errors.New("session closed")

// ErrSessionErrored is returned when sending into a session parked in the
// error state. Only Restart recovers it.
var ErrSessionErrored = errors.New("session errored, restart to recover")

// maxLineSize bounds one protocol line. Tool results can carry whole files.
const maxLineSize = 16 * 1024 * 1024

// process wraps the agent subprocess and its pipes. It is created once per
// spawn; a restart makes a fresh one.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader

	writeMu sync.Mutex
	done    chan struct{} // closed when Wait returns
}

// ensureProcess spawns the subprocess if it is not already running. Spawning
// retries briefly with exponential backoff before giving up: a transient
// fork failure should not park the session in Error.
func (s *Session) ensureProcess(ctx context.Context) error {
	s.mu.Lock()
	if s.proc != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if len(s.agentCommand) == 0 {
		return errors.New("no agent command configured")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(200*time.Millisecond)), 3), ctx)

	var proc *process
	err := backoff.Retry(func() error {
		p, err := s.spawn()
		if err != nil {
			logging.Warn().Err(err).Str("session", s.info.ID).Msg("agent spawn failed, retrying")
			return err
		}
		proc = p
		return nil
	}, policy)
	if err != nil {
		return fmt.Errorf("failed to spawn agent: %w", err)
	}

	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()

	go s.readLoop(proc)

	event.Publish(event.Event{
		Type: event.Connected,
		Data: event.ConnectedData{SessionID: s.info.ID},
	})
	return nil
}

func (s *Session) spawn() (*process, error) {
	cmd := exec.Command(s.agentCommand[0], s.agentCommand[1:]...)
	cmd.Dir = s.info.Directory

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	proc := &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		done:   make(chan struct{}),
	}

	go drainStderr(s.info.ID, stderr)
	go func() {
		_ = cmd.Wait()
		close(proc.done)
	}()

	logging.Info().
		Str("session", s.info.ID).
		Str("dir", s.info.Directory).
		Int("pid", cmd.Process.Pid).
		Msg("agent process started")
	return proc, nil
}

// readLoop consumes the subprocess's stdout strictly in arrival order. Each
// line is decoded synchronously; only the permission wait suspends.
func (s *Session) readLoop(proc *process) {
	scanner := bufio.NewScanner(proc.stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		decoded := protocol.DecodeLine(line)
		if decoded.Empty() {
			continue
		}

		s.mu.Lock()
		if s.state == types.StateProcessing {
			s.setStateLocked(types.StateReceivingResponse)
		}
		s.mu.Unlock()

		s.applyDecoded(decoded)
	}

	if err := scanner.Err(); err != nil {
		logging.Warn().Err(err).Str("session", s.info.ID).Msg("agent stream read error")
	}
	s.onProcessExit(proc)
}

// applyDecoded folds one decoded line into the conversation and fans the
// resulting delta out to observers and the permission engine.
func (s *Session) applyDecoded(decoded protocol.Decoded) {
	ctx := context.Background()
	delta := s.machine.Apply(decoded)

	for _, msg := range delta.Updated {
		s.persist(ctx, msg)
		// Subscribers run concurrently with the next Apply, which mutates a
		// still-streaming message in place. Hand them a copy.
		event.Publish(event.Event{
			Type: event.Message,
			Data: event.MessageData{SessionID: s.info.ID, Message: conversation.CopyMessage(msg)},
		})
		if msg.Type == types.MessageUnknown {
			s.publishUnknown(msg)
		}
	}

	for _, use := range delta.ToolUses {
		s.routeToolUse(ctx, use)
	}

	for _, res := range delta.ToolResults {
		event.Publish(event.Event{
			Type: event.ToolResult,
			Data: event.ToolResultData{
				SessionID: s.info.ID,
				MessageID: res.MessageID,
				Result:    res.Result,
				Orphaned:  res.Orphaned,
			},
		})
		if res.Orphaned {
			logging.Warn().
				Str("session", s.info.ID).
				Str("toolUseID", res.Result.ToolUseID).
				Msg("orphaned tool result recorded")
		}
	}

	if delta.ErrorMessage != "" {
		s.onStreamError(delta.ErrorMessage)
	}

	if delta.TurnDone {
		var lastID string
		if len(delta.Updated) > 0 {
			lastID = delta.Updated[len(delta.Updated)-1].ID
		}
		s.onTurnDone(delta.StopReason, lastID)
	}
}

// routeToolUse passes a detected tool call through the policy engine before
// the tool may proceed. The session's visible state stays whatever it was
// while a human decides; sub-agent spawns are surfaced to the manager.
func (s *Session) routeToolUse(ctx context.Context, use *types.ToolUseFragment) {
	event.Publish(event.Event{
		Type: event.ToolUse,
		Data: event.ToolUseData{SessionID: s.info.ID, Use: use},
	})

	if err := s.checker.Request(ctx, s.info.ID, use.Name, use.Input); err != nil {
		logging.Info().
			Str("session", s.info.ID).
			Str("tool", use.Name).
			Err(err).
			Msg("tool denied")
		event.Publish(event.Event{
			Type: event.Status,
			Data: event.StatusData{
				SessionID: s.info.ID,
				State:     s.State(),
				Text:      fmt.Sprintf("denied %s: %v", use.Name, err),
			},
		})
		return
	}

	if use.Name == "Task" && s.manager != nil {
		s.manager.spawnChild(s, use)
	}
}

func (s *Session) publishUnknown(msg *types.Message) {
	for _, frag := range msg.Fragments {
		if u, ok := frag.(*types.UnknownFragment); ok {
			event.Publish(event.Event{
				Type: event.Unknown,
				Data: event.UnknownData{SessionID: s.info.ID, RawType: u.RawType, Raw: string(u.Raw)},
			})
		}
	}
}

// onProcessExit runs when the subprocess's stdout closes.
func (s *Session) onProcessExit(proc *process) {
	<-proc.done

	s.mu.Lock()
	current := s.proc
	aborting := s.aborting
	inFlight := s.state == types.StateProcessing || s.state == types.StateReceivingResponse
	if current == proc {
		s.proc = nil
	}
	s.mu.Unlock()

	if current != proc || aborting {
		// A restart or abort already owns the teardown.
		return
	}

	event.Publish(event.Event{
		Type: event.AgentTerminated,
		Data: event.AgentTerminatedData{SessionID: s.info.ID, Reason: "process exited"},
	})

	if inFlight {
		s.onStreamError("agent process exited mid-turn")
		if closed := s.machine.CloseOpen(); closed != nil {
			s.persist(context.Background(), closed)
		}
	} else {
		s.mu.Lock()
		s.setStateLocked(types.StateIdle)
		s.mu.Unlock()
	}
}

// writeUserMessage encodes the outgoing message as one protocol line on the
// subprocess's stdin.
func (s *Session) writeUserMessage(text string, attachments []types.Attachment) error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return errors.New("agent process not running")
	}

	content := []map[string]any{{"type": "text", "text": text}}
	for _, att := range attachments {
		content = append(content, map[string]any{
			"type":       "attachment",
			"path":       att.Path,
			"media_type": att.MediaType,
		})
	}
	line := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
	}

	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	proc.writeMu.Lock()
	defer proc.writeMu.Unlock()
	if _, err := proc.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to agent: %w", err)
	}
	return nil
}

// terminate asks the process to exit and escalates to SIGKILL when the
// graceful window elapses. It never hangs: the wait is bounded on both
// paths.
func (p *process) terminate(timeout time.Duration) {
	if p.cmd.Process == nil {
		return
	}

	_ = p.stdin.Close()
	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-p.done:
		return
	case <-time.After(timeout):
	}

	_ = p.cmd.Process.Kill()
	select {
	case <-p.done:
	case <-time.After(timeout):
	}
}

func drainStderr(sessionID string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		logging.Debug().Str("session", sessionID).Str("stderr", scanner.Text()).Msg("agent stderr")
	}
}
