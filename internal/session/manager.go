package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/event"
	"github.com/wardenhq/warden/internal/logging"
	"github.com/wardenhq/warden/internal/mcp"
	"github.com/wardenhq/warden/internal/permission"
	"github.com/wardenhq/warden/internal/storage"
	"github.com/wardenhq/warden/pkg/types"
)

// DefaultAbortTimeout bounds the graceful-termination wait.
const DefaultAbortTimeout = 5 * time.Second

// Manager owns every live session plus the shared helper processes. Sessions
// run fully concurrently; the manager only serializes its own registry.
type Manager struct {
	checker      *permission.Checker
	store        *storage.Storage
	servers      *mcp.Manager
	agentCommand []string
	abortTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Options configures a Manager.
type Options struct {
	Checker      *permission.Checker
	Store        *storage.Storage
	Servers      *mcp.Manager
	AgentCommand []string
	AbortTimeout time.Duration
}

// NewManager creates a session manager and starts the configured helper
// processes. Starting is idempotent: servers already running are skipped.
func NewManager(ctx context.Context, opts Options) *Manager {
	if opts.AbortTimeout == 0 {
		opts.AbortTimeout = DefaultAbortTimeout
	}

	m := &Manager{
		checker:      opts.Checker,
		store:        opts.Store,
		servers:      opts.Servers,
		agentCommand: opts.AgentCommand,
		abortTimeout: opts.AbortTimeout,
		sessions:     make(map[string]*Session),
	}

	if m.servers != nil {
		m.servers.StartAll(ctx)
	}
	return m
}

// Spawn creates the main session for a directory.
func (m *Manager) Spawn(directory, title string) *Session {
	return m.spawn(nil, directory, title)
}

// spawnChild creates a sub-agent session from a Task tool call and hands it
// the task prompt. The send runs off the parent's read loop; it spawns the
// child subprocess.
func (m *Manager) spawnChild(parent *Session, use *types.ToolUseFragment) *Session {
	title := "sub-agent"
	if desc, ok := use.Input["description"].(string); ok && desc != "" {
		title = desc
	}
	parentID := parent.ID()
	child := m.spawn(&parentID, parent.Info().Directory, title)
	logging.Info().
		Str("parent", parentID).
		Str("child", child.ID()).
		Str("tool_use", use.ToolUseID).
		Msg("sub-agent spawned")

	if prompt, ok := use.Input["prompt"].(string); ok && prompt != "" {
		go func() {
			if err := child.SendMessage(context.Background(), prompt, nil); err != nil {
				logging.Error().
					Err(err).
					Str("child", child.ID()).
					Msg("failed to start sub-agent task")
			}
		}()
	}
	return child
}

func (m *Manager) spawn(parentID *string, directory, title string) *Session {
	now := time.Now().UnixMilli()
	info := types.SessionInfo{
		ID:        newSessionID(),
		ParentID:  parentID,
		Directory: directory,
		Title:     title,
		Time:      types.SessionTime{Created: now, Updated: now},
	}

	s := newSession(m, info)

	m.mu.Lock()
	m.sessions[info.ID] = s
	m.mu.Unlock()

	event.Publish(event.Event{
		Type: event.AgentSpawned,
		Data: event.AgentSpawnedData{Info: &info},
	})
	return s
}

// Get returns a session by id.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("unknown session: %s", sessionID)
	}
	return s, nil
}

// List returns all live sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Terminate tears down one session and removes it from the registry.
func (m *Manager) Terminate(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown session: %s", sessionID)
	}

	s.close()
	event.Publish(event.Event{
		Type: event.AgentTerminated,
		Data: event.AgentTerminatedData{SessionID: sessionID, Reason: "terminated"},
	})
	return nil
}

// Close terminates all sessions and stops the helper processes.
func (m *Manager) Close() error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}

	if m.servers != nil {
		return m.servers.Close()
	}
	return nil
}
