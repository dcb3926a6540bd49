// Package mcp manages the long-lived helper processes (MCP servers) attached
// to a warden instance, over the official MCP Go SDK's stdio transport.
package mcp

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wardenhq/warden/internal/logging"
	"github.com/wardenhq/warden/pkg/types"
)

// Status is the lifecycle state of one managed server.
type Status string

const (
	StatusStopped    Status = "stopped"
	StatusConnecting Status = "connecting"
	StatusRunning    Status = "running"
	StatusFailed     Status = "failed"
	StatusDisabled   Status = "disabled"
)

// ServerState is the externally visible state of one server. The start and
// stop counters make idempotency verifiable: starting an already-running
// server must not bump StartCount.
type ServerState struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	StartCount int    `json:"startCount"`
	StopCount  int    `json:"stopCount"`
	Error      string `json:"error,omitempty"`
}

type server struct {
	name    string
	config  types.MCPServerConfig
	session *sdkmcp.ClientSession
	state   ServerState
}

// Manager starts helper processes at init and stops them at close. All
// operations are idempotent.
type Manager struct {
	mu        sync.Mutex
	servers   map[string]*server
	sdkClient *sdkmcp.Client
}

// NewManager creates a manager for the configured servers. Nothing is
// started yet.
func NewManager(configs map[string]types.MCPServerConfig) *Manager {
	m := &Manager{
		servers: make(map[string]*server),
		sdkClient: sdkmcp.NewClient(&sdkmcp.Implementation{
			Name:    "warden",
			Version: "1.0.0",
		}, nil),
	}
	for name, cfg := range configs {
		st := StatusStopped
		if !cfg.ServerEnabled() {
			st = StatusDisabled
		}
		m.servers[name] = &server{
			name:   name,
			config: cfg,
			state:  ServerState{Name: name, Status: st},
		}
	}
	return m
}

// StartAll starts every enabled server that is not already running. Servers
// that fail to start are recorded as failed; one bad server never blocks the
// rest.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, srv := range m.servers {
		if err := m.startLocked(ctx, srv); err != nil {
			logging.Warn().Err(err).Str("server", srv.name).Msg("mcp server failed to start")
		}
	}
}

// Start starts one server by name. Starting a running server is a no-op.
func (m *Manager) Start(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	srv, ok := m.servers[name]
	if !ok {
		return fmt.Errorf("unknown mcp server: %s", name)
	}
	return m.startLocked(ctx, srv)
}

func (m *Manager) startLocked(ctx context.Context, srv *server) error {
	switch srv.state.Status {
	case StatusRunning, StatusConnecting:
		return nil
	case StatusDisabled:
		return nil
	}

	if len(srv.config.Command) == 0 {
		srv.state.Status = StatusFailed
		srv.state.Error = "empty command"
		return fmt.Errorf("mcp server %s: empty command", srv.name)
	}

	timeout := time.Duration(srv.config.TimeoutMS) * time.Millisecond
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	srv.state.Status = StatusConnecting

	cmd := exec.Command(srv.config.Command[0], srv.config.Command[1:]...)
	cmd.Env = os.Environ()
	for k, v := range srv.config.Environment {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := m.sdkClient.Connect(connectCtx, &sdkmcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		srv.state.Status = StatusFailed
		srv.state.Error = err.Error()
		return fmt.Errorf("mcp server %s: %w", srv.name, err)
	}

	srv.session = session
	srv.state.Status = StatusRunning
	srv.state.Error = ""
	srv.state.StartCount++

	logging.Info().Str("server", srv.name).Msg("mcp server started")
	return nil
}

// Stop stops one server. Stopping a stopped server is a no-op.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	srv, ok := m.servers[name]
	if !ok {
		return fmt.Errorf("unknown mcp server: %s", name)
	}
	m.stopLocked(srv)
	return nil
}

func (m *Manager) stopLocked(srv *server) {
	if srv.state.Status != StatusRunning {
		return
	}
	if srv.session != nil {
		srv.session.Close()
		srv.session = nil
	}
	srv.state.Status = StatusStopped
	srv.state.StopCount++
	logging.Info().Str("server", srv.name).Msg("mcp server stopped")
}

// Close stops all running servers.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, srv := range m.servers {
		m.stopLocked(srv)
	}
	return nil
}

// States returns the state of every managed server.
func (m *Manager) States() []ServerState {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make([]ServerState, 0, len(m.servers))
	for _, srv := range m.servers {
		states = append(states, srv.state)
	}
	return states
}

// State returns the state of one server.
func (m *Manager) State(name string) (ServerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	srv, ok := m.servers[name]
	if !ok {
		return ServerState{}, fmt.Errorf("unknown mcp server: %s", name)
	}
	return srv.state, nil
}
