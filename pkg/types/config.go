package types

import "time"

// Config is the merged warden configuration.
type Config struct {
	// AgentCommand is the agent subprocess invocation: binary followed by
	// base arguments. The working directory and prompt are appended per
	// session.
	AgentCommand []string `json:"agentCommand,omitempty"`

	// Directory overrides the working directory for the main session.
	Directory string `json:"directory,omitempty"`

	// PermissionsFile is the durable, project-scoped allow-list location.
	// Relative paths are resolved against the project directory.
	PermissionsFile string `json:"permissionsFile,omitempty"`

	// MCPServers are helper processes started at init and stopped at close.
	MCPServers map[string]MCPServerConfig `json:"mcpServers,omitempty"`

	// LogLevel is one of DEBUG, INFO, WARN, ERROR, FATAL.
	LogLevel string `json:"logLevel,omitempty"`

	// AbortTimeoutMS bounds the graceful-termination wait before a kill.
	AbortTimeoutMS int `json:"abortTimeoutMS,omitempty"`
}

// AbortTimeout returns the configured abort timeout, or zero when unset so
// the session manager applies its default.
func (c *Config) AbortTimeout() time.Duration {
	return time.Duration(c.AbortTimeoutMS) * time.Millisecond
}

// MCPServerConfig describes one helper process.
type MCPServerConfig struct {
	Command     []string          `json:"command"`
	Environment map[string]string `json:"environment,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
	TimeoutMS   int               `json:"timeoutMS,omitempty"`
}

// ServerEnabled reports whether the server should be started. Servers are
// enabled unless explicitly disabled.
func (c MCPServerConfig) ServerEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
