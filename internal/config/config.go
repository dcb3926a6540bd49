// Package config loads the layered warden configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"

	"github.com/wardenhq/warden/internal/logging"
	"github.com/wardenhq/warden/pkg/types"
)

// Load loads configuration from multiple sources (priority order, later
// wins):
//  1. Global config (~/.config/warden/warden.json[c])
//  2. Project config (<directory>/.warden/warden.json[c])
//  3. WARDEN_CONFIG file
//  4. WARDEN_CONFIG_CONTENT inline JSON
//
// A .env file in the project directory is loaded into the environment first,
// so agent and MCP server commands can rely on it.
func Load(directory string) (*types.Config, error) {
	if directory != "" {
		// Missing .env is the normal case.
		_ = godotenv.Load(filepath.Join(directory, ".env"))
	}

	config := &types.Config{
		MCPServers: make(map[string]types.MCPServerConfig),
	}

	loaded := make(map[string]bool)
	loadOnce := func(path string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadFile(path, config) == nil {
			loaded[absPath] = true
		}
	}

	globalDir := globalConfigDir()
	loadOnce(filepath.Join(globalDir, "warden.json"))
	loadOnce(filepath.Join(globalDir, "warden.jsonc"))

	if directory != "" {
		projectDir := filepath.Join(directory, ".warden")
		loadOnce(filepath.Join(projectDir, "warden.json"))
		loadOnce(filepath.Join(projectDir, "warden.jsonc"))
	}

	if path := os.Getenv("WARDEN_CONFIG"); path != "" {
		loadOnce(path)
	}

	if content := os.Getenv("WARDEN_CONFIG_CONTENT"); content != "" {
		var inline types.Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(content)), &inline); err == nil {
			merge(config, &inline)
		} else {
			logging.Warn().Err(err).Msg("ignoring invalid WARDEN_CONFIG_CONTENT")
		}
	}

	applyDefaults(config, directory)
	return config, nil
}

func loadFile(path string, config *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var layer types.Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &layer); err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("skipping invalid config file")
		return err
	}

	merge(config, &layer)
	logging.Debug().Str("path", path).Msg("loaded config file")
	return nil
}

// merge overlays src on dst, field by field.
func merge(dst, src *types.Config) {
	if len(src.AgentCommand) > 0 {
		dst.AgentCommand = src.AgentCommand
	}
	if src.Directory != "" {
		dst.Directory = src.Directory
	}
	if src.PermissionsFile != "" {
		dst.PermissionsFile = src.PermissionsFile
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.AbortTimeoutMS != 0 {
		dst.AbortTimeoutMS = src.AbortTimeoutMS
	}
	for name, server := range src.MCPServers {
		dst.MCPServers[name] = server
	}
}

func applyDefaults(config *types.Config, directory string) {
	if config.Directory == "" {
		config.Directory = directory
	}
	if config.PermissionsFile == "" {
		config.PermissionsFile = filepath.Join(".warden", "permissions.txt")
	}
	if !filepath.IsAbs(config.PermissionsFile) && config.Directory != "" {
		config.PermissionsFile = filepath.Join(config.Directory, config.PermissionsFile)
	}
}

// globalConfigDir returns the XDG-compatible global config directory.
func globalConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "warden")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "warden")
}

// StorageDir returns the directory for transcripts and other durable state,
// scoped to the project.
func StorageDir(directory string) string {
	return filepath.Join(directory, ".warden", "storage")
}
