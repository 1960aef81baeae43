// Package scripting hosts user supplied Lua scripts that customize
// maintenance, such as reacting to bursts of feedback.
package scripting

import (
	"context"
	"errors"
	"time"
)

// ErrFunctionNotFound is returned when a called Lua function is not defined.
var ErrFunctionNotFound = errors.New("lua function not found")

// Engine is the interface for the Lua scripting engine.
type Engine interface {
	// LoadScript loads a Lua script with the given name and content.
	LoadScript(name string, content []byte) error

	// LoadScriptFile loads a Lua script from a file path.
	LoadScriptFile(path string) error

	// LoadScriptDir loads all Lua scripts from a directory.
	LoadScriptDir(dir string) error

	// HasFunction reports whether a global Lua function is defined.
	HasFunction(funcName string) bool

	// ExecuteFunction calls a Lua function with the given arguments.
	// The function should be previously loaded via LoadScript or LoadScriptFile.
	ExecuteFunction(ctx context.Context, funcName string, args ...interface{}) (interface{}, error)

	// Close releases resources associated with the engine.
	Close() error
}

// Config contains configuration options for the scripting engine.
type Config struct {
	// Enabled turns script hooks on
	Enabled bool `yaml:"enabled"`

	// ScriptDir is loaded at startup when set
	ScriptDir string `yaml:"script_dir"`

	// EnableSandboxing restricts access to potentially dangerous Lua modules like os and io
	EnableSandboxing bool `yaml:"enable_sandboxing"`

	// ScriptTimeout bounds a single function call
	ScriptTimeout time.Duration `yaml:"script_timeout"`
}

// DefaultConfig returns the default configuration for the scripting engine.
func DefaultConfig() Config {
	return Config{
		Enabled:          false,
		EnableSandboxing: true,
		ScriptTimeout:    time.Second,
	}
}
