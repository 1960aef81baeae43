package scripting

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/lexlapax/engram/pkg/log"
	lua "github.com/yuin/gopher-lua"
)

// LuaEngine implements Engine on a single gopher-lua state. Lua states are
// not goroutine safe, so every call holds the engine's mutex.
type LuaEngine struct {
	mu     sync.Mutex
	state  *lua.LState
	config Config
}

// NewLuaEngine creates a Lua state with the engram API registered.
func NewLuaEngine(config Config) (*LuaEngine, error) {
	if config.ScriptTimeout <= 0 {
		config.ScriptTimeout = DefaultConfig().ScriptTimeout
	}

	var L *lua.LState
	if config.EnableSandboxing {
		L = lua.NewState(lua.Options{SkipOpenLibs: true})
		setupSandbox(L)
	} else {
		L = lua.NewState()
	}
	registerAPIFunctions(L)

	log.Debug("Lua scripting engine initialized",
		"sandboxed", config.EnableSandboxing,
		"timeout", config.ScriptTimeout,
	)
	return &LuaEngine{state: L, config: config}, nil
}

// LoadScript implements Engine.
func (e *LuaEngine) LoadScript(name string, content []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn, err := e.state.Load(bytes.NewReader(content), name)
	if err != nil {
		return fmt.Errorf("failed to compile script %s: %w", name, err)
	}
	e.state.Push(fn)
	if err := e.state.PCall(0, lua.MultRet, nil); err != nil {
		return fmt.Errorf("failed to run script %s: %w", name, err)
	}

	log.Debug("Loaded Lua script", "name", name, "bytes", len(content))
	return nil
}

// LoadScriptFile implements Engine.
func (e *LuaEngine) LoadScriptFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return e.LoadScript(filepath.Base(path), content)
}

// LoadScriptDir implements Engine. Files are loaded in name order; files
// without a .lua extension are skipped.
func (e *LuaEngine) LoadScriptDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read script directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if err := e.LoadScriptFile(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	log.Info("Loaded Lua scripts", "dir", dir, "count", len(names))
	return nil
}

// HasFunction implements Engine.
func (e *LuaEngine) HasFunction(funcName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.state.GetGlobal(funcName).(*lua.LFunction)
	return ok
}

// ExecuteFunction implements Engine. The call is bounded by the configured
// script timeout and by ctx. A global table ctx exposes the deadline to the
// script when one is set.
func (e *LuaEngine) ExecuteFunction(ctx context.Context, funcName string, args ...interface{}) (interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn, ok := e.state.GetGlobal(funcName).(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, funcName)
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.ScriptTimeout)
	defer cancel()
	e.state.SetContext(ctx)
	defer e.state.RemoveContext()

	ctxTable := e.state.NewTable()
	if deadline, ok := ctx.Deadline(); ok {
		ctxTable.RawSetString("deadline", lua.LNumber(deadline.Unix()))
	}
	e.state.SetGlobal("ctx", ctxTable)

	luaArgs := make([]lua.LValue, len(args))
	for i, arg := range args {
		luaArgs[i] = convertGoToLua(e.state, arg)
	}

	err := e.state.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, luaArgs...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("lua function %s interrupted: %w", funcName, ctx.Err())
		}
		return nil, fmt.Errorf("lua function %s failed: %w", funcName, err)
	}

	ret := e.state.Get(-1)
	e.state.Pop(1)
	return convertLuaToGo(ret), nil
}

// Close implements Engine.
func (e *LuaEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Close()
	return nil
}
