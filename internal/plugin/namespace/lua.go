package namespace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// LuaFactory constructs gopher-lua script namespaces. Unlike the wasm and
// binary backends, a Lua namespace does not retain an interpreter across
// calls: every Call creates a fresh *lua.LState, executes the script in it,
// and closes it immediately, so no closure over a previous call's globals
// can leak state between isolated invocations.
type LuaFactory struct{}

func (f *LuaFactory) Kind() string { return "lua" }

func (f *LuaFactory) Load(_ context.Context, stagedPath, entry string) (Namespace, error) {
	scriptPath := filepath.Join(stagedPath, entry)
	code, err := os.ReadFile(scriptPath) //nolint:gosec // scriptPath is built from a staged, host-controlled directory
	if err != nil {
		return nil, fmt.Errorf("namespace/lua: read %s: %w", scriptPath, err)
	}

	// Validate syntax once at load time in a throwaway state so LoadError
	// surfaces immediately rather than on the first Call.
	validate := lua.NewState()
	defer validate.Close()
	if err := validate.DoString(string(code)); err != nil {
		return nil, fmt.Errorf("namespace/lua: syntax error in %s: %w", scriptPath, err)
	}

	return &luaNamespace{code: string(code)}, nil
}

type luaNamespace struct {
	mu   sync.Mutex
	code string
}

// Call runs the script in a fresh LState, calls the global function named
// fn with payload as a single string argument, and returns its single
// string return value.
func (n *luaNamespace) Call(_ context.Context, fn string, payload []byte) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	L := lua.NewState()
	defer L.Close()

	if err := L.DoString(n.code); err != nil {
		return nil, fmt.Errorf("namespace/lua: load code: %w", err)
	}

	handler := L.GetGlobal(fn)
	if handler.Type() != lua.LTFunction {
		return nil, nil
	}

	if err := L.CallByParam(lua.P{
		Fn:      handler,
		NRet:    1,
		Protect: true,
	}, lua.LString(payload)); err != nil {
		return nil, fmt.Errorf("namespace/lua: call %s: %w", fn, err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	if ret.Type() == lua.LTNil {
		return nil, nil
	}
	return []byte(ret.String()), nil
}

// Close is a no-op: a Lua namespace holds no interpreter state between
// calls, so there is nothing to tear down. The staged bundle directory
// itself is released by the loader's staging cleanup.
func (n *luaNamespace) Close(_ context.Context) error { return nil }
