package namespace_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kitakeyos/pluginhost/internal/plugin/namespace"
)

func writeLuaScript(t *testing.T, dir, name, code string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(code), 0o644))
	return name
}

func TestLuaFactory_LoadAndCallRoundTrip(t *testing.T) {
	dir := t.TempDir()
	entry := writeLuaScript(t, dir, "plugin.lua", `
function on_load(payload)
  return "loaded:" .. payload
end
`)

	f := &namespace.LuaFactory{}
	ns, err := f.Load(context.Background(), dir, entry)
	require.NoError(t, err)
	require.NotNil(t, ns)
	defer ns.Close(context.Background())

	out, err := ns.Call(context.Background(), "on_load", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "loaded:hello", string(out))
}

func TestLuaFactory_CallUndefinedFunctionReturnsNil(t *testing.T) {
	dir := t.TempDir()
	entry := writeLuaScript(t, dir, "plugin.lua", `x = 1`)

	f := &namespace.LuaFactory{}
	ns, err := f.Load(context.Background(), dir, entry)
	require.NoError(t, err)
	defer ns.Close(context.Background())

	out, err := ns.Call(context.Background(), "on_enable", []byte("ignored"))
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestLuaFactory_LoadRejectsSyntaxError(t *testing.T) {
	dir := t.TempDir()
	entry := writeLuaScript(t, dir, "plugin.lua", `function broken( end`)

	f := &namespace.LuaFactory{}
	_, err := f.Load(context.Background(), dir, entry)
	require.Error(t, err)
}

func TestLuaFactory_CallsAreIsolatedAcrossInvocations(t *testing.T) {
	dir := t.TempDir()
	entry := writeLuaScript(t, dir, "plugin.lua", `
counter = 0
function bump(payload)
  counter = counter + 1
  return tostring(counter)
end
`)

	f := &namespace.LuaFactory{}
	ns, err := f.Load(context.Background(), dir, entry)
	require.NoError(t, err)
	defer ns.Close(context.Background())

	first, err := ns.Call(context.Background(), "bump", nil)
	require.NoError(t, err)
	second, err := ns.Call(context.Background(), "bump", nil)
	require.NoError(t, err)

	// A fresh LState per call means no shared global state leaks between
	// invocations: both calls observe counter starting from 0.
	assert.Equal(t, "1", string(first))
	assert.Equal(t, "1", string(second))
}

func TestLuaFactory_Kind(t *testing.T) {
	assert.Equal(t, "lua", (&namespace.LuaFactory{}).Kind())
}
