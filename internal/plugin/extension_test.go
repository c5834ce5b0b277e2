package plugin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	plugins "github.com/kitakeyos/pluginhost/internal/plugin"
)

func TestExtensionManager_RegisterAndOrder(t *testing.T) {
	m := plugins.NewExtensionManager()
	m.RegisterExtensionPoint("command")

	registered, skipped := m.RegisterExtensions("echo", []plugins.ExtensionCandidate{
		{Point: "command", Instance: "second", Ordinal: 20, Enabled: true},
		{Point: "command", Instance: "first", Ordinal: 10, Enabled: true},
	})
	assert.Equal(t, 2, registered)
	assert.Empty(t, skipped)

	got := m.Get("command")
	assert.Equal(t, []any{"first", "second"}, got)
}

func TestExtensionManager_SkipsUnknownPoint(t *testing.T) {
	m := plugins.NewExtensionManager()

	registered, skipped := m.RegisterExtensions("echo", []plugins.ExtensionCandidate{
		{Point: "unknown", Instance: "x", Ordinal: 1, Enabled: true},
	})
	assert.Equal(t, 0, registered)
	assert.Equal(t, []string{"unknown"}, skipped)
}

func TestExtensionManager_SkipsDisabledCandidates(t *testing.T) {
	m := plugins.NewExtensionManager()
	m.RegisterExtensionPoint("command")

	registered, _ := m.RegisterExtensions("echo", []plugins.ExtensionCandidate{
		{Point: "command", Instance: "x", Ordinal: 1, Enabled: false},
	})
	assert.Equal(t, 0, registered)
	assert.Empty(t, m.Get("command"))
}

func TestExtensionManager_UnregisterPlugin(t *testing.T) {
	m := plugins.NewExtensionManager()
	m.RegisterExtensionPoint("command")

	m.RegisterExtensions("echo", []plugins.ExtensionCandidate{
		{Point: "command", Instance: "echo-cmd", Ordinal: 1, Enabled: true},
	})
	m.RegisterExtensions("other", []plugins.ExtensionCandidate{
		{Point: "command", Instance: "other-cmd", Ordinal: 2, Enabled: true},
	})

	m.UnregisterPlugin("echo")

	got := m.Get("command")
	assert.Equal(t, []any{"other-cmd"}, got)
}

func TestExtensionManager_GetFirstAndByPlugin(t *testing.T) {
	m := plugins.NewExtensionManager()
	m.RegisterExtensionPoint("command")

	m.RegisterExtensions("a", []plugins.ExtensionCandidate{
		{Point: "command", Instance: "a1", Ordinal: 5, Enabled: true},
	})
	m.RegisterExtensions("b", []plugins.ExtensionCandidate{
		{Point: "command", Instance: "b1", Ordinal: 1, Enabled: true},
	})

	first, ok := m.GetFirst("command")
	assert.True(t, ok)
	assert.Equal(t, "b1", first)

	assert.Equal(t, []any{"a1"}, m.GetByPlugin("command", "a"))
}
