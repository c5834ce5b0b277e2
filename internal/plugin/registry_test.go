package plugin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plugins "github.com/kitakeyos/pluginhost/internal/plugin"
)

type stubInstance struct{}

func (stubInstance) OnLoad() error    { return nil }
func (stubInstance) OnEnable() error  { return nil }
func (stubInstance) OnDisable() error { return nil }
func (stubInstance) OnUnload() error  { return nil }

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := plugins.NewRegistry()

	err := r.Register("echo", stubInstance{})
	require.NoError(t, err)

	inst, ok := r.Get("echo")
	assert.True(t, ok)
	assert.NotNil(t, inst)
	assert.Equal(t, plugins.StateLoaded, r.GetState("echo"))
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := plugins.NewRegistry()
	require.NoError(t, r.Register("echo", stubInstance{}))

	err := r.Register("echo", stubInstance{})
	require.Error(t, err)
	var alreadyErr *plugins.AlreadyRegisteredError
	assert.ErrorAs(t, err, &alreadyErr)
}

func TestRegistry_UnregisterRemovesInstanceAndState(t *testing.T) {
	r := plugins.NewRegistry()
	require.NoError(t, r.Register("echo", stubInstance{}))

	existed := r.Unregister("echo")
	assert.True(t, existed)

	_, ok := r.Get("echo")
	assert.False(t, ok)
	assert.Equal(t, plugins.StateError, r.GetState("echo"))

	assert.False(t, r.Unregister("echo"))
}

func TestRegistry_SetState_ValidatesTransition(t *testing.T) {
	r := plugins.NewRegistry()
	require.NoError(t, r.Register("echo", stubInstance{}))

	require.NoError(t, r.SetState("echo", plugins.StateEnabled))
	assert.Equal(t, plugins.StateEnabled, r.GetState("echo"))

	err := r.SetState("echo", plugins.StateLoaded)
	require.Error(t, err)
	var transErr *plugins.InvalidTransitionError
	assert.ErrorAs(t, err, &transErr)
}

func TestRegistry_SetState_RecoveryFromError(t *testing.T) {
	r := plugins.NewRegistry()
	require.NoError(t, r.Register("echo", stubInstance{}))
	require.NoError(t, r.SetState("echo", plugins.StateError))

	// Any transition out of ERROR is legal.
	require.NoError(t, r.SetState("echo", plugins.StateDisabled))
	assert.Equal(t, plugins.StateDisabled, r.GetState("echo"))
}

func TestRegistry_SetState_UnknownName(t *testing.T) {
	r := plugins.NewRegistry()
	err := r.SetState("missing", plugins.StateEnabled)
	require.Error(t, err)
	var notFound *plugins.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestRegistry_ForceState(t *testing.T) {
	r := plugins.NewRegistry()
	require.NoError(t, r.Register("echo", stubInstance{}))

	r.ForceState("echo", plugins.StateEnabled)
	assert.Equal(t, plugins.StateEnabled, r.GetState("echo"))

	// No-op for unknown names.
	r.ForceState("missing", plugins.StateEnabled)
	assert.Equal(t, plugins.StateError, r.GetState("missing"))
}

func TestRegistry_StatusSnapshot(t *testing.T) {
	r := plugins.NewRegistry()
	require.NoError(t, r.Register("a", stubInstance{}))
	require.NoError(t, r.Register("b", stubInstance{}))
	require.NoError(t, r.SetState("a", plugins.StateEnabled))

	status := r.StatusSnapshot()
	assert.Equal(t, 2, status.Total)
	assert.Equal(t, 1, status.Counts[plugins.StateEnabled])
	assert.Equal(t, 1, status.Counts[plugins.StateLoaded])
}
