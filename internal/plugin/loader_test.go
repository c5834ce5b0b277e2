package plugin_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plugins "github.com/kitakeyos/pluginhost/internal/plugin"
	"github.com/kitakeyos/pluginhost/internal/plugin/namespace"
)

// fakeNamespace is an in-memory namespace.Namespace double: Call records
// every invocation and Close marks itself closed, standing in for the
// wasm/lua/binary backends in loader tests that don't need a real runtime.
type fakeNamespace struct {
	calls  []string
	closed bool
}

func (f *fakeNamespace) Call(_ context.Context, fn string, _ []byte) ([]byte, error) {
	f.calls = append(f.calls, fn)
	return nil, nil
}

func (f *fakeNamespace) Close(_ context.Context) error {
	f.closed = true
	return nil
}

type fakeFactory struct {
	kind string
	last *fakeNamespace
	err  error
}

func (f *fakeFactory) Kind() string { return f.kind }

func (f *fakeFactory) Load(_ context.Context, _, _ string) (namespace.Namespace, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.last = &fakeNamespace{}
	return f.last, nil
}

func writeTestBundle(t *testing.T, root, name, runtime string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest := "name=" + name + "\nversion=1.0.0\nmain=" + name + ".bin\n"
	if runtime != "" {
		manifest += "runtime=" + runtime + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.ini"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".bin"), []byte("payload"), 0o644))
	return dir
}

func TestLoader_LoadMetadata_FromManifest(t *testing.T) {
	root := t.TempDir()
	bundle := writeTestBundle(t, root, "echo", "wasm")
	loader := plugins.NewLoader(t.TempDir(), nil)

	meta, err := loader.LoadMetadata(bundle)
	require.NoError(t, err)
	assert.Equal(t, "echo", meta.Name)
	assert.Equal(t, "wasm", meta.Runtime)
}

func TestLoader_LoadPlugin_StagesAndConstructsNamespace(t *testing.T) {
	root := t.TempDir()
	bundle := writeTestBundle(t, root, "echo", "wasm")
	factory := &fakeFactory{kind: "wasm"}
	loader := plugins.NewLoader(t.TempDir(), nil, factory)

	meta, err := loader.LoadMetadata(bundle)
	require.NoError(t, err)

	inst, err := loader.LoadPlugin(context.Background(), bundle, meta)
	require.NoError(t, err)
	require.NotNil(t, inst)
	require.NotNil(t, factory.last)

	staged, ok := loader.StagedPath("echo")
	require.True(t, ok)
	assert.FileExists(t, filepath.Join(staged, "echo.bin"))

	checksum, ok := loader.StagedChecksum("echo")
	require.True(t, ok)
	assert.NotEmpty(t, checksum)

	require.NoError(t, inst.OnLoad())
	assert.Equal(t, []string{"on_load"}, factory.last.calls)
}

func TestLoader_LoadPlugin_UnknownRuntimeFails(t *testing.T) {
	root := t.TempDir()
	bundle := writeTestBundle(t, root, "echo", "unknown-runtime")
	loader := plugins.NewLoader(t.TempDir(), nil, &fakeFactory{kind: "wasm"})

	meta, err := loader.LoadMetadata(bundle)
	require.NoError(t, err)

	_, err = loader.LoadPlugin(context.Background(), bundle, meta)
	require.Error(t, err)
	var loadErr *plugins.LoadError
	assert.ErrorAs(t, err, &loadErr)
}

func TestLoader_Cleanup_RemovesStagingAndClosesNamespace(t *testing.T) {
	root := t.TempDir()
	bundle := writeTestBundle(t, root, "echo", "wasm")
	factory := &fakeFactory{kind: "wasm"}
	loader := plugins.NewLoader(t.TempDir(), nil, factory)

	meta, err := loader.LoadMetadata(bundle)
	require.NoError(t, err)
	_, err = loader.LoadPlugin(context.Background(), bundle, meta)
	require.NoError(t, err)

	staged, ok := loader.StagedPath("echo")
	require.True(t, ok)

	require.NoError(t, loader.Cleanup("echo"))

	_, ok = loader.StagedPath("echo")
	assert.False(t, ok)
	assert.NoDirExists(t, staged)
	assert.True(t, factory.last.closed)
}

func TestLoader_Cleanup_AbsentNameIsSafe(t *testing.T) {
	loader := plugins.NewLoader(t.TempDir(), nil)
	assert.NoError(t, loader.Cleanup("nothing-staged"))
}

func TestLoader_LoadPlugin_RestagesOverPriorLoad(t *testing.T) {
	root := t.TempDir()
	bundle := writeTestBundle(t, root, "echo", "wasm")
	factory := &fakeFactory{kind: "wasm"}
	loader := plugins.NewLoader(t.TempDir(), nil, factory)

	meta, err := loader.LoadMetadata(bundle)
	require.NoError(t, err)

	_, err = loader.LoadPlugin(context.Background(), bundle, meta)
	require.NoError(t, err)
	firstStaged, _ := loader.StagedPath("echo")
	firstNS := factory.last

	_, err = loader.LoadPlugin(context.Background(), bundle, meta)
	require.NoError(t, err)
	secondStaged, _ := loader.StagedPath("echo")

	assert.NotEqual(t, firstStaged, secondStaged)
	assert.NoDirExists(t, firstStaged)
	assert.True(t, firstNS.closed)
}

func TestLoader_LoadPlugin_RegistersDeclaredExtensionPoints(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "greeter")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest := "name=greeter\nversion=1.0.0\nmain=greeter.bin\nruntime=wasm\n" +
		"extension-points=command\nextensions=command=5\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.ini"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeter.bin"), []byte("payload"), 0o644))

	extensions := plugins.NewExtensionManager()
	loader := plugins.NewLoader(t.TempDir(), extensions, &fakeFactory{kind: "wasm"})

	meta, err := loader.LoadMetadata(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"command"}, meta.ExtensionPoints)

	_, err = loader.LoadPlugin(context.Background(), dir, meta)
	require.NoError(t, err)

	got := extensions.Get("command")
	assert.Len(t, got, 1)
}

func TestLoader_TempStats_ReportsStagedBytes(t *testing.T) {
	root := t.TempDir()
	bundle := writeTestBundle(t, root, "echo", "wasm")
	stagingDir := t.TempDir()
	loader := plugins.NewLoader(stagingDir, nil, &fakeFactory{kind: "wasm"})

	meta, err := loader.LoadMetadata(bundle)
	require.NoError(t, err)
	_, err = loader.LoadPlugin(context.Background(), bundle, meta)
	require.NoError(t, err)

	count, bytes, dir := loader.TempStats()
	assert.Greater(t, count, 0)
	assert.Greater(t, bytes, int64(0))
	assert.Equal(t, stagingDir, dir)
}
