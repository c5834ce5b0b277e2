package update_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kitakeyos/pluginhost/internal/plugin/update"
)

func writeBundle(t *testing.T, dir, name, version string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(path, 0o755))
	manifest := "name=" + name + "\nversion=" + version + "\nmain=" + name + ".wasm\n"
	require.NoError(t, os.WriteFile(filepath.Join(path, "plugin.ini"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(path, name+".wasm"), []byte("code-"+version), 0o644))
	return path
}

func newTestManager(t *testing.T, opts update.Options) (*update.Manager, update.Options) {
	t.Helper()
	root := t.TempDir()
	opts.PluginsDir = filepath.Join(root, "plugins")
	opts.UpdatesDir = filepath.Join(root, "updates")
	opts.BackupsDir = filepath.Join(root, "plugin-backups")
	require.NoError(t, os.MkdirAll(opts.PluginsDir, 0o755))
	require.NoError(t, os.MkdirAll(opts.UpdatesDir, 0o755))
	return update.NewManager(opts), opts
}

func TestScan_InstallWhenNoExistingBundle(t *testing.T) {
	mgr, opts := newTestManager(t, update.Options{CheckVersionConstraints: true})
	writeBundle(t, opts.UpdatesDir, "fresh", "1.0.0")

	candidates, invalid, err := mgr.Scan()
	require.NoError(t, err)
	assert.Empty(t, invalid)
	require.Len(t, candidates, 1)
	assert.Equal(t, update.ClassifyInstall, candidates[0].Classification)
	assert.Equal(t, "fresh", candidates[0].Name)
}

func TestScan_UpdateWhenNewerVersion(t *testing.T) {
	mgr, opts := newTestManager(t, update.Options{CheckVersionConstraints: true})
	writeBundle(t, opts.PluginsDir, "X", "1.0.0")
	writeBundle(t, opts.UpdatesDir, "X", "1.1.0")

	candidates, _, err := mgr.Scan()
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, update.ClassifyUpdate, candidates[0].Classification)
}

func TestScan_SkipsOlderVersionWhenVersionCheckEnabled(t *testing.T) {
	mgr, opts := newTestManager(t, update.Options{CheckVersionConstraints: true})
	writeBundle(t, opts.PluginsDir, "X", "1.2.0")
	writeBundle(t, opts.UpdatesDir, "X", "1.1.9")

	candidates, invalid, err := mgr.Scan()
	require.NoError(t, err)
	assert.Empty(t, invalid)
	assert.Empty(t, candidates)
}

func TestScan_DowngradeWhenVersionCheckDisabled(t *testing.T) {
	mgr, opts := newTestManager(t, update.Options{CheckVersionConstraints: false})
	writeBundle(t, opts.PluginsDir, "X", "1.2.0")
	writeBundle(t, opts.UpdatesDir, "X", "1.1.9")

	candidates, _, err := mgr.Scan()
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, update.ClassifyDowngrade, candidates[0].Classification)
}

func TestScan_InvalidBundleReported(t *testing.T) {
	mgr, opts := newTestManager(t, update.Options{CheckVersionConstraints: true})
	badPath := filepath.Join(opts.UpdatesDir, "broken")
	require.NoError(t, os.MkdirAll(badPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(badPath, "plugin.ini"), []byte("description=no required fields\n"), 0o644))

	candidates, invalid, err := mgr.Scan()
	require.NoError(t, err)
	assert.Empty(t, candidates)
	require.Len(t, invalid, 1)
}

func TestScan_EmptyUpdatesDirReturnsNoCandidates(t *testing.T) {
	mgr, _ := newTestManager(t, update.Options{CheckVersionConstraints: true})

	candidates, invalid, err := mgr.Scan()
	require.NoError(t, err)
	assert.Empty(t, candidates)
	assert.Empty(t, invalid)
}

func TestApply_InstallCopiesBundleIntoPluginsDir(t *testing.T) {
	mgr, opts := newTestManager(t, update.Options{CheckVersionConstraints: true, CreateBackups: true})
	writeBundle(t, opts.UpdatesDir, "fresh", "1.0.0")

	candidates, _, err := mgr.Scan()
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	result := mgr.Apply(context.Background(), candidates)
	assert.Equal(t, []string{"fresh"}, result.Applied)
	assert.Empty(t, result.Failed)

	installed := filepath.Join(opts.PluginsDir, "fresh", "plugin.ini")
	assert.FileExists(t, installed)
}

func TestApply_UpdateCreatesBackupNamedPerSpec(t *testing.T) {
	mgr, opts := newTestManager(t, update.Options{CheckVersionConstraints: true, CreateBackups: true})
	writeBundle(t, opts.PluginsDir, "X", "1.0.0")
	writeBundle(t, opts.UpdatesDir, "X", "1.1.0")

	candidates, _, err := mgr.Scan()
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	result := mgr.Apply(context.Background(), candidates)
	require.Empty(t, result.Failed)
	require.Equal(t, []string{"X"}, result.Applied)

	entries, err := os.ReadDir(opts.BackupsDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Regexp(t, `^X-\d{8}-\d{6}-backup$`, entries[0].Name())

	installedManifest, err := os.ReadFile(filepath.Join(opts.PluginsDir, "X", "plugin.ini"))
	require.NoError(t, err)
	assert.Contains(t, string(installedManifest), "version=1.1.0")
}

func TestApply_EmptyUpdatesDirMakesNoChanges(t *testing.T) {
	mgr, opts := newTestManager(t, update.Options{CheckVersionConstraints: true})
	writeBundle(t, opts.PluginsDir, "X", "1.0.0")

	candidates, _, err := mgr.Scan()
	require.NoError(t, err)
	assert.Empty(t, candidates)

	result := mgr.Apply(context.Background(), candidates)
	assert.Empty(t, result.Applied)
	assert.Empty(t, result.Failed)

	_, err = os.Stat(opts.BackupsDir)
	assert.True(t, os.IsNotExist(err))
}

func TestRollback_RestoresMostRecentBackup(t *testing.T) {
	mgr, opts := newTestManager(t, update.Options{CheckVersionConstraints: true, CreateBackups: true})
	writeBundle(t, opts.PluginsDir, "X", "1.0.0")
	writeBundle(t, opts.UpdatesDir, "X", "1.1.0")

	candidates, _, err := mgr.Scan()
	require.NoError(t, err)
	result := mgr.Apply(context.Background(), candidates)
	require.Empty(t, result.Failed)

	require.NoError(t, mgr.Rollback("X"))

	restoredManifest, err := os.ReadFile(filepath.Join(opts.PluginsDir, "X", "plugin.ini"))
	require.NoError(t, err)
	assert.Contains(t, string(restoredManifest), "version=1.0.0")
}

func TestRollback_NoBackupsFails(t *testing.T) {
	mgr, _ := newTestManager(t, update.Options{CheckVersionConstraints: true})
	err := mgr.Rollback("nonexistent")
	require.Error(t, err)
}

func TestCleanupOldBackups_ZeroMaxAgeDisablesCleanup(t *testing.T) {
	mgr, opts := newTestManager(t, update.Options{CheckVersionConstraints: true, CreateBackups: true, MaxBackupAge: 0})
	writeBundle(t, opts.PluginsDir, "X", "1.0.0")
	writeBundle(t, opts.UpdatesDir, "X", "1.1.0")
	candidates, _, err := mgr.Scan()
	require.NoError(t, err)
	result := mgr.Apply(context.Background(), candidates)
	require.Empty(t, result.Failed)

	require.NoError(t, mgr.CleanupOldBackups())

	entries, err := os.ReadDir(opts.BackupsDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
