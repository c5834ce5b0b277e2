// Package update implements bundle update scanning, application, and
// rollback: a separate stage from loading that compares versions between a
// drop-off directory and the live plugin directory and moves files between
// them with timestamped backups.
package update

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/sethvargo/go-retry"

	plugin "github.com/kitakeyos/pluginhost/internal/plugin"
)

// Classification is the outcome of comparing an update candidate's version
// against the currently installed one.
type Classification int

const (
	ClassifyInstall Classification = iota
	ClassifyUpdate
	ClassifyDowngrade
	ClassifySkip
)

func (c Classification) String() string {
	switch c {
	case ClassifyInstall:
		return "INSTALL"
	case ClassifyUpdate:
		return "UPDATE"
	case ClassifyDowngrade:
		return "DOWNGRADE"
	case ClassifySkip:
		return "SKIP"
	default:
		return "UNKNOWN"
	}
}

// Candidate is one bundle found in the updates directory, classified
// against the live plugins directory.
type Candidate struct {
	Name           string
	UpdatePath     string
	InstalledPath  string
	NewVersion     string
	CurrentVersion string
	Classification Classification
}

// BatchResult summarizes an Apply run.
type BatchResult struct {
	Applied      []string
	Failed       []*plugin.UpdateError
	InvalidFiles []string
}

// Options configures a Manager's directories and policy flags.
type Options struct {
	PluginsDir              string
	UpdatesDir              string
	BackupsDir              string
	CheckVersionConstraints bool
	CreateBackups           bool
	AutoCleanupBackups      bool
	CleanupUpdateFiles      bool
	MaxBackupAge            time.Duration
}

// Manager scans, applies, and rolls back plugin bundle updates.
type Manager struct {
	opts Options
}

// NewManager constructs a Manager from opts.
func NewManager(opts Options) *Manager {
	return &Manager{opts: opts}
}

// Scan enumerates bundles under UpdatesDir and classifies each against the
// live bundle of the same name under PluginsDir.
func (m *Manager) Scan() ([]Candidate, []string, error) {
	entries, err := os.ReadDir(m.opts.UpdatesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("update: read updates dir: %w", err)
	}

	var candidates []Candidate
	var invalid []string

	for _, e := range entries {
		updatePath := filepath.Join(m.opts.UpdatesDir, e.Name())
		name, newVersion, err := readBundleIdentity(updatePath)
		if err != nil {
			invalid = append(invalid, updatePath)
			continue
		}

		installedPath := m.liveBundlePath(name, e)
		currentVersion := ""
		class := ClassifyInstall
		if installedPath != "" {
			_, currentVersion, err = readBundleIdentity(installedPath)
			if err != nil {
				invalid = append(invalid, updatePath)
				continue
			}
			class = m.classify(newVersion, currentVersion)
			if class == ClassifySkip {
				continue
			}
		}

		candidates = append(candidates, Candidate{
			Name:           name,
			UpdatePath:     updatePath,
			InstalledPath:  installedPath,
			NewVersion:     newVersion,
			CurrentVersion: currentVersion,
			Classification: class,
		})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	return candidates, invalid, nil
}

// liveBundlePath resolves the installed bundle path for name, matching the
// update entry's own name (directory or file) under PluginsDir. Returns ""
// if no live bundle exists.
func (m *Manager) liveBundlePath(name string, updateEntry os.DirEntry) string {
	candidate := filepath.Join(m.opts.PluginsDir, updateEntry.Name())
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

// classify compares newVersion against currentVersion, preferring semver
// and falling back to a dot-split-pad-compare for non-semver "dotted
// numeric" version strings.
func (m *Manager) classify(newVersion, currentVersion string) Classification {
	cmp, ok := compareVersions(newVersion, currentVersion)
	if !ok {
		// Unparseable on both axes: skipped when version checking is on,
		// applied as an update when it is off.
		if m.opts.CheckVersionConstraints {
			return ClassifySkip
		}
		return ClassifyUpdate
	}
	switch {
	case cmp > 0:
		return ClassifyUpdate
	case cmp < 0:
		if m.opts.CheckVersionConstraints {
			return ClassifySkip
		}
		return ClassifyDowngrade
	default:
		if m.opts.CheckVersionConstraints {
			return ClassifySkip
		}
		return ClassifyDowngrade
	}
}

// compareVersions returns (sign, ok): ok is false only when neither string
// parses under either scheme.
func compareVersions(a, b string) (int, bool) {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb), true
	}
	return compareDottedNumeric(a, b)
}

// compareDottedNumeric implements the original's fallback: split on '.',
// pad the shorter with zeros, compare component-wise as integers. A
// non-numeric component makes the comparison fail (ok is false).
func compareDottedNumeric(a, b string) (int, bool) {
	pa := strings.Split(a, ".")
	pb := strings.Split(b, ".")
	n := len(pa)
	if len(pb) > n {
		n = len(pb)
	}
	for i := 0; i < n; i++ {
		var na, nb int
		var errA, errB error
		if i < len(pa) {
			na, errA = strconv.Atoi(pa[i])
		}
		if i < len(pb) {
			nb, errB = strconv.Atoi(pb[i])
		}
		if errA != nil || errB != nil {
			return 0, false
		}
		if na != nb {
			if na > nb {
				return 1, true
			}
			return -1, true
		}
	}
	return 0, true
}

// readBundleIdentity reads a bundle's name and version from its manifest,
// without constructing a namespace (update scanning never loads code).
func readBundleIdentity(bundlePath string) (name, version string, err error) {
	info, statErr := os.Stat(bundlePath)
	if statErr != nil {
		return "", "", statErr
	}
	if !info.IsDir() {
		return "", "", fmt.Errorf("update: %s is not a bundle directory", bundlePath)
	}
	data, err := os.ReadFile(filepath.Join(bundlePath, "plugin.ini"))
	if err != nil {
		return "", "", err
	}
	meta, err := plugin.ParseManifest(data, bundlePath)
	if err != nil {
		return "", "", err
	}
	return meta.Name, meta.Version, nil
}

// Apply processes candidates in order: for UPDATE/DOWNGRADE, backs up the
// live bundle (if enabled) before overwriting it; for INSTALL, copies
// directly. A failed candidate restores from its backup when one exists
// and is recorded rather than aborting the batch.
func (m *Manager) Apply(ctx context.Context, candidates []Candidate) BatchResult {
	var result BatchResult

	for _, c := range candidates {
		if err := m.applyOne(ctx, c); err != nil {
			result.Failed = append(result.Failed, &plugin.UpdateError{Name: c.Name, Stage: "apply", Reason: err.Error()})
			continue
		}
		result.Applied = append(result.Applied, c.Name)

		if m.opts.CleanupUpdateFiles {
			if err := os.RemoveAll(c.UpdatePath); err != nil {
				slog.Warn("cleanup update file failed", "plugin", c.Name, "error", err)
			}
		}
	}

	if m.opts.AutoCleanupBackups {
		if err := m.CleanupOldBackups(); err != nil {
			slog.Warn("cleanup old backups failed", "error", err)
		}
	}
	return result
}

func (m *Manager) applyOne(ctx context.Context, c Candidate) error {
	target := filepath.Join(m.opts.PluginsDir, filepath.Base(c.UpdatePath))

	var backupPath string
	if c.Classification != ClassifyInstall && m.opts.CreateBackups && c.InstalledPath != "" {
		var err error
		backupPath, err = m.backup(ctx, c.Name, c.InstalledPath)
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
	}

	if err := replaceWithRetry(ctx, target, c.UpdatePath); err != nil {
		if backupPath != "" {
			if restoreErr := copyTree(backupPath, target); restoreErr != nil {
				return fmt.Errorf("install failed (%w), restore also failed: %v", err, restoreErr)
			}
		}
		return fmt.Errorf("install failed: %w", err)
	}
	return nil
}

// backup copies installedPath into BackupsDir under a
// name-timestamp-backup directory name, retrying transient filesystem
// errors.
func (m *Manager) backup(ctx context.Context, name, installedPath string) (string, error) {
	if err := os.MkdirAll(m.opts.BackupsDir, 0o755); err != nil {
		return "", err
	}
	backupPath := filepath.Join(m.opts.BackupsDir, fmt.Sprintf("%s-%s-backup", name, time.Now().Format("20060102-150405")))

	backoff := retry.WithMaxRetries(3, retry.NewConstant(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := copyTree(installedPath, backupPath); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return backupPath, nil
}

// Rollback restores name's most recently modified backup over its live
// bundle.
func (m *Manager) Rollback(name string) error {
	backups, err := m.listBackups(name)
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		return &plugin.UpdateError{Name: name, Stage: "rollback", Reason: "no backups available"}
	}

	latest := backups[0]
	target := filepath.Join(m.opts.PluginsDir, name)
	if err := copyTree(latest.path, target); err != nil {
		return &plugin.UpdateError{Name: name, Stage: "rollback", Reason: err.Error()}
	}
	return nil
}

type backupEntry struct {
	path    string
	modTime time.Time
}

func (m *Manager) listBackups(name string) ([]backupEntry, error) {
	entries, err := os.ReadDir(m.opts.BackupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var backups []backupEntry
	prefix := name + "-"
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backupEntry{path: filepath.Join(m.opts.BackupsDir, e.Name()), modTime: info.ModTime()})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].modTime.After(backups[j].modTime) })
	return backups, nil
}

// CleanupOldBackups removes backups older than MaxBackupAge. A zero
// MaxBackupAge disables cleanup.
func (m *Manager) CleanupOldBackups() error {
	if m.opts.MaxBackupAge <= 0 {
		return nil
	}
	entries, err := os.ReadDir(m.opts.BackupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	cutoff := time.Now().Add(-m.opts.MaxBackupAge)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(m.opts.BackupsDir, e.Name())); err != nil {
				slog.Warn("remove stale backup failed", "path", e.Name(), "error", err)
			}
		}
	}
	return nil
}

// ApplyPending is the startup convenience path: Scan then Apply,
// consolidating the two update-application shapes spec.md's Open Question
// describes into one implementation.
func (m *Manager) ApplyPending(ctx context.Context) error {
	candidates, invalid, err := m.Scan()
	if err != nil {
		return err
	}
	for _, f := range invalid {
		slog.Warn("invalid update bundle skipped", "path", f)
	}
	if len(candidates) == 0 {
		return nil
	}
	result := m.Apply(ctx, candidates)
	for _, failure := range result.Failed {
		slog.Error("update application failed", "plugin", failure.Name, "reason", failure.Reason)
	}
	return nil
}

func replaceWithRetry(ctx context.Context, target, source string) error {
	backoff := retry.WithMaxRetries(3, retry.NewConstant(100*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := os.RemoveAll(target); err != nil {
			return retry.RetryableError(err)
		}
		if err := copyTree(source, target); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}
	if err := os.MkdirAll(dst, info.Mode()); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		s := filepath.Join(src, e.Name())
		d := filepath.Join(dst, e.Name())
		einfo, err := e.Info()
		if err != nil {
			return err
		}
		if e.IsDir() {
			if err := copyTree(s, d); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(s, d, einfo.Mode()); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src) //nolint:gosec // bundle paths are host-controlled
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
