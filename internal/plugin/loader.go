package plugin

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/kitakeyos/pluginhost/internal/plugin/namespace"
)

// runtimeField is the manifest key selecting a namespace backend. Absent,
// the backend is inferred from the main entry (see runtimeKind).
const runtimeField = "runtime"

// NamespaceInstance is a loaded plugin's bridge to its isolated namespace:
// the Go-side Instance the registry tracks, backed by calls into the
// namespace for OnLoad/OnEnable/OnDisable/OnUnload.
type NamespaceInstance struct {
	name string
	ns   namespace.Namespace
}

var _ Instance = (*NamespaceInstance)(nil)

func (p *NamespaceInstance) call(method string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := p.ns.Call(ctx, method, nil)
	return err
}

func (p *NamespaceInstance) OnLoad() error    { return p.call("on_load") }
func (p *NamespaceInstance) OnEnable() error  { return p.call("on_enable") }
func (p *NamespaceInstance) OnDisable() error { return p.call("on_disable") }
func (p *NamespaceInstance) OnUnload() error  { return p.call("on_unload") }

// Call invokes an arbitrary namespace-exported function with a raw
// payload, for event delivery and extension-instance proxying.
func (p *NamespaceInstance) Call(ctx context.Context, fn string, payload []byte) ([]byte, error) {
	return p.ns.Call(ctx, fn, payload)
}

type stagingEntry struct {
	path      string
	ns        namespace.Namespace
	createdAt time.Time
	checksum  string
}

// Loader reads bundle metadata, stages bundle copies, constructs isolated
// namespaces, and discovers extensions (C4).
type Loader struct {
	stagingDir string
	factories  map[string]namespace.Factory
	extensions *ExtensionManager

	mu      sync.Mutex
	staging map[string]*stagingEntry
	counter int64
}

// NewLoader constructs a Loader rooted at stagingDir, dispatching to the
// supplied namespace factories by their Kind(). extensions receives
// manifest-declared extension candidates discovered during LoadPlugin.
func NewLoader(stagingDir string, extensions *ExtensionManager, factories ...namespace.Factory) *Loader {
	byKind := make(map[string]namespace.Factory, len(factories))
	for _, f := range factories {
		byKind[f.Kind()] = f
	}
	return &Loader{
		stagingDir: stagingDir,
		factories:  byKind,
		extensions: extensions,
		staging:    make(map[string]*stagingEntry),
	}
}

// LoadMetadata reads a bundle's manifest without instantiating any code.
// It tries plugin.ini first, falling back to the entry-file header-comment
// annotation if no manifest is present.
func (l *Loader) LoadMetadata(bundlePath string) (Metadata, error) {
	iniPath := filepath.Join(bundlePath, "plugin.ini")
	if data, err := os.ReadFile(iniPath); err == nil { //nolint:gosec // bundlePath is host-controlled
		return ParseManifest(data, bundlePath)
	}

	entries, err := os.ReadDir(bundlePath)
	if err != nil {
		return Metadata{}, &MetadataError{Bundle: bundlePath, Reason: fmt.Sprintf("cannot read bundle directory: %v", err)}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(bundlePath, e.Name())) //nolint:gosec // bundlePath is host-controlled
		if err != nil {
			continue
		}
		if meta, err := ParseFallbackManifest(data, bundlePath); err == nil {
			return meta, nil
		}
	}
	return Metadata{}, &MetadataError{Bundle: bundlePath, Reason: "no plugin.ini and no annotated entry file"}
}

// LoadPlugin stages bundlePath, constructs its isolated namespace, and
// discovers extensions. The namespace is wrapped as a NamespaceInstance
// without checking which functions it exports. Any existing staging for
// metadata.Name is torn down first.
func (l *Loader) LoadPlugin(ctx context.Context, bundlePath string, metadata Metadata) (Instance, error) {
	l.mu.Lock()
	_ = l.cleanupLocked(metadata.Name)
	l.mu.Unlock()

	stagedPath, err := l.stage(bundlePath, metadata.Name)
	if err != nil {
		return nil, &LoadError{Bundle: bundlePath, Reason: "staging copy failed", Cause: err}
	}

	checksum, err := checksumTree(stagedPath)
	if err != nil {
		return nil, &LoadError{Bundle: bundlePath, Reason: "staged copy checksum failed", Cause: err}
	}

	kind := runtimeKind(metadata)
	factory, ok := l.factories[kind]
	if !ok {
		return nil, &LoadError{Bundle: bundlePath, Reason: fmt.Sprintf("no namespace factory registered for runtime %q", kind)}
	}

	ns, err := factory.Load(ctx, stagedPath, metadata.Main)
	if err != nil {
		return nil, &LoadError{Bundle: bundlePath, Reason: "namespace construction failed", Cause: err}
	}

	l.mu.Lock()
	l.staging[metadata.Name] = &stagingEntry{path: stagedPath, ns: ns, createdAt: time.Now(), checksum: checksum}
	l.mu.Unlock()

	if l.extensions != nil {
		for _, point := range metadata.ExtensionPoints {
			l.extensions.RegisterExtensionPoint(point)
		}
		l.discoverExtensions(metadata, ns)
	}

	return &NamespaceInstance{name: metadata.Name, ns: ns}, nil
}

// runtimeKind returns the manifest's declared runtime, falling back to
// inference from the main entry's file extension, defaulting to wasm.
func runtimeKind(metadata Metadata) string {
	if metadata.Runtime != "" {
		return metadata.Runtime
	}
	switch filepath.Ext(metadata.Main) {
	case ".wasm":
		return "wasm"
	case ".lua":
		return "lua"
	default:
		if metadata.Main != "" && filepath.Ext(metadata.Main) == "" {
			return "binary"
		}
		return "wasm"
	}
}

func (l *Loader) discoverExtensions(metadata Metadata, ns namespace.Namespace) {
	// Extension candidates are manifest-declared (extensions field,
	// "point=ordinal" pairs) rather than discovered by scanning loaded
	// code, since namespace-loaded code is opaque to the host process.
	// Each candidate instance is a NamespaceInstance over ns; no
	// point-specific function name is bound to it.
	for point, ordinal := range metadata.extensionDeclarations() {
		candidate := ExtensionCandidate{
			Point:   point,
			Ordinal: ordinal,
			Enabled: true,
			Instance: &NamespaceInstance{
				name: metadata.Name,
				ns:   ns,
			},
		}
		l.extensions.RegisterExtensions(metadata.Name, []ExtensionCandidate{candidate})
	}
}

// stage copies bundlePath into <stagingDir>/<name>_<monotonic> and returns
// the staged path.
func (l *Loader) stage(bundlePath, name string) (string, error) {
	n := atomic.AddInt64(&l.counter, 1)
	dest := filepath.Join(l.stagingDir, fmt.Sprintf("%s_%d", name, n))
	if err := copyTree(bundlePath, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// StagedPath returns the current staged directory for name, if it has an
// active staging entry. Used by the hot-reload orchestrator to back up a
// plugin's currently-running code before tearing it down.
func (l *Loader) StagedPath(name string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.staging[name]
	if !ok {
		return "", false
	}
	return entry.path, true
}

// StagedChecksum returns the blake2b checksum computed over name's staged
// copy at load time, for corruption-resistant identity comparisons (e.g.
// confirming a hot-reload's freshly staged bundle actually differs from the
// one it replaces).
func (l *Loader) StagedChecksum(name string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.staging[name]
	if !ok {
		return "", false
	}
	return entry.checksum, true
}

// checksumTree hashes every regular file under dir (sorted by relative
// path) into one blake2b-256 digest, giving staged copies a single
// corruption-resistant identity independent of file ordering or mtimes.
func checksumTree(dir string) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}

	var paths []string
	if err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			paths = append(paths, p)
		}
		return nil
	}); err != nil {
		return "", err
	}
	sort.Strings(paths)

	for _, p := range paths {
		f, err := os.Open(p) //nolint:gosec // dir is a host-staged path
		if err != nil {
			return "", err
		}
		_, err = io.Copy(h, f)
		closeErr := f.Close()
		if err != nil {
			return "", err
		}
		if closeErr != nil {
			return "", closeErr
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// Cleanup tears down the namespace and staged copy for name. Safe if name
// is absent.
func (l *Loader) Cleanup(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cleanupLocked(name)
}

func (l *Loader) cleanupLocked(name string) error {
	entry, ok := l.staging[name]
	if !ok {
		return nil
	}
	delete(l.staging, name)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var closeErr error
	if entry.ns != nil {
		closeErr = entry.ns.Close(ctx)
	}
	if err := os.RemoveAll(entry.path); err != nil {
		return fmt.Errorf("loader: remove staged path %s: %w", entry.path, err)
	}
	return closeErr
}

// CleanupAll tears down every staged plugin, then removes the staging
// directory itself.
func (l *Loader) CleanupAll() error {
	l.mu.Lock()
	names := make([]string, 0, len(l.staging))
	for name := range l.staging {
		names = append(names, name)
	}
	l.mu.Unlock()

	for _, name := range names {
		if err := l.Cleanup(name); err != nil {
			return err
		}
	}
	return os.RemoveAll(l.stagingDir)
}

// CleanupOlderThan tears down staged entries created before now-age.
func (l *Loader) CleanupOlderThan(age time.Duration) error {
	cutoff := time.Now().Add(-age)

	l.mu.Lock()
	var stale []string
	for name, entry := range l.staging {
		if entry.createdAt.Before(cutoff) {
			stale = append(stale, name)
		}
	}
	l.mu.Unlock()

	for _, name := range stale {
		if err := l.Cleanup(name); err != nil {
			return err
		}
	}
	return nil
}

// TempStats reports the staging directory's current file count, total
// byte size, and path.
func (l *Loader) TempStats() (fileCount int, totalBytes int64, dir string) {
	dir = l.stagingDir
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil //nolint:nilerr // best-effort diagnostic walk
		}
		fileCount++
		totalBytes += info.Size()
		return nil
	})
	return fileCount, totalBytes, dir
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		s := filepath.Join(src, e.Name())
		d := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := copyTree(s, d); err != nil {
				return err
			}
			continue
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		if err := copyFile(s, d, info.Mode()); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src) //nolint:gosec // src is a host-controlled bundle path
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
