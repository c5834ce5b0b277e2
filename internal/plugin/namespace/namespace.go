// Package namespace provides the isolated-namespace backends for the
// plugin loader (C4): wasm (Extism/wazero), lua (gopher-lua), and binary
// (hashicorp/go-plugin subprocess). Each backend's Close invalidates every
// code reference it handed out, which is the isolation guarantee the
// loader relies on.
package namespace

import "context"

// Namespace is a running plugin's isolated code scope. Call invokes the
// plugin function named fn with payload and returns that function's
// output. Close tears down the namespace; code references
// obtained before Close become invalid afterward.
type Namespace interface {
	Call(ctx context.Context, fn string, payload []byte) ([]byte, error)
	Close(ctx context.Context) error
}

// Factory constructs a Namespace rooted at stagedPath, resolving entry as
// the bundle's declared main entry point (export name, script filename, or
// executable name, depending on backend).
type Factory interface {
	// Kind is the manifest `runtime` value this factory handles.
	Kind() string
	// Load reads stagedPath's plugin code and constructs a Namespace bound
	// to entry.
	Load(ctx context.Context, stagedPath, entry string) (Namespace, error)
}
