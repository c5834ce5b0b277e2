package namespace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	extism "github.com/extism/go-sdk"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// WasmFactory constructs Extism-backed WASM namespaces. Extism is layered
// over tetratelabs/wazero; instantiating one extism.Plugin per load and
// closing it on Close tears down the underlying wazero module and
// invalidates every exported-function handle, which is the namespace's
// isolation boundary.
type WasmFactory struct {
	Tracer trace.Tracer
}

func (f *WasmFactory) Kind() string { return "wasm" }

func (f *WasmFactory) Load(ctx context.Context, stagedPath, entry string) (Namespace, error) {
	tracer := f.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("namespace/wasm")
	}

	_, span := tracer.Start(ctx, "wasm.Load", trace.WithAttributes(
		attribute.String("namespace.entry", entry),
	))
	defer span.End()

	wasmPath := filepath.Join(stagedPath, entry)
	data, err := os.ReadFile(wasmPath)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("namespace/wasm: read %s: %w", wasmPath, err)
	}

	manifest := extism.Manifest{
		Wasm: []extism.Wasm{extism.WasmData{Data: data}},
	}
	config := extism.PluginConfig{EnableWasi: true}

	p, err := extism.NewPlugin(ctx, manifest, config, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("namespace/wasm: instantiate %s: %w", wasmPath, err)
	}

	return &wasmNamespace{plugin: p, tracer: tracer}, nil
}

type wasmNamespace struct {
	plugin *extism.Plugin
	tracer trace.Tracer
}

func (n *wasmNamespace) Call(ctx context.Context, fn string, payload []byte) ([]byte, error) {
	_, span := n.tracer.Start(ctx, "wasm.Call", trace.WithAttributes(
		attribute.String("namespace.function", fn),
	))
	defer span.End()

	if !n.plugin.FunctionExists(fn) {
		return nil, nil
	}

	_, output, err := n.plugin.Call(fn, payload)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("namespace/wasm: call %s: %w", fn, err)
	}
	return output, nil
}

func (n *wasmNamespace) Close(ctx context.Context) error {
	return n.plugin.Close(ctx)
}
