package namespace

import (
	"context"
	"fmt"
	"net/rpc"
	"os/exec"
	"path/filepath"
	"time"

	hashiplug "github.com/hashicorp/go-plugin"
)

// rpcHandshake identifies this host/plugin protocol pair to go-plugin. The
// cookie guards against accidentally executing a non-plugin binary.
var rpcHandshake = hashiplug.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PLUGINHOST",
	MagicCookieValue: "namespace-binary-v1",
}

// CallArgs is the net/rpc request for a binary namespace's single exported
// entry point.
type CallArgs struct {
	Fn      string
	Payload []byte
}

// CallReply is the net/rpc response.
type CallReply struct {
	Output []byte
}

// RPCPlugin is the interface a binary bundle's subprocess exposes over
// net/rpc. No protobuf/gRPC code generation is required — go-plugin's
// NetRPCPlugin wraps a plain Go interface through encoding/gob.
type RPCPlugin interface {
	Call(args CallArgs, reply *CallReply) error
}

// netRPCPlugin adapts RPCPlugin to go-plugin's plugin.Plugin contract for
// the net/rpc transport (as opposed to its gRPC transport, which would
// require generated stubs).
type netRPCPlugin struct {
	Impl RPCPlugin
}

func (p *netRPCPlugin) Server(*hashiplug.MuxBroker) (interface{}, error) {
	return p.Impl, nil
}

func (p *netRPCPlugin) Client(_ *hashiplug.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &rpcClient{client: c}, nil
}

type rpcClient struct {
	client *rpc.Client
}

func (c *rpcClient) Call(args CallArgs, reply *CallReply) error {
	return c.client.Call("Plugin.Call", args, reply)
}

const pluginMapKey = "namespace"

var pluginMap = map[string]hashiplug.Plugin{
	pluginMapKey: &netRPCPlugin{},
}

// BinaryFactory constructs out-of-process namespaces hosted as subprocesses
// via hashicorp/go-plugin's net/rpc transport. Killing the child process is
// the namespace's isolation boundary — the strongest of the three backends,
// since the plugin's code never shares an address space with the host.
type BinaryFactory struct{}

func (f *BinaryFactory) Kind() string { return "binary" }

func (f *BinaryFactory) Load(_ context.Context, stagedPath, entry string) (Namespace, error) {
	execPath := filepath.Join(stagedPath, entry)

	client := hashiplug.NewClient(&hashiplug.ClientConfig{
		HandshakeConfig:  rpcHandshake,
		Plugins:          pluginMap,
		Cmd:              exec.Command(execPath), //nolint:gosec // execPath is built from a staged, host-controlled directory
		AllowedProtocols: []hashiplug.Protocol{hashiplug.ProtocolNetRPC},
		StartTimeout:     10 * time.Second,
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("namespace/binary: connect to %s: %w", execPath, err)
	}

	raw, err := rpcClient.Dispense(pluginMapKey)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("namespace/binary: dispense %s: %w", execPath, err)
	}

	impl, ok := raw.(RPCPlugin)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("namespace/binary: %s does not implement RPCPlugin", execPath)
	}

	return &binaryNamespace{client: client, impl: impl}, nil
}

type binaryNamespace struct {
	client *hashiplug.Client
	impl   RPCPlugin
}

func (n *binaryNamespace) Call(_ context.Context, fn string, payload []byte) ([]byte, error) {
	var reply CallReply
	if err := n.impl.Call(CallArgs{Fn: fn, Payload: payload}, &reply); err != nil {
		return nil, fmt.Errorf("namespace/binary: call %s: %w", fn, err)
	}
	return reply.Output, nil
}

// Close kills the subprocess. This is the namespace's actual isolation
// boundary: once the process exits, none of its code can run again.
func (n *binaryNamespace) Close(_ context.Context) error {
	n.client.Kill()
	return nil
}
