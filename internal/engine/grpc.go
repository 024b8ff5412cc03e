package engine

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ExecuteMethod is the unary RPC served by engine workers.
const ExecuteMethod = "/engine.v1.TradingEngine/Execute"

// GRPCTransport sends requests to a long-running engine worker. Request and
// reply are google.protobuf.Struct values mirroring the JSON protocol.
type GRPCTransport struct {
	conn grpc.ClientConnInterface
	// closer is nil when the connection is owned by the caller.
	closer interface{ Close() error }
}

// DialGRPC connects to an engine worker at addr.
func DialGRPC(addr string) (*GRPCTransport, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial engine worker: %w", err)
	}
	return &GRPCTransport{conn: conn, closer: conn}, nil
}

// NewGRPCTransport wraps an existing connection.
func NewGRPCTransport(conn grpc.ClientConnInterface) *GRPCTransport {
	return &GRPCTransport{conn: conn}
}

func (t *GRPCTransport) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

func (t *GRPCTransport) RoundTrip(ctx context.Context, req Request) ([]byte, error) {
	args := make([]any, len(req.Args))
	for i, a := range req.Args {
		args[i] = a
	}
	in, err := structpb.NewStruct(map[string]any{
		"version": req.Version,
		"command": string(req.Command),
		"args":    args,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	out := &structpb.Struct{}
	if err := t.conn.Invoke(ctx, ExecuteMethod, in, out); err != nil {
		return nil, err
	}
	return protojson.Marshal(out)
}
