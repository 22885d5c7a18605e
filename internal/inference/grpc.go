package inference

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ashureev/droidpilot/internal/prompt"
)

// InferMethod is the unary RPC a model server exposes. It takes a
// google.protobuf.Struct request and answers with a google.protobuf.StringValue.
const InferMethod = "/droidpilot.inference.v1.InferenceService/Infer"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcClient calls a model server over gRPC.
type GrpcClient struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// NewGrpcClient connects to the model server at addr and waits until the
// connection is ready so a bad endpoint fails at startup.
func NewGrpcClient(addr string, logger *slog.Logger, extra ...grpc.DialOption) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := DefaultGrpcClientConfig()
	if addr != "" {
		cfg.Address = addr
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, extra...)
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to model server at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("model server at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to model server", "address", cfg.Address)
	return &GrpcClient{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Infer implements Client.
func (c *GrpcClient) Infer(ctx context.Context, req *prompt.Request) (string, error) {
	in, err := EncodeRequest(req)
	if err != nil {
		return "", err
	}
	var out wrapperspb.StringValue
	if err := c.conn.Invoke(ctx, InferMethod, in, &out); err != nil {
		return "", fmt.Errorf("infer rpc: %w", err)
	}
	if out.GetValue() == "" {
		return "", ErrEmptyResponse
	}
	return out.GetValue(), nil
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("failed to close gRPC connection", "error", err)
		return err
	}
	return nil
}

// EncodeRequest converts a prompt request into the Struct sent over the wire:
// {variant, system, parts: [{text} | {mime_type, data}]} with base64 image data.
func EncodeRequest(req *prompt.Request) (*structpb.Struct, error) {
	parts := make([]any, 0, len(req.Parts))
	for _, p := range req.Parts {
		if p.IsImage() {
			parts = append(parts, map[string]any{
				"mime_type": p.MIMEType,
				"data":      base64.StdEncoding.EncodeToString(p.Data),
			})
			continue
		}
		parts = append(parts, map[string]any{"text": p.Text})
	}
	s, err := structpb.NewStruct(map[string]any{
		"variant": req.Variant.String(),
		"system":  req.System,
		"parts":   parts,
	})
	if err != nil {
		return nil, fmt.Errorf("encode inference request: %w", err)
	}
	return s, nil
}
