package client

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"

	"github.com/devrev/kvring/internal/model"
	"github.com/devrev/kvring/internal/rpc"
)

// ReplicaClient is the connection from an owning server to one of its replicas.
type ReplicaClient interface {
	Replicate(ctx context.Context, req *rpc.ReplicateRequest) error
	Commit(ctx context.Context, source string, lsn uint64) error
	Close() error
}

// ReplicaDialer opens a ReplicaClient to node.
type ReplicaDialer func(ctx context.Context, node model.Node) (ReplicaClient, error)

// GRPCReplicaClient implements ReplicaClient over the kvring.Storage service
type GRPCReplicaClient struct {
	node    model.Node
	conn    *grpc.ClientConn
	client  *rpc.StorageClient
	timeout time.Duration
	logger  *zap.Logger
}

// NewGRPCReplicaDialer returns a dialer that waits until the connection is ready.
func NewGRPCReplicaDialer(rpcTimeout time.Duration, maxMsgSize int, logger *zap.Logger) ReplicaDialer {
	return func(ctx context.Context, node model.Node) (ReplicaClient, error) {
		conn, err := dialReady(ctx, node.Address(), maxMsgSize)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to replica %s: %w", node.Name, err)
		}

		logger.Info("Connected to replica",
			zap.String("replica", node.Name),
			zap.String("address", node.Address()))

		return &GRPCReplicaClient{
			node:    node,
			conn:    conn,
			client:  rpc.NewStorageClient(conn),
			timeout: rpcTimeout,
			logger:  logger,
		}, nil
	}
}

// Replicate forwards one write
func (c *GRPCReplicaClient) Replicate(ctx context.Context, req *rpc.ReplicateRequest) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if _, err := c.client.Replicate(ctx, req); err != nil {
		return fmt.Errorf("replicate lsn %d to %s: %w", req.LSN, c.node.Name, err)
	}
	return nil
}

// Commit advances the replica's watermark
func (c *GRPCReplicaClient) Commit(ctx context.Context, source string, lsn uint64) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if _, err := c.client.Commit(ctx, &rpc.CommitRequest{Source: source, LSN: lsn}); err != nil {
		return fmt.Errorf("commit lsn %d to %s: %w", lsn, c.node.Name, err)
	}
	return nil
}

// Close closes the connection
func (c *GRPCReplicaClient) Close() error {
	return c.conn.Close()
}

// dialReady creates a client connection and blocks until it is READY or ctx ends.
func dialReady(ctx context.Context, address string, maxMsgSize int) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(address, rpc.DialOptions(maxMsgSize)...)
	if err != nil {
		return nil, err
	}

	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return conn, nil
		}
		if !conn.WaitForStateChange(ctx, state) {
			conn.Close()
			return nil, fmt.Errorf("connection to %s not ready: %w", address, ctx.Err())
		}
	}
}
