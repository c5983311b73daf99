package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/devrev/kvring/internal/engine"
	"github.com/devrev/kvring/internal/model"
	"github.com/devrev/kvring/internal/rpc"
)

// StorageNodeClient talks to storage servers by address: client reads and writes, and
// range imports during transfers. Connections are cached per address.
type StorageNodeClient struct {
	mu          sync.Mutex
	connections map[string]*grpc.ClientConn
	timeout     time.Duration
	maxMsgSize  int
	logger      *zap.Logger
}

// NewStorageNodeClient creates a new storage node client
func NewStorageNodeClient(timeout time.Duration, maxMsgSize int, logger *zap.Logger) *StorageNodeClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &StorageNodeClient{
		connections: make(map[string]*grpc.ClientConn),
		timeout:     timeout,
		maxMsgSize:  maxMsgSize,
		logger:      logger,
	}
}

// ImportRange streams entries to node in batches of batchSize and returns the number
// the receiver stored.
func (c *StorageNodeClient) ImportRange(
	ctx context.Context,
	node model.Node,
	source string,
	entries []engine.Entry,
	batchSize int,
) (int, error) {
	client, err := c.getClient(node)
	if err != nil {
		return 0, err
	}
	if batchSize <= 0 {
		batchSize = len(entries)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := client.ImportRange(ctx)
	if err != nil {
		return 0, fmt.Errorf("ImportRange to %s failed: %w", node.Name, err)
	}

	for start := 0; start < len(entries); start += batchSize {
		end := min(start+batchSize, len(entries))
		if err := stream.Send(&rpc.ImportBatch{Source: source, Entries: entries[start:end]}); err != nil {
			return 0, fmt.Errorf("ImportRange to %s failed: %w", node.Name, err)
		}
	}

	resp, err := stream.CloseAndRecv()
	if err != nil {
		c.logger.Error("ImportRange RPC failed",
			zap.String("target_node", node.Name),
			zap.Int("entries", len(entries)),
			zap.Error(err))
		return 0, fmt.Errorf("ImportRange to %s failed: %w", node.Name, err)
	}

	c.logger.Info("Range imported",
		zap.String("source_node", source),
		zap.String("target_node", node.Name),
		zap.Int("entries", resp.Imported))

	return resp.Imported, nil
}

// Put writes a key on node
func (c *StorageNodeClient) Put(ctx context.Context, node model.Node, key string, value []byte) (*rpc.WriteResponse, error) {
	client, err := c.getClient(node)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return client.Put(ctx, &rpc.PutRequest{Key: key, Value: value})
}

// Delete removes a key on node
func (c *StorageNodeClient) Delete(ctx context.Context, node model.Node, key string) (*rpc.WriteResponse, error) {
	client, err := c.getClient(node)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return client.Delete(ctx, &rpc.DeleteRequest{Key: key})
}

// Get reads a key from node
func (c *StorageNodeClient) Get(ctx context.Context, node model.Node, key string) (*rpc.GetResponse, error) {
	client, err := c.getClient(node)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return client.Get(ctx, &rpc.GetRequest{Key: key})
}

// Close closes every cached connection
func (c *StorageNodeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for addr, conn := range c.connections {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.connections, addr)
	}
	return firstErr
}

// getClient gets or creates a client for a node
func (c *StorageNodeClient) getClient(node model.Node) (*rpc.StorageClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	addr := node.Address()
	if conn, ok := c.connections[addr]; ok {
		return rpc.NewStorageClient(conn), nil
	}

	conn, err := grpc.NewClient(addr, rpc.DialOptions(c.maxMsgSize)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for node %s: %w", node.Name, err)
	}
	c.connections[addr] = conn

	c.logger.Debug("Created storage node connection",
		zap.String("node", node.Name),
		zap.String("address", addr))

	return rpc.NewStorageClient(conn), nil
}
