package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "kvring.Storage"

const (
	methodPut         = "/" + serviceName + "/Put"
	methodDelete      = "/" + serviceName + "/Delete"
	methodGet         = "/" + serviceName + "/Get"
	methodReplicate   = "/" + serviceName + "/Replicate"
	methodCommit      = "/" + serviceName + "/Commit"
	methodImportRange = "/" + serviceName + "/ImportRange"
)

// StorageServer is the service every storage server exposes: client reads and writes,
// replication from the owning server, and range imports during transfers.
type StorageServer interface {
	Put(context.Context, *PutRequest) (*WriteResponse, error)
	Delete(context.Context, *DeleteRequest) (*WriteResponse, error)
	Get(context.Context, *GetRequest) (*GetResponse, error)
	Replicate(context.Context, *ReplicateRequest) (*Ack, error)
	Commit(context.Context, *CommitRequest) (*Ack, error)
	ImportRange(ImportRangeServer) error
}

// ImportRangeServer is the server side of the ImportRange stream
type ImportRangeServer interface {
	Recv() (*ImportBatch, error)
	SendAndClose(*ImportResponse) error
	grpc.ServerStream
}

// ImportRangeClient is the client side of the ImportRange stream
type ImportRangeClient interface {
	Send(*ImportBatch) error
	CloseAndRecv() (*ImportResponse, error)
	grpc.ClientStream
}

// RegisterStorageServer registers srv on s
func RegisterStorageServer(s grpc.ServiceRegistrar, srv StorageServer) {
	s.RegisterService(&StorageServiceDesc, srv)
}

// StorageServiceDesc describes the kvring.Storage service
var StorageServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*StorageServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Put", Handler: unaryHandler(methodPut, func(s StorageServer, ctx context.Context, in *PutRequest) (any, error) {
			return s.Put(ctx, in)
		})},
		{MethodName: "Delete", Handler: unaryHandler(methodDelete, func(s StorageServer, ctx context.Context, in *DeleteRequest) (any, error) {
			return s.Delete(ctx, in)
		})},
		{MethodName: "Get", Handler: unaryHandler(methodGet, func(s StorageServer, ctx context.Context, in *GetRequest) (any, error) {
			return s.Get(ctx, in)
		})},
		{MethodName: "Replicate", Handler: unaryHandler(methodReplicate, func(s StorageServer, ctx context.Context, in *ReplicateRequest) (any, error) {
			return s.Replicate(ctx, in)
		})},
		{MethodName: "Commit", Handler: unaryHandler(methodCommit, func(s StorageServer, ctx context.Context, in *CommitRequest) (any, error) {
			return s.Commit(ctx, in)
		})},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ImportRange",
			Handler:       importRangeHandler,
			ClientStreams: true,
		},
	},
}

// unaryHandler adapts a typed method to grpc.MethodHandler.
func unaryHandler[Req any](fullMethod string, call func(StorageServer, context.Context, *Req) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(StorageServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(StorageServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func importRangeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(StorageServer).ImportRange(&importRangeServer{stream})
}

type importRangeServer struct {
	grpc.ServerStream
}

func (x *importRangeServer) Recv() (*ImportBatch, error) {
	m := new(ImportBatch)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (x *importRangeServer) SendAndClose(m *ImportResponse) error {
	return x.ServerStream.SendMsg(m)
}

// StorageClient is the client of the kvring.Storage service
type StorageClient struct {
	cc grpc.ClientConnInterface
}

// NewStorageClient wraps a connection
func NewStorageClient(cc grpc.ClientConnInterface) *StorageClient {
	return &StorageClient{cc: cc}
}

func (c *StorageClient) Put(ctx context.Context, in *PutRequest, opts ...grpc.CallOption) (*WriteResponse, error) {
	out := new(WriteResponse)
	if err := c.cc.Invoke(ctx, methodPut, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *StorageClient) Delete(ctx context.Context, in *DeleteRequest, opts ...grpc.CallOption) (*WriteResponse, error) {
	out := new(WriteResponse)
	if err := c.cc.Invoke(ctx, methodDelete, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *StorageClient) Get(ctx context.Context, in *GetRequest, opts ...grpc.CallOption) (*GetResponse, error) {
	out := new(GetResponse)
	if err := c.cc.Invoke(ctx, methodGet, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *StorageClient) Replicate(ctx context.Context, in *ReplicateRequest, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, methodReplicate, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *StorageClient) Commit(ctx context.Context, in *CommitRequest, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, methodCommit, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *StorageClient) ImportRange(ctx context.Context, opts ...grpc.CallOption) (ImportRangeClient, error) {
	stream, err := c.cc.NewStream(ctx, &StorageServiceDesc.Streams[0], methodImportRange, opts...)
	if err != nil {
		return nil, err
	}
	return &importRangeClient{stream}, nil
}

type importRangeClient struct {
	grpc.ClientStream
}

func (x *importRangeClient) Send(m *ImportBatch) error {
	return x.ClientStream.SendMsg(m)
}

func (x *importRangeClient) CloseAndRecv() (*ImportResponse, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(ImportResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
