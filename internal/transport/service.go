package transport

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName     = "chatrelay.ChatService"
	registerMethod  = "/" + serviceName + "/Register"
	syncMethod      = "/" + serviceName + "/Sync"
	syncStreamName  = "Sync"
	registerRPCName = "Register"
	serviceMetadata = "chatrelay/chat_service"
)

// ChatServiceServer is the server side of the relay protocol. The server must
// not start the download half of Sync before the upload half is closed, and
// must send messages in non-decreasing sequence-number order.
type ChatServiceServer interface {
	Register(ctx context.Context, request *RegistrationRequest) (*RegistrationReply, error)
	Sync(stream SyncServerStream) error
}

// SyncServerStream is the server view of one sync stream.
type SyncServerStream interface {
	Context() context.Context
	Recv() (*UploadItem, error)
	Send(item *DownloadItem) error
}

// ServiceDesc describes the relay service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ChatServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: registerRPCName, Handler: registerHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    syncStreamName,
			Handler:       syncHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: serviceMetadata,
}

var syncStreamDesc = grpc.StreamDesc{
	StreamName:    syncStreamName,
	ServerStreams: true,
	ClientStreams: true,
}

// RegisterChatServiceServer attaches an implementation to a gRPC server.
func RegisterChatServiceServer(registrar grpc.ServiceRegistrar, server ChatServiceServer) {
	registrar.RegisterService(&ServiceDesc, server)
}

func registerHandler(srv any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(RegistrationRequest)
	if err := decode(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChatServiceServer).Register(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: registerMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ChatServiceServer).Register(ctx, req.(*RegistrationRequest))
	}
	return interceptor(ctx, request, info, handler)
}

func syncHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ChatServiceServer).Sync(&syncServerStream{ServerStream: stream})
}

type syncServerStream struct {
	grpc.ServerStream
}

func (stream *syncServerStream) Recv() (*UploadItem, error) {
	item := new(UploadItem)
	if err := stream.ServerStream.RecvMsg(item); err != nil {
		return nil, err
	}
	return item, nil
}

func (stream *syncServerStream) Send(item *DownloadItem) error {
	return stream.ServerStream.SendMsg(item)
}
