// Package api exposes the daemon to UIs as a gRPC service over a Unix
// socket. Messages are plain Go structs carried by a JSON codec.
package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "synapse.v1.ConversationService"

// ConversationServer is the server side of the conversation service.
type ConversationServer interface {
	StartSync(context.Context, *StartSyncRequest) (*StartSyncResponse, error)
	RenewSync(context.Context, *RenewSyncRequest) (*RenewSyncResponse, error)
	StopSync(context.Context, *StopSyncRequest) (*StopSyncResponse, error)
	ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error)
	WatchConversation(*WatchConversationRequest, WatchStream) error
	SendText(context.Context, *SendTextRequest) (*SendTextResponse, error)
	MarkSeen(context.Context, *MarkSeenRequest) (*MarkSeenResponse, error)
	UnreadCounts(context.Context, *UnreadCountsRequest) (*UnreadCountsResponse, error)
	SyncStatus(context.Context, *SyncStatusRequest) (*SyncStatusResponse, error)
	LeaveConversation(context.Context, *LeaveConversationRequest) (*LeaveConversationResponse, error)
	CreateConversation(context.Context, *CreateConversationRequest) (*CreateConversationResponse, error)
}

// WatchStream is the server stream of WatchConversation.
type WatchStream interface {
	Send(*ConversationUpdate) error
	Context() context.Context
}

type watchStream struct {
	grpc.ServerStream
}

func (s *watchStream) Send(u *ConversationUpdate) error {
	return s.SendMsg(u)
}

func unary[Req, Resp any](name string, call func(ConversationServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ConversationServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ConversationServer), ctx, req.(*Req))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchConversationRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ConversationServer).WatchConversation(in, &watchStream{stream})
}

// ServiceDesc describes the conversation service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ConversationServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("StartSync", ConversationServer.StartSync),
		unary("RenewSync", ConversationServer.RenewSync),
		unary("StopSync", ConversationServer.StopSync),
		unary("ListMessages", ConversationServer.ListMessages),
		unary("SendText", ConversationServer.SendText),
		unary("MarkSeen", ConversationServer.MarkSeen),
		unary("UnreadCounts", ConversationServer.UnreadCounts),
		unary("SyncStatus", ConversationServer.SyncStatus),
		unary("LeaveConversation", ConversationServer.LeaveConversation),
		unary("CreateConversation", ConversationServer.CreateConversation),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchConversation",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "synapse/v1/conversation.proto",
}

// Register adds the service to s.
func Register(s grpc.ServiceRegistrar, srv ConversationServer) {
	s.RegisterService(&ServiceDesc, srv)
}
