package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) StartSync(ctx context.Context, req *StartSyncRequest) (*StartSyncResponse, error) {
	return invoke[StartSyncResponse](ctx, c, "StartSync", req)
}

func (c *Client) RenewSync(ctx context.Context, req *RenewSyncRequest) (*RenewSyncResponse, error) {
	return invoke[RenewSyncResponse](ctx, c, "RenewSync", req)
}

func (c *Client) StopSync(ctx context.Context, req *StopSyncRequest) (*StopSyncResponse, error) {
	return invoke[StopSyncResponse](ctx, c, "StopSync", req)
}

func (c *Client) ListMessages(ctx context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	return invoke[ListMessagesResponse](ctx, c, "ListMessages", req)
}

func (c *Client) SendText(ctx context.Context, req *SendTextRequest) (*SendTextResponse, error) {
	return invoke[SendTextResponse](ctx, c, "SendText", req)
}

func (c *Client) MarkSeen(ctx context.Context, req *MarkSeenRequest) (*MarkSeenResponse, error) {
	return invoke[MarkSeenResponse](ctx, c, "MarkSeen", req)
}

func (c *Client) UnreadCounts(ctx context.Context) (*UnreadCountsResponse, error) {
	return invoke[UnreadCountsResponse](ctx, c, "UnreadCounts", &UnreadCountsRequest{})
}

func (c *Client) SyncStatus(ctx context.Context) (*SyncStatusResponse, error) {
	return invoke[SyncStatusResponse](ctx, c, "SyncStatus", &SyncStatusRequest{})
}

func (c *Client) LeaveConversation(ctx context.Context, req *LeaveConversationRequest) (*LeaveConversationResponse, error) {
	return invoke[LeaveConversationResponse](ctx, c, "LeaveConversation", req)
}

func (c *Client) CreateConversation(ctx context.Context, req *CreateConversationRequest) (*CreateConversationResponse, error) {
	return invoke[CreateConversationResponse](ctx, c, "CreateConversation", req)
}

// WatchConversation streams updates until ctx is cancelled or the server
// ends the stream.
func (c *Client) WatchConversation(ctx context.Context, req *WatchConversationRequest) (*WatchClient, error) {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/WatchConversation")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &WatchClient{stream: stream}, nil
}

// WatchClient receives conversation updates.
type WatchClient struct {
	stream grpc.ClientStream
}

// Recv blocks for the next update. It returns io.EOF when the stream ends
// normally.
func (w *WatchClient) Recv() (*ConversationUpdate, error) {
	u := new(ConversationUpdate)
	if err := w.stream.RecvMsg(u); err != nil {
		return nil, err
	}
	return u, nil
}
