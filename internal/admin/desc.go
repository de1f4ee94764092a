package admin

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

type unaryMethod func(srv PresenceAdminServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PresenceAdminServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(PresenceAdminServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc 是 PresenceAdmin 的 gRPC 服务描述。
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PresenceAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ListPresence",
			Handler:    unaryHandler(MethodListPresence, PresenceAdminServer.ListPresence),
		},
		{
			MethodName: "KickClient",
			Handler:    unaryHandler(MethodKickClient, PresenceAdminServer.KickClient),
		},
		{
			MethodName: "Announce",
			Handler:    unaryHandler(MethodAnnounce, PresenceAdminServer.Announce),
		},
		{
			MethodName: "Stats",
			Handler:    unaryHandler(MethodStats, PresenceAdminServer.Stats),
		},
		{
			MethodName: "IssueGuestToken",
			Handler:    unaryHandler(MethodIssueGuestToken, PresenceAdminServer.IssueGuestToken),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hemoclast/realtime/v1/presence_admin.proto",
}

// Client 是 PresenceAdmin 的客户端封装。
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient 基于已建立的连接创建客户端。
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ListPresence 列出在线玩家，clientID 为空时返回全部。
func (c *Client) ListPresence(ctx context.Context, clientID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in := map[string]any{}
	if clientID != "" {
		in["client_id"] = clientID
	}
	return c.invoke(ctx, MethodListPresence, in, opts...)
}

// KickClient 踢出指定客户端。
func (c *Client) KickClient(ctx context.Context, clientID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodKickClient, map[string]any{"client_id": clientID}, opts...)
}

// Announce 广播运维公告，data 会合并进公告内容。
func (c *Client) Announce(ctx context.Context, message string, data map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in := map[string]any{"message": message}
	if len(data) > 0 {
		in["data"] = data
	}
	return c.invoke(ctx, MethodAnnounce, in, opts...)
}

// Stats 查询服务运行概况。
func (c *Client) Stats(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodStats, map[string]any{}, opts...)
}

// IssueGuestToken 签发游客会话，name 为空时由服务端生成。
func (c *Client) IssueGuestToken(ctx context.Context, name string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in := map[string]any{}
	if name != "" {
		in["name"] = name
	}
	return c.invoke(ctx, MethodIssueGuestToken, in, opts...)
}
