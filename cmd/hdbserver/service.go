package main

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/hierarchidb/core/internal/core/command"
	"github.com/hierarchidb/core/internal/core/coreerr"
	"github.com/hierarchidb/core/internal/core/engine"
	"github.com/hierarchidb/core/internal/core/query"
	"github.com/hierarchidb/core/internal/core/schema"
)

// Request/response shapes for the four demonstration RPCs. These are plain
// JSON-tagged structs, not protoc-generated messages: pkg/rpcjson carries
// the marshaling, so the service methods below are the whole "generated
// code" this transport needs.

type CreateTreeRequest struct {
	TreeID string `json:"treeId"`
	Name   string `json:"name"`
}

type CreateTreeResponse struct {
	Tree *schema.Tree `json:"tree"`
}

type DispatchRequest struct {
	Envelope command.Envelope `json:"envelope"`
}

type DispatchResponse struct {
	Result command.Result `json:"result"`
}

type GetNodeRequest struct {
	NodeID string `json:"nodeId"`
}

type GetNodeResponse struct {
	Node *schema.Node `json:"node"`
}

type GetChildrenRequest struct {
	ParentID string     `json:"parentId"`
	Sort     query.Sort `json:"sort"`
	Limit    int        `json:"limit"`
	Offset   int        `json:"offset"`
}

type GetChildrenResponse struct {
	Children []*schema.Node `json:"children"`
}

// EngineServer is the grpc-visible surface over *engine.Engine. Only the
// four operations every worked example in spec.md §8 exercises are wired;
// Dispatch carries every command kind, and the rest of the facade
// (subscriptions, ancestor/search/count/trash-root queries) is reachable
// in-process via *engine.Engine directly and left for a fuller transport
// to wire when one is needed — this is a demonstration server, not the
// product surface (spec.md places RPC transport out of the core's scope).
type EngineServer interface {
	CreateTree(context.Context, *CreateTreeRequest) (*CreateTreeResponse, error)
	Dispatch(context.Context, *DispatchRequest) (*DispatchResponse, error)
	GetNode(context.Context, *GetNodeRequest) (*GetNodeResponse, error)
	GetChildren(context.Context, *GetChildrenRequest) (*GetChildrenResponse, error)
}

// engineServer adapts *engine.Engine to EngineServer.
type engineServer struct {
	e *engine.Engine
}

func (s *engineServer) CreateTree(ctx context.Context, req *CreateTreeRequest) (*CreateTreeResponse, error) {
	tree, err := s.e.CreateTree(ctx, req.TreeID, req.Name)
	if err != nil {
		return nil, err
	}
	return &CreateTreeResponse{Tree: tree}, nil
}

func (s *engineServer) Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResponse, error) {
	env := req.Envelope
	if env.CommandID == "" {
		return nil, coreerr.New(coreerr.InvalidEnvelope, "commandId is required")
	}
	if env.IssuedAt.IsZero() {
		env.IssuedAt = time.Now()
	}
	res, err := s.e.Dispatch(ctx, env)
	if err != nil {
		return nil, err
	}
	return &DispatchResponse{Result: res}, nil
}

func (s *engineServer) GetNode(ctx context.Context, req *GetNodeRequest) (*GetNodeResponse, error) {
	n, err := s.e.GetNode(ctx, req.NodeID)
	if err != nil {
		return nil, err
	}
	return &GetNodeResponse{Node: n}, nil
}

func (s *engineServer) GetChildren(ctx context.Context, req *GetChildrenRequest) (*GetChildrenResponse, error) {
	children, err := s.e.GetChildren(ctx, req.ParentID, query.ChildrenOptions{Sort: req.Sort, Limit: req.Limit, Offset: req.Offset})
	if err != nil {
		return nil, err
	}
	return &GetChildrenResponse{Children: children}, nil
}

// ServiceDesc is hand-wired the way protoc-gen-go-grpc would generate it
// from a hierarchidb.proto service Engine { ... }, minus the protobuf
// marshaling (pkg/rpcjson's codec handles that generically via dec).

var engineServiceDesc = grpc.ServiceDesc{
	ServiceName: "hierarchidb.Engine",
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateTree", Handler: engineCreateTreeHandler},
		{MethodName: "Dispatch", Handler: engineDispatchHandler},
		{MethodName: "GetNode", Handler: engineGetNodeHandler},
		{MethodName: "GetChildren", Handler: engineGetChildrenHandler},
	},
	Metadata: "hierarchidb.proto",
}

func engineCreateTreeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CreateTreeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EngineServer).CreateTree(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hierarchidb.Engine/CreateTree"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EngineServer).CreateTree(ctx, req.(*CreateTreeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func engineDispatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DispatchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EngineServer).Dispatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hierarchidb.Engine/Dispatch"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EngineServer).Dispatch(ctx, req.(*DispatchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func engineGetNodeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetNodeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EngineServer).GetNode(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hierarchidb.Engine/GetNode"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EngineServer).GetNode(ctx, req.(*GetNodeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func engineGetChildrenHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetChildrenRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EngineServer).GetChildren(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hierarchidb.Engine/GetChildren"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EngineServer).GetChildren(ctx, req.(*GetChildrenRequest))
	}
	return interceptor(ctx, in, info, handler)
}
