package mcp

import (
	"context"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"storysave/internal/editor"
)

type Server struct {
	editor *editor.Editor
	mcp    *sdk.Server
}

func NewServer(ed *editor.Editor, version string) *Server {
	s := &Server{
		editor: ed,
		mcp: sdk.NewServer(&sdk.Implementation{
			Name:    "storysave",
			Version: version,
		}, nil),
	}
	s.registerTools()
	return s
}

func (s *Server) Run(ctx context.Context, transport sdk.Transport) error {
	return s.mcp.Run(ctx, transport)
}
