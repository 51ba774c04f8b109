// Package mcp exposes the card collection to agents over the Model Context
// Protocol.
package mcp

import (
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/search"
)

// Version is set via ldflags at build time.
var Version = "dev"

// CreatedBy marks cards and connections made through MCP tools.
const CreatedBy = "ai"

// Server wraps an MCP server that exposes card tools.
type Server struct {
	cards  *cards.Store
	index  *search.Index
	logger *zap.Logger
	mcp    *server.MCPServer
}

// NewServer creates an MCP server over store. index may be nil, in which
// case search_cards falls back to substring matching.
func NewServer(store *cards.Store, index *search.Index, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cards:  store,
		index:  index,
		logger: logger,
	}

	s.mcp = server.NewMCPServer(
		"nabokov",
		Version,
		server.WithToolCapabilities(false),
	)

	s.registerTools()

	return s
}

func (s *Server) registerTools() {
	s.mcp.AddTool(searchCardsTool, s.handleSearchCards)
	s.mcp.AddTool(getCardTool, s.handleGetCard)
	s.mcp.AddTool(listConnectionsTool, s.handleListConnections)
	s.mcp.AddTool(createNoteTool, s.handleCreateNote)
}

// Serve starts the MCP server on stdio. Stdout carries protocol messages;
// all logging must go to stderr.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcp)
}
