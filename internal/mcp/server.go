// Package mcp exposes a script runtime to MCP clients: tools to evaluate code and
// manage the module cache, and resources describing the runtime.
package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/zot/jsbridge/internal/config"
	"github.com/zot/jsbridge/internal/js"
)

// Server serves one runtime over MCP.
type Server struct {
	config  *config.Config
	runtime *js.Runtime
	mcp     *server.MCPServer
}

// NewServer creates an MCP server with the runtime's tools and resources registered.
func NewServer(cfg *config.Config, runtime *js.Runtime) *Server {
	s := &Server{
		config:  cfg,
		runtime: runtime,
	}
	s.mcp = server.NewMCPServer(
		cfg.Application.Name,
		cfg.Application.Version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithRecovery(),
	)
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// ServeStdio serves MCP on stdin and stdout until stdin closes.
func (s *Server) ServeStdio() error {
	s.config.Log(1, "MCP server on stdio")
	return server.ServeStdio(s.mcp)
}

// resultJSON returns v as a JSON text result.
func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultErrorFromErr("cannot encode result", err), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) registerResources() {
	s.mcp.AddResource(mcp.NewResource(
		"jsbridge://modules",
		"Cached modules",
		mcp.WithResourceDescription("Modules in the runtime's cache, in path order"),
		mcp.WithMIMEType("application/json"),
	), s.readModules)
	s.mcp.AddResource(mcp.NewResource(
		"jsbridge://config",
		"Runtime configuration",
		mcp.WithResourceDescription("Base directory, search paths and application identity of the runtime"),
		mcp.WithMIMEType("application/json"),
	), s.readConfig)
}

func (s *Server) readModules(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResource(req.Params.URI, s.runtime.Modules())
}

func (s *Server) readConfig(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	cfg := s.config
	return jsonResource(req.Params.URI, map[string]any{
		"dir":          cfg.Context.Dir,
		"paths":        cfg.SearchPaths(),
		"evictOnError": cfg.Context.EvictOnError,
		"luaModules":   cfg.Context.LuaModules,
		"application":  cfg.Application,
	})
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
