package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/zot/jsbridge/internal/js"
	"github.com/zot/jsbridge/internal/module"
)

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("eval",
		mcp.WithDescription("Evaluate JavaScript in the runtime's global scope and return the result as JSON"),
		mcp.WithString("code", mcp.Required(), mcp.Description("JavaScript source")),
	), s.handleEval)
	s.mcp.AddTool(mcp.NewTool("require",
		mcp.WithDescription("Require a module from the runtime's base directory and return its exports as JSON"),
		mcp.WithString("specifier", mcp.Required(), mcp.Description("Module specifier, e.g. ./lib/util or events")),
	), s.handleRequire)
	s.mcp.AddTool(mcp.NewTool("resolve",
		mcp.WithDescription("Resolve a module specifier to the path require would load"),
		mcp.WithString("specifier", mcp.Required(), mcp.Description("Module specifier")),
	), s.handleResolve)
	s.mcp.AddTool(mcp.NewTool("list_modules",
		mcp.WithDescription("List the modules in the runtime's cache"),
	), s.handleListModules)
	s.mcp.AddTool(mcp.NewTool("invalidate_module",
		mcp.WithDescription("Drop a module from the cache so the next require evaluates it again"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path of the cached module")),
	), s.handleInvalidate)
	s.mcp.AddTool(mcp.NewTool("clear_cache",
		mcp.WithDescription("Drop every module from the cache"),
	), s.handleClearCache)
	s.mcp.AddTool(mcp.NewTool("post_notification",
		mcp.WithDescription("Post a notification to the runtime's event center"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Notification name")),
		mcp.WithObject("userInfo", mcp.Description("Data delivered with the notification")),
	), s.handlePostNotification)
}

// toolError reports err to the client, with the module error code when there is one.
func toolError(err error) *mcp.CallToolResult {
	switch err.(type) {
	case *module.NotFoundError, *module.LoadIOError, *module.JSONParseError:
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", module.ErrorCode(err), err))
	}
	return mcp.NewToolResultError(err.Error())
}

func (s *Server) handleEval(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	v, err := s.runtime.Eval(code)
	if err != nil {
		return toolError(err), nil
	}
	return resultJSON(v)
}

func (s *Server) handleRequire(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	spec, err := req.RequireString("specifier")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	v, err := s.runtime.Require(spec)
	if err != nil {
		return toolError(err), nil
	}
	return resultJSON(v)
}

func (s *Server) handleResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	spec, err := req.RequireString("specifier")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path, ok := s.runtime.Resolve(spec)
	if !ok {
		return toolError(&module.NotFoundError{Specifier: spec}), nil
	}
	return mcp.NewToolResultText(path), nil
}

func (s *Server) handleListModules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mods := s.runtime.Modules()
	if mods == nil {
		mods = []js.ModuleInfo{}
	}
	return resultJSON(mods)
}

func (s *Server) handleInvalidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return resultJSON(map[string]any{"invalidated": s.runtime.Invalidate(path)})
}

func (s *Server) handleClearCache(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.runtime.ClearCache()
	return mcp.NewToolResultText("cache cleared"), nil
}

func (s *Server) handlePostNotification(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	userInfo, _ := req.GetArguments()["userInfo"].(map[string]any)
	observed, err := s.runtime.PostNotification(name, nil, userInfo)
	if err != nil {
		return toolError(err), nil
	}
	return resultJSON(map[string]any{"observed": observed})
}
