// This file re-exports the runtime and servers for embedding projects.
package cli

import (
	"github.com/zot/jsbridge/internal/builtin"
	"github.com/zot/jsbridge/internal/js"
	"github.com/zot/jsbridge/internal/mcp"
	"github.com/zot/jsbridge/internal/module"
	"github.com/zot/jsbridge/internal/server"
)

// Re-export runtime types
type (
	Runtime       = js.Runtime
	RuntimeOption = js.Option
	ModuleInfo    = js.ModuleInfo
	ModuleLoader  = module.ModuleLoader
	ConsoleOutput = builtin.Output
	Server        = server.Server
	MCPServer     = mcp.Server
)

// Re-export constructors and runtime options
var (
	NewRuntime     = js.New
	NewServer      = server.New
	NewMCPServer   = mcp.NewServer
	WithBuiltin    = js.WithBuiltin
	WithSource     = js.WithSource
	WithConsole    = js.WithConsole
	WithFileSystem = js.WithFileSystem
)
