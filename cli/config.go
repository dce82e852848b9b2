// This file re-exports config types from internal/config for public API.
package cli

import (
	"github.com/zot/jsbridge/internal/config"
)

// Re-export config types for public API
type (
	Config            = config.Config
	ContextConfig     = config.ContextConfig
	FilesystemConfig  = config.FilesystemConfig
	ApplicationConfig = config.ApplicationConfig
	ServerConfig      = config.ServerConfig
	WatchConfig       = config.WatchConfig
	LoggingConfig     = config.LoggingConfig
	Duration          = config.Duration
)

// Re-export config functions for public API
var (
	DefaultConfig = config.DefaultConfig
	Load          = config.Load
)
