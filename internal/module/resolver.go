package module

import (
	"path/filepath"
	"strings"

	"github.com/zot/jsbridge/internal/config"
	"github.com/zot/jsbridge/internal/fsys"
)

// Resolver maps a specifier to an absolute file path or a built-in name.
type Resolver struct {
	FS       fsys.FileSystem
	Builtins *Registry
	Config   *config.Config
}

// candidates lists, in order, the files tried for a base path.
func candidates(base string) []string {
	return []string{
		base,
		base + ".js",
		base + ".json",
		filepath.Join(base, "index.js"),
	}
}

// IsRelative reports whether spec is resolved only against the requesting directory.
func IsRelative(spec string) bool {
	return spec == "." || spec == ".." ||
		strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../")
}

// Resolve resolves specifier requested from fromDir. Relative specifiers only look in
// fromDir; other specifiers try each of searchPaths in order. Built-in names resolve to
// themselves without touching the filesystem.
func (r *Resolver) Resolve(specifier, fromDir string, searchPaths []string) (string, bool) {
	if specifier == "" {
		return "", false
	}
	if r.Builtins.IsBuiltin(specifier) {
		return specifier, true
	}

	var bases []string
	switch {
	case IsRelative(specifier):
		bases = []string{filepath.Join(fromDir, filepath.FromSlash(specifier))}
	case filepath.IsAbs(specifier):
		bases = []string{filepath.Clean(specifier)}
	default:
		for _, dir := range searchPaths {
			if dir == "" {
				continue
			}
			bases = append(bases, filepath.Join(dir, filepath.FromSlash(specifier)))
		}
	}

	for _, base := range bases {
		for _, candidate := range candidates(base) {
			if fsys.IsRegular(r.FS, candidate) {
				r.Config.Log(3, "resolve: %s -> %s", specifier, candidate)
				return candidate, true
			}
		}
	}
	r.Config.Log(3, "resolve: %s not found from %s (paths %v)", specifier, fromDir, searchPaths)
	return "", false
}
