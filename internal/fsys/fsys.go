// Package fsys is the filesystem boundary of a script context. Every read, write and
// delete goes through a FileSystem whose operations are checked against a Delegate.
package fsys

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zot/jsbridge/internal/bundle"
	"github.com/zot/jsbridge/internal/config"
)

// ErrPermission is returned when the delegate refuses an operation.
var ErrPermission = fmt.Errorf("operation not permitted: %w", fs.ErrPermission)

// ErrReadOnly is returned for writes to a read-only filesystem.
var ErrReadOnly = errors.New("read-only filesystem")

// FileSystem is the set of primitives scripts and the module loader use.
// Paths are absolute host paths.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	Remove(path string) error
	Stat(path string) (fs.FileInfo, error)
}

// Delegate decides whether scripts may touch a path.
type Delegate interface {
	CanRead(path string) bool
	CanWrite(path string) bool
	CanDelete(path string) bool
}

// Allow is a Delegate that permits everything.
type Allow struct{}

func (Allow) CanRead(string) bool   { return true }
func (Allow) CanWrite(string) bool  { return true }
func (Allow) CanDelete(string) bool { return true }

// Roots permits an operation on paths inside one of its roots.
// An empty root list permits the operation everywhere.
type Roots struct {
	Read   []string
	Write  []string
	Delete []string
}

// RootsFromConfig builds the delegate described by the [filesystem] section.
func RootsFromConfig(cfg *config.Config) *Roots {
	return &Roots{
		Read:   cfg.Filesystem.ReadRoots,
		Write:  cfg.Filesystem.WriteRoots,
		Delete: cfg.Filesystem.DeleteRoots,
	}
}

func (r *Roots) CanRead(path string) bool   { return within(path, r.Read) }
func (r *Roots) CanWrite(path string) bool  { return within(path, r.Write) }
func (r *Roots) CanDelete(path string) bool { return within(path, r.Delete) }

func within(path string, roots []string) bool {
	if len(roots) == 0 {
		return true
	}
	path = filepath.Clean(path)
	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}

// OS is the host filesystem. A nil Delegate permits everything.
type OS struct {
	Delegate Delegate
}

// NewOS returns the host filesystem gated by d.
func NewOS(d Delegate) *OS {
	return &OS{Delegate: d}
}

func (o *OS) delegate() Delegate {
	if o.Delegate == nil {
		return Allow{}
	}
	return o.Delegate
}

func denied(op, path string) error {
	return &fs.PathError{Op: op, Path: path, Err: ErrPermission}
}

func (o *OS) ReadFile(path string) ([]byte, error) {
	if !o.delegate().CanRead(path) {
		return nil, denied("read", path)
	}
	return os.ReadFile(path)
}

func (o *OS) WriteFile(path string, data []byte) error {
	if !o.delegate().CanWrite(path) {
		return denied("write", path)
	}
	return os.WriteFile(path, data, 0644)
}

func (o *OS) Remove(path string) error {
	if !o.delegate().CanDelete(path) {
		return denied("remove", path)
	}
	return os.Remove(path)
}

// Stat is not gated: existence checks used by module resolution are always allowed.
func (o *OS) Stat(path string) (fs.FileInfo, error) {
	return os.Stat(path)
}

func (o *OS) Readable(path string) bool {
	return o.delegate().CanRead(path)
}

// Bundle serves a script bundle read-only under a virtual mount directory.
type Bundle struct {
	Mount    string
	Bundle   *bundle.Bundle
	Delegate Delegate
}

func (b *Bundle) rel(path string) (string, bool) {
	rel, err := filepath.Rel(b.Mount, filepath.Clean(path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// Contains reports whether path lies under the mount directory.
func (b *Bundle) Contains(path string) bool {
	_, ok := b.rel(path)
	return ok
}

func (b *Bundle) ReadFile(path string) ([]byte, error) {
	if b.Delegate != nil && !b.Delegate.CanRead(path) {
		return nil, denied("read", path)
	}
	rel, ok := b.rel(path)
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: path, Err: fs.ErrNotExist}
	}
	return b.Bundle.ReadFile(rel)
}

func (b *Bundle) WriteFile(path string, _ []byte) error {
	return &fs.PathError{Op: "write", Path: path, Err: ErrReadOnly}
}

func (b *Bundle) Remove(path string) error {
	return &fs.PathError{Op: "remove", Path: path, Err: ErrReadOnly}
}

func (b *Bundle) Readable(path string) bool {
	return b.Delegate == nil || b.Delegate.CanRead(path)
}

func (b *Bundle) Stat(path string) (fs.FileInfo, error) {
	rel, ok := b.rel(path)
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: path, Err: fs.ErrNotExist}
	}
	return b.Bundle.Stat(rel)
}

// Overlay routes paths under a bundle mount to the bundle and everything else to Base.
type Overlay struct {
	Base   FileSystem
	Mounts []*Bundle
}

func (o *Overlay) pick(path string) FileSystem {
	for _, m := range o.Mounts {
		if m.Contains(path) {
			return m
		}
	}
	return o.Base
}

func (o *Overlay) ReadFile(path string) ([]byte, error)   { return o.pick(path).ReadFile(path) }
func (o *Overlay) WriteFile(path string, data []byte) error { return o.pick(path).WriteFile(path, data) }
func (o *Overlay) Remove(path string) error                { return o.pick(path).Remove(path) }
func (o *Overlay) Stat(path string) (fs.FileInfo, error)   { return o.pick(path).Stat(path) }
func (o *Overlay) Readable(path string) bool                { return Readable(o.pick(path), path) }

// Readable reports whether the delegate behind f lets scripts read path.
// Filesystems without a delegate are readable everywhere.
func Readable(f FileSystem, path string) bool {
	if r, ok := f.(interface{ Readable(string) bool }); ok {
		return r.Readable(path)
	}
	return true
}

// FromConfig builds the filesystem described by cfg: the host filesystem gated by the
// configured roots, with the running binary's bundle mounted when one is present.
func FromConfig(cfg *config.Config) FileSystem {
	roots := RootsFromConfig(cfg)
	base := NewOS(roots)
	b, err := bundle.Self()
	if err != nil {
		if !errors.Is(err, bundle.ErrNotBundled) {
			cfg.Log(1, "fsys: no bundle: %v", err)
		}
		return base
	}
	cfg.Log(1, "fsys: mounted bundle at %s (%d files)", cfg.Filesystem.Bundle, len(b.Files()))
	return &Overlay{
		Base:   base,
		Mounts: []*Bundle{{Mount: cfg.Filesystem.Bundle, Bundle: b}},
	}
}

// IsRegular reports whether path names an existing regular file.
func IsRegular(f FileSystem, path string) bool {
	info, err := f.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// IsDir reports whether path names an existing directory.
func IsDir(f FileSystem, path string) bool {
	info, err := f.Stat(path)
	return err == nil && info.IsDir()
}
