package fsys

import (
	"archive/zip"
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/zot/jsbridge/internal/bundle"
)

func TestRootsDelegate(t *testing.T) {
	r := &Roots{Read: []string{"/data"}, Write: []string{"/data/out"}}

	if !r.CanRead("/data/x.js") || !r.CanRead("/data") {
		t.Error("paths inside the read root should be readable")
	}
	if r.CanRead("/database/x.js") || r.CanRead("/etc/passwd") {
		t.Error("paths outside the read root should not be readable")
	}
	if r.CanWrite("/data/x.js") {
		t.Error("write root should be narrower than read root")
	}
	if !r.CanWrite("/data/out/x.txt") {
		t.Error("path inside write root should be writable")
	}
	if !r.CanDelete("/anything") {
		t.Error("empty delete roots should permit everything")
	}
}

func TestOSPermissions(t *testing.T) {
	dir := t.TempDir()
	allowed := filepath.Join(dir, "allowed")
	if err := os.MkdirAll(allowed, 0755); err != nil {
		t.Fatal(err)
	}
	f := NewOS(&Roots{Read: []string{allowed}, Write: []string{allowed}, Delete: []string{allowed}})

	inside := filepath.Join(allowed, "a.txt")
	if err := f.WriteFile(inside, []byte("hi")); err != nil {
		t.Fatalf("write inside root failed: %v", err)
	}
	data, err := f.ReadFile(inside)
	if err != nil || string(data) != "hi" {
		t.Fatalf("read inside root: %q %v", data, err)
	}

	outside := filepath.Join(dir, "b.txt")
	if err := f.WriteFile(outside, []byte("no")); !errors.Is(err, fs.ErrPermission) {
		t.Errorf("expected permission error writing outside root, got %v", err)
	}
	if err := os.WriteFile(outside, []byte("host"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ReadFile(outside); !errors.Is(err, ErrPermission) {
		t.Errorf("expected ErrPermission reading outside root, got %v", err)
	}
	if !IsRegular(f, outside) {
		t.Error("Stat should not be gated by the delegate")
	}
	if err := f.Remove(outside); !errors.Is(err, fs.ErrPermission) {
		t.Errorf("expected permission error removing outside root, got %v", err)
	}
	if err := f.Remove(inside); err != nil {
		t.Errorf("remove inside root failed: %v", err)
	}
}

func TestNilDelegateAllowsAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x")
	f := NewOS(nil)
	if err := f.WriteFile(path, []byte("x")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if !IsRegular(f, path) || IsDir(f, path) {
		t.Error("expected a regular file")
	}
	if !IsDir(f, filepath.Dir(path)) {
		t.Error("expected a directory")
	}
}

func testBundle(t *testing.T, files map[string]string) *bundle.Bundle {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte(content))
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	r, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	return bundle.New(r)
}

func TestOverlay(t *testing.T) {
	dir := t.TempDir()
	hostFile := filepath.Join(dir, "host.js")
	if err := os.WriteFile(hostFile, []byte("host"), 0644); err != nil {
		t.Fatal(err)
	}
	o := &Overlay{
		Base: NewOS(nil),
		Mounts: []*Bundle{{
			Mount:  "/bundle",
			Bundle: testBundle(t, map[string]string{"lib/util.js": "bundled"}),
		}},
	}

	data, err := o.ReadFile("/bundle/lib/util.js")
	if err != nil || string(data) != "bundled" {
		t.Fatalf("bundle read: %q %v", data, err)
	}
	if !IsRegular(o, "/bundle/lib/util.js") || !IsDir(o, "/bundle/lib") {
		t.Error("bundle entries should stat through the overlay")
	}
	if IsRegular(o, "/bundle/lib/missing.js") {
		t.Error("missing bundle entry should not exist")
	}
	if err := o.WriteFile("/bundle/new.js", nil); !errors.Is(err, ErrReadOnly) {
		t.Errorf("expected read-only error, got %v", err)
	}
	data, err = o.ReadFile(hostFile)
	if err != nil || string(data) != "host" {
		t.Fatalf("host read through overlay: %q %v", data, err)
	}
}
