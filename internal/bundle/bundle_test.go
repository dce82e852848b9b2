package bundle

import (
	"archive/zip"
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func zipOf(t *testing.T, dir string) *Bundle {
	t.Helper()
	data, err := zipDir(dir)
	if err != nil {
		t.Fatalf("zipDir failed: %v", err)
	}
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("failed to read ZIP: %v", err)
	}
	return New(reader)
}

func TestZipDir_RegularFiles(t *testing.T) {
	tmpDir := t.TempDir()
	writeFile(t, filepath.Join(tmpDir, "lib", "index.js"), "module.exports = 1")
	writeFile(t, filepath.Join(tmpDir, "main.js"), "require('./lib')")
	writeFile(t, filepath.Join(tmpDir, "main.js~"), "backup")

	b := zipOf(t, tmpDir)
	files := b.Files()
	if len(files) != 2 || files[0] != "lib/index.js" || files[1] != "main.js" {
		t.Fatalf("unexpected files %v", files)
	}

	data, err := b.ReadFile("/lib/index.js")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "module.exports = 1" {
		t.Errorf("unexpected content %q", data)
	}

	info, err := b.Stat("lib")
	if err != nil || !info.IsDir() {
		t.Errorf("lib should be a directory: %v %v", info, err)
	}
	if _, err := b.Stat("missing.js"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestZipDir_RelativeSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require special permissions on Windows")
	}
	tmpDir := t.TempDir()
	writeFile(t, filepath.Join(tmpDir, "shared", "data.js"), "shared")
	if err := os.MkdirAll(filepath.Join(tmpDir, "app"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("../shared/data.js", filepath.Join(tmpDir, "app", "link.js")); err != nil {
		t.Skipf("cannot create symlink: %v", err)
	}

	b := zipOf(t, tmpDir)
	data, err := b.ReadFile("app/link.js")
	if err != nil {
		t.Fatalf("ReadFile through symlink failed: %v", err)
	}
	if string(data) != "shared" {
		t.Errorf("expected symlink target content, got %q", data)
	}
	info, err := b.Stat("app/link.js")
	if err != nil || !info.Mode().IsRegular() {
		t.Errorf("symlink should stat as its regular target: %v %v", info, err)
	}
}

func TestZipDir_EscapingSymlink_Rejected(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require special permissions on Windows")
	}
	tmpDir := t.TempDir()
	src := filepath.Join(tmpDir, "src")
	writeFile(t, filepath.Join(tmpDir, "outside.js"), "secret")
	if err := os.MkdirAll(src, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("../outside.js", filepath.Join(src, "escape.js")); err != nil {
		t.Skipf("cannot create symlink: %v", err)
	}
	if _, err := zipDir(src); err == nil {
		t.Fatal("expected escaping symlink to be rejected")
	}
}

func TestCreateAndOpenBundle(t *testing.T) {
	tmpDir := t.TempDir()
	binary := filepath.Join(tmpDir, "bin")
	writeFile(t, binary, "#!fake executable")
	scripts := filepath.Join(tmpDir, "scripts")
	writeFile(t, filepath.Join(scripts, "main.js"), "exports.ok = true")

	if _, err := Open(binary); !errors.Is(err, ErrNotBundled) {
		t.Fatalf("plain binary should not be bundled, got %v", err)
	}

	out := filepath.Join(tmpDir, "bundled")
	if err := CreateBundle(binary, scripts, out); err != nil {
		t.Fatalf("CreateBundle failed: %v", err)
	}
	b, err := Open(out)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	data, err := b.ReadFile("main.js")
	if err != nil || string(data) != "exports.ok = true" {
		t.Fatalf("unexpected bundled content %q: %v", data, err)
	}

	size, err := GetBinarySize(out)
	if err != nil {
		t.Fatal(err)
	}
	if size != int64(len("#!fake executable")) {
		t.Errorf("expected executable size %d, got %d", len("#!fake executable"), size)
	}

	// rebundling replaces the previous bundle
	writeFile(t, filepath.Join(scripts, "main.js"), "exports.ok = 2")
	again := filepath.Join(tmpDir, "again")
	if err := CreateBundle(out, scripts, again); err != nil {
		t.Fatalf("CreateBundle from bundled binary failed: %v", err)
	}
	b, err = Open(again)
	if err != nil {
		t.Fatal(err)
	}
	data, _ = b.ReadFile("main.js")
	if string(data) != "exports.ok = 2" {
		t.Errorf("expected rebundled content, got %q", data)
	}
}

func TestExtract(t *testing.T) {
	tmpDir := t.TempDir()
	scripts := filepath.Join(tmpDir, "scripts")
	writeFile(t, filepath.Join(scripts, "a", "b.js"), "b")
	b := zipOf(t, scripts)

	target := filepath.Join(tmpDir, "out")
	if err := b.Extract(target); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(target, "a", "b.js"))
	if err != nil || string(data) != "b" {
		t.Errorf("unexpected extracted content %q: %v", data, err)
	}
}

func TestIsWithinDir(t *testing.T) {
	tests := []struct {
		path, dir string
		want      bool
	}{
		{"/a/b/c", "/a/b", true},
		{"/a/b", "/a/b", true},
		{"/a/bc", "/a/b", false},
		{"/a", "/a/b", false},
		{"/a/b/..foo", "/a/b", true},
	}
	for _, tt := range tests {
		if got := isWithinDir(tt.path, tt.dir); got != tt.want {
			t.Errorf("isWithinDir(%q, %q) = %v, want %v", tt.path, tt.dir, got, tt.want)
		}
	}
}
