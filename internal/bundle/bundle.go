// Package bundle appends a zip of script files to an executable and reads it back.
package bundle

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	// MagicMarker identifies bundled binaries
	MagicMarker = "JSBRIDGE"
	// FooterSize: 8 bytes offset + 8 bytes size + 8 bytes magic
	FooterSize = 24
	// maxLinkHops bounds symlink chains inside a bundle
	maxLinkHops = 8
)

// ErrNotBundled is returned when a binary carries no bundle.
var ErrNotBundled = errors.New("binary is not bundled")

// IgnoreFiles matches editor backup and lock files that are never bundled.
var IgnoreFiles = regexp.MustCompile(`^(|.*/)((#|\.#)[^/]*|[^/]*~)$`)

// Footer contains metadata about the bundled ZIP
type Footer struct {
	Offset int64   // Offset to start of ZIP data
	Size   int64   // Size of ZIP data
	Magic  [8]byte // "JSBRIDGE"
}

// Bundle is a read-only view of the scripts appended to a binary.
type Bundle struct {
	reader *zip.Reader
	files  map[string]*zip.File
	dirs   map[string]bool
}

// CreateBundle writes outputPath as a copy of sourceBinary with scriptsDir appended.
// Any bundle already present on sourceBinary is replaced.
func CreateBundle(sourceBinary, scriptsDir, outputPath string) error {
	binarySize, err := GetBinarySize(sourceBinary)
	if err != nil {
		return fmt.Errorf("failed to get binary size: %w", err)
	}

	srcFile, err := os.Open(sourceBinary)
	if err != nil {
		return fmt.Errorf("failed to open source binary: %w", err)
	}
	defer srcFile.Close()

	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	if _, err := io.CopyN(outFile, srcFile, binarySize); err != nil {
		return fmt.Errorf("failed to copy binary: %w", err)
	}

	zipData, err := zipDir(scriptsDir)
	if err != nil {
		return err
	}
	if _, err := outFile.Write(zipData); err != nil {
		return fmt.Errorf("failed to write ZIP data: %w", err)
	}

	footer := Footer{Offset: binarySize, Size: int64(len(zipData))}
	copy(footer.Magic[:], MagicMarker)
	if err := binary.Write(outFile, binary.LittleEndian, footer); err != nil {
		return fmt.Errorf("failed to write footer: %w", err)
	}
	return nil
}

// zipDir returns the zipped contents of dir.
func zipDir(dir string) ([]byte, error) {
	var zipBuf bytes.Buffer
	zipWriter := zip.NewWriter(&zipBuf)
	if err := addDirToZip(zipWriter, dir); err != nil {
		zipWriter.Close()
		return nil, fmt.Errorf("failed to add files to ZIP: %w", err)
	}
	if err := zipWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to close ZIP writer: %w", err)
	}
	return zipBuf.Bytes(), nil
}

// addDirToZip recursively adds directory contents to ZIP, preserving relative symlinks
func addDirToZip(zipWriter *zip.Writer, sourceDir string) error {
	absSourceDir, err := filepath.Abs(sourceDir)
	if err != nil {
		return fmt.Errorf("failed to get absolute path of source: %w", err)
	}

	return filepath.WalkDir(sourceDir, func(filePath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || IgnoreFiles.MatchString(filePath) {
			return nil
		}

		relPath, err := filepath.Rel(sourceDir, filePath)
		if err != nil {
			return err
		}
		zipPath := filepath.ToSlash(relPath)

		info, err := os.Lstat(filePath)
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return addSymlinkToZip(zipWriter, filePath, zipPath, absSourceDir)
		}
		return addRegularFileToZip(zipWriter, filePath, zipPath, info)
	})
}

func addRegularFileToZip(zipWriter *zip.Writer, filePath, zipPath string, info fs.FileInfo) error {
	header := &zip.FileHeader{
		Name:     zipPath,
		Method:   zip.Deflate,
		Modified: info.ModTime(),
	}
	header.SetMode(info.Mode())

	writer, err := zipWriter.CreateHeader(header)
	if err != nil {
		return err
	}

	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = io.Copy(writer, file)
	return err
}

func addSymlinkToZip(zipWriter *zip.Writer, filePath, zipPath, absSourceDir string) error {
	target, err := os.Readlink(filePath)
	if err != nil {
		return fmt.Errorf("failed to read symlink %s: %w", filePath, err)
	}
	if filepath.IsAbs(target) {
		return fmt.Errorf("absolute symlink not allowed: %s -> %s", filePath, target)
	}
	absTarget, err := filepath.Abs(filepath.Join(filepath.Dir(filePath), target))
	if err != nil {
		return fmt.Errorf("failed to resolve symlink target: %w", err)
	}
	if !isWithinDir(absTarget, absSourceDir) {
		return fmt.Errorf("symlink escapes bundle: %s -> %s", filePath, target)
	}

	header := &zip.FileHeader{Name: zipPath, Method: zip.Store}
	header.SetMode(os.ModeSymlink | 0777)
	writer, err := zipWriter.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = writer.Write([]byte(filepath.ToSlash(target)))
	return err
}

func isWithinDir(absPath, absDir string) bool {
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// readFooter returns the footer of f, or ok=false when f carries no bundle.
func readFooter(f io.ReaderAt, size int64) (footer Footer, ok bool, err error) {
	if size < FooterSize {
		return footer, false, nil
	}
	buf := make([]byte, FooterSize)
	if _, err := f.ReadAt(buf, size-FooterSize); err != nil {
		return footer, false, fmt.Errorf("failed to read footer: %w", err)
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &footer); err != nil {
		return footer, false, nil
	}
	if string(footer.Magic[:]) != MagicMarker {
		return footer, false, nil
	}
	if footer.Offset < 0 || footer.Size < 0 || footer.Offset+footer.Size > size-FooterSize {
		return footer, false, fmt.Errorf("corrupt bundle footer")
	}
	return footer, true, nil
}

// GetBinarySize returns the size of the executable portion (excluding bundle).
func GetBinarySize(binaryPath string) (int64, error) {
	file, err := os.Open(binaryPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open binary: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat binary: %w", err)
	}
	footer, ok, err := readFooter(file, info.Size())
	if err != nil || !ok {
		return info.Size(), nil
	}
	return footer.Offset, nil
}

// Open reads the bundle appended to the binary at binaryPath.
// It returns ErrNotBundled when there is none.
func Open(binaryPath string) (*Bundle, error) {
	data, err := os.ReadFile(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read binary: %w", err)
	}
	footer, ok, err := readFooter(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotBundled
	}
	zipData := data[footer.Offset : footer.Offset+footer.Size]
	reader, err := zip.NewReader(bytes.NewReader(zipData), footer.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to open ZIP reader: %w", err)
	}
	return New(reader), nil
}

// Self opens the bundle of the running executable.
func Self() (*Bundle, error) {
	exePath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable path: %w", err)
	}
	return Open(exePath)
}

// New indexes a zip reader as a Bundle.
func New(reader *zip.Reader) *Bundle {
	b := &Bundle{
		reader: reader,
		files:  make(map[string]*zip.File, len(reader.File)),
		dirs:   map[string]bool{".": true},
	}
	for _, f := range reader.File {
		name := strings.TrimSuffix(f.Name, "/")
		if f.FileInfo().IsDir() {
			b.dirs[name] = true
			continue
		}
		b.files[name] = f
		for dir := path.Dir(name); dir != "."; dir = path.Dir(dir) {
			b.dirs[dir] = true
		}
	}
	return b
}

func clean(name string) string {
	name = strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(name)), "/")
	if name == "" {
		return "."
	}
	return name
}

// resolve follows symlink entries and returns the regular file for name.
func (b *Bundle) resolve(name string) (*zip.File, error) {
	name = clean(name)
	for range maxLinkHops {
		f, ok := b.files[name]
		if !ok {
			return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
		}
		if f.Mode()&os.ModeSymlink == 0 {
			return f, nil
		}
		target, err := readAll(f)
		if err != nil {
			return nil, err
		}
		name = clean(path.Join(path.Dir(name), string(target)))
	}
	return nil, &fs.PathError{Op: "open", Path: name, Err: errors.New("too many links")}
}

func readAll(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// ReadFile reads a file from the bundle.
func (b *Bundle) ReadFile(name string) ([]byte, error) {
	f, err := b.resolve(name)
	if err != nil {
		return nil, err
	}
	return readAll(f)
}

// Stat describes a bundled file or directory.
func (b *Bundle) Stat(name string) (fs.FileInfo, error) {
	name = clean(name)
	if b.dirs[name] {
		return dirInfo(path.Base(name)), nil
	}
	f, err := b.resolve(name)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return f.FileInfo(), nil
}

// Files lists the bundled files in order.
func (b *Bundle) Files() []string {
	names := make([]string, 0, len(b.files))
	for name := range b.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Extract writes the bundled files under targetDir.
func (b *Bundle) Extract(targetDir string) error {
	absTargetDir, err := filepath.Abs(targetDir)
	if err != nil {
		return err
	}
	for _, name := range b.Files() {
		targetPath := filepath.Join(absTargetDir, filepath.FromSlash(name))
		if !isWithinDir(targetPath, absTargetDir) {
			return fmt.Errorf("zip entry escapes target directory: %s", name)
		}
		data, err := b.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to extract %s: %w", name, err)
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(targetPath, data, 0644); err != nil {
			return err
		}
	}
	return nil
}

type dirInfo string

func (d dirInfo) Name() string       { return string(d) }
func (d dirInfo) Size() int64        { return 0 }
func (d dirInfo) Mode() fs.FileMode  { return fs.ModeDir | 0555 }
func (d dirInfo) ModTime() time.Time { return time.Time{} }
func (d dirInfo) IsDir() bool        { return true }
func (d dirInfo) Sys() any           { return nil }
