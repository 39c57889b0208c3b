package intake

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrBadUpload marks validation failures the caller should surface as a
// 400: missing or empty file, wrong extension, or no qualifying images
// after extraction.
var ErrBadUpload = errors.New("bad upload")

// Kind declares what the caller expects the upload to be.
type Kind int

const (
	KindImage Kind = iota
	KindArchive
)

const metadataPrefix = "__MACOSX"

var imageExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {}, ".bmp": {},
}

// AllowedImage reports whether the filename has an allow-listed image
// extension.
func AllowedImage(name string) bool {
	_, ok := imageExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// AllowedArchive reports whether the filename is a supported archive.
func AllowedArchive(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".zip")
}

// Workspace is a process-isolated temporary directory holding the extracted
// images of one request. The caller must Close it on every exit path.
type Workspace struct {
	Dir string
}

func (w *Workspace) Close() error {
	if w == nil || w.Dir == "" {
		return nil
	}
	return os.RemoveAll(w.Dir)
}

// ImagesDir is the flat directory the qualifying images were extracted to.
func (w *Workspace) ImagesDir() string {
	return filepath.Join(w.Dir, "images")
}

// Extract validates the upload and materializes its images into a fresh
// workspace. It returns the workspace and the extracted image paths, sorted
// by base name. On any error no workspace is leaked.
func Extract(upload io.Reader, filename string, kind Kind) (*Workspace, []string, error) {
	if filename == "" {
		return nil, nil, fmt.Errorf("%w: no file selected", ErrBadUpload)
	}

	switch kind {
	case KindImage:
		if !AllowedImage(filename) {
			return nil, nil, fmt.Errorf("%w: file must be an image (png, jpg, jpeg, gif, webp, bmp)", ErrBadUpload)
		}
	case KindArchive:
		if !AllowedArchive(filename) {
			return nil, nil, fmt.Errorf("%w: file must be a ZIP archive", ErrBadUpload)
		}
	}

	dir, err := os.MkdirTemp("", "wildlife-upload-*")
	if err != nil {
		return nil, nil, fmt.Errorf("creating workspace: %w", err)
	}
	ws := &Workspace{Dir: dir}

	if err := os.MkdirAll(ws.ImagesDir(), os.ModePerm); err != nil {
		ws.Close()
		return nil, nil, fmt.Errorf("creating images dir: %w", err)
	}

	var images []string
	if kind == KindImage {
		images, err = saveSingleImage(ws, upload, filename)
	} else {
		images, err = extractArchive(ws, upload)
	}
	if err != nil {
		ws.Close()
		return nil, nil, err
	}

	if len(images) == 0 {
		ws.Close()
		return nil, nil, fmt.Errorf("%w: no images found in the uploaded file", ErrBadUpload)
	}

	sort.Strings(images)
	return ws, images, nil
}

func saveSingleImage(ws *Workspace, upload io.Reader, filename string) ([]string, error) {
	path := filepath.Join(ws.ImagesDir(), filepath.Base(filename))
	if err := writeFile(path, upload); err != nil {
		return nil, fmt.Errorf("saving image: %w", err)
	}
	return []string{path}, nil
}

// extractArchive unpacks the allow-listed image entries of a zip into the
// flat images directory. Directory structure is discarded: only the base
// filename is kept, so a later entry with the same base name overwrites an
// earlier one. Entries under the platform metadata prefix are skipped.
func extractArchive(ws *Workspace, upload io.Reader) ([]string, error) {
	zipPath := filepath.Join(ws.Dir, "upload.zip")
	if err := writeFile(zipPath, upload); err != nil {
		return nil, fmt.Errorf("saving archive: %w", err)
	}

	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid zip archive", ErrBadUpload)
	}
	defer reader.Close()

	seen := make(map[string]struct{})
	for _, member := range reader.File {
		if member.FileInfo().IsDir() || strings.HasPrefix(member.Name, metadataPrefix) {
			continue
		}
		if !AllowedImage(member.Name) {
			continue
		}
		base := filepath.Base(filepath.FromSlash(member.Name))
		if base == "" || base == "." {
			continue
		}

		src, err := member.Open()
		if err != nil {
			return nil, fmt.Errorf("opening archive entry %s: %w", member.Name, err)
		}
		target := filepath.Join(ws.ImagesDir(), base)
		err = writeFile(target, src)
		src.Close()
		if err != nil {
			return nil, fmt.Errorf("extracting %s: %w", member.Name, err)
		}

		if _, dup := seen[base]; dup {
			slog.Warn("duplicate archive entry overwrote earlier file", "name", base)
		}
		seen[base] = struct{}{}
	}

	images := make([]string, 0, len(seen))
	for base := range seen {
		images = append(images, filepath.Join(ws.ImagesDir(), base))
	}
	return images, nil
}

func writeFile(path string, src io.Reader) error {
	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return nil
}
