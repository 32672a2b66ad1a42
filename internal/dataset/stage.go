// Package dataset stages uploaded dataset archives on disk and builds the
// command line a worker is started with.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

var (
	ErrInvalidArchive = errors.New("invalid dataset archive")
	ErrInvalidName    = errors.New("invalid dataset name")
)

// maxFileSize limits a single extracted file.
const maxFileSize = 4 << 30

// SanitizeName derives a dataset name from an uploaded file name: the base
// name without its extension, restricted to letters, digits, '-', '_' and
// '.'. Other characters are replaced with '_'.
func SanitizeName(filename string) (string, error) {
	base := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	base = strings.TrimSuffix(base, path.Ext(base))

	var sb strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	clean := strings.Trim(sb.String(), ".")
	if clean == "" || strings.Trim(clean, "_") == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, filename)
	}
	return clean, nil
}

// Stager extracts dataset archives into per-dataset directories of Dir.
type Stager struct {
	Dir string
}

// Stage extracts the zip archive r of size bytes into Dir/name and returns
// that directory. Files of an existing dataset with the same name are
// overwritten. Entries escaping the dataset directory make the whole
// archive invalid.
func (s Stager) Stage(ctx context.Context, name string, r io.ReaderAt, size int64) (string, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidArchive, err)
	}

	if err := os.MkdirAll(filepath.Join(s.Dir, name), 0o755); err != nil {
		return "", err
	}
	root, err := os.OpenRoot(filepath.Join(s.Dir, name))
	if err != nil {
		return "", err
	}
	defer func() {
		_ = root.Close()
	}()

	var files int
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !filepath.IsLocal(filepath.FromSlash(f.Name)) {
			return "", fmt.Errorf("%w: entry %q escapes the dataset", ErrInvalidArchive, f.Name)
		}
		if err := extract(root, f); err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrInvalidArchive, f.Name, err)
		}
		if !f.FileInfo().IsDir() {
			files++
		}
	}
	slog.DebugContext(ctx, "dataset staged", "dataset", name, "files", files)
	return root.Name(), nil
}

func extract(root *os.Root, f *zip.File) error {
	name := filepath.FromSlash(strings.TrimSuffix(f.Name, "/"))
	if f.FileInfo().IsDir() {
		return root.MkdirAll(name, 0o755)
	}
	if !f.Mode().IsRegular() {
		// symlinks and devices are not part of a dataset
		return nil
	}
	if dir := filepath.Dir(name); dir != "." {
		if err := root.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer func() {
		_ = rc.Close()
	}()

	out, err := root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(rc, maxFileSize+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > maxFileSize {
		err = errors.New("file too large")
	}
	return err
}
