// Package packager turns a job's output directory into a single zip archive.
package packager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
)

var (
	// ErrPackaging wraps every failure of Package.
	ErrPackaging     = errors.New("packaging failed")
	ErrSourceMissing = errors.New("source directory missing")
	ErrNoFiles       = errors.New("no files to package")
)

// Packager writes archives into Dir, one per job, named <jobID>.zip.
type Packager struct {
	dir string
}

func New(dir string) *Packager {
	return &Packager{dir: dir}
}

// ArchivePath is the deterministic location of the archive for jobID.
func (p *Packager) ArchivePath(jobID string) string {
	return filepath.Join(p.dir, jobID+".zip")
}

// Package archives every regular file under sourceDir into
// ArchivePath(jobID) and returns that path. The archive appears atomically:
// it is written to a temporary file first and renamed on success. Errors
// wrap ErrPackaging.
func (p *Packager) Package(ctx context.Context, jobID, sourceDir string) (string, error) {
	archive, err := p.pack(ctx, jobID, sourceDir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPackaging, err)
	}
	return archive, nil
}

func (p *Packager) pack(ctx context.Context, jobID, sourceDir string) (string, error) {
	root, err := os.OpenRoot(sourceDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrSourceMissing, sourceDir)
		}
		return "", fmt.Errorf("opening %s: %w", sourceDir, err)
	}
	defer func() {
		_ = root.Close()
	}()

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating archive directory: %w", err)
	}
	tmp, err := os.CreateTemp(p.dir, "."+jobID+"-*.zip")
	if err != nil {
		return "", fmt.Errorf("creating archive: %w", err)
	}
	defer func() {
		// no-op after a successful rename
		_ = os.Remove(tmp.Name())
	}()

	files, err := writeZip(ctx, tmp, root.FS())
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("closing archive: %w", cerr)
	}
	if err != nil {
		return "", err
	}
	if files == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoFiles, sourceDir)
	}

	archive := p.ArchivePath(jobID)
	if err := os.Rename(tmp.Name(), archive); err != nil {
		return "", fmt.Errorf("moving archive in place: %w", err)
	}
	slog.DebugContext(ctx, "archive written", "path", archive, "files", files)
	return archive, nil
}

func writeZip(ctx context.Context, w io.Writer, fsys fs.FS) (int, error) {
	zw := zip.NewWriter(w)
	var files int
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := addFile(zw, fsys, path, d); err != nil {
			return fmt.Errorf("adding %s: %w", path, err)
		}
		files++
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("finishing archive: %w", err)
	}
	return files, nil
}

func addFile(zw *zip.Writer, fsys fs.FS, path string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(path)
	hdr.Method = zip.Deflate

	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	src, err := fsys.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
	}()
	_, err = io.Copy(dst, src)
	return err
}
