package acquire

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/born-ml/stemconv/internal/logging"
)

// ErrUnsafePath is returned for archive entries that would land outside
// the extraction directory.
var ErrUnsafePath = errors.New("unsafe path in archive")

// Extract unpacks the gzip-compressed tarball at archive into dir. Entries
// are written to a sibling staging directory that is renamed to dir when
// extraction completes, so an existing dir always holds a complete
// archive. Absolute paths, ".." components and links are rejected.
func Extract(ctx context.Context, archive, dir string) error {
	f, err := os.Open(archive) //nolint:gosec // G304: path built from the work directory.
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%s: %w", archive, err)
	}
	defer func() {
		_ = zr.Close()
	}()

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("failed to create extraction parent: %w", err)
	}
	staging, err := os.MkdirTemp(filepath.Dir(dir), filepath.Base(dir)+".extract.*")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(staging)
	}()

	files, err := untar(ctx, tar.NewReader(zr), staging)
	if err != nil {
		return fmt.Errorf("%s: %w", archive, err)
	}
	if err := os.Rename(staging, dir); err != nil {
		return fmt.Errorf("failed to move extracted files into place: %w", err)
	}

	logging.FromContext(ctx).Info("extracted archive", "archive", archive, "dir", dir, "files", files)
	return nil
}

func untar(ctx context.Context, tr *tar.Reader, dest string) (int, error) {
	files := 0
	for {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return files, fmt.Errorf("%w: %q", ErrUnsafePath, hdr.Name)
		}
		if err != nil {
			return files, fmt.Errorf("read tar: %w", err)
		}

		name := filepath.FromSlash(hdr.Name)
		if !filepath.IsLocal(name) {
			return files, fmt.Errorf("%w: %q", ErrUnsafePath, hdr.Name)
		}
		target := filepath.Join(dest, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := writeEntry(tr, target); err != nil {
				return files, err
			}
			files++
		case tar.TypeSymlink, tar.TypeLink:
			return files, fmt.Errorf("%w: link %q", ErrUnsafePath, hdr.Name)
		default:
			// PAX headers and other metadata entries carry no files.
		}
	}
}

func writeEntry(r io.Reader, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) //nolint:gosec // G304: checked local path.
	if err != nil {
		return err
	}
	//nolint:gosec // G110: archives come from the configured release URL.
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
