package source

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/anvillabs/crucible/internal/validation"
)

const (
	// defaultMaxArchiveBytes caps the total uncompressed payload.
	defaultMaxArchiveBytes = 256 << 20
	// defaultMaxArchiveFiles caps the number of extracted files.
	defaultMaxArchiveFiles = 20_000
)

// ArchiveFetcher extracts an uploaded tar.gz stream into the build
// workspace. Entries are extracted verbatim, no root directory is
// stripped; tarballs that nest the project under a top-level directory are
// built with the request's subdir instead.
type ArchiveFetcher struct {
	r io.Reader
	// MaxBytes caps the total uncompressed bytes written.
	MaxBytes int64
	// MaxFiles caps the number of regular files extracted.
	MaxFiles int

	logger *slog.Logger
}

// NewArchiveFetcher wraps a tar.gz stream with the default extraction
// limits.
func NewArchiveFetcher(r io.Reader, logger *slog.Logger) *ArchiveFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveFetcher{
		r:        r,
		MaxBytes: defaultMaxArchiveBytes,
		MaxFiles: defaultMaxArchiveFiles,
		logger:   logger,
	}
}

// Fetch extracts the archive into dest. Directories and regular files are
// written; symlinks, hardlinks, and devices are skipped. An entry that
// resolves outside dest fails the whole extraction, as does blowing either
// extraction limit.
func (f *ArchiveFetcher) Fetch(ctx context.Context, dest string) error {
	if f.r == nil {
		return errors.New("archive stream is required")
	}

	gz, err := gzip.NewReader(f.r)
	if err != nil {
		return fmt.Errorf("decompress archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var total int64
	files := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		if skipEntry(hdr.Name) {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			abs, _, err := validation.ResolveUnder(dest, hdr.Name)
			if err != nil {
				return fmt.Errorf("archive entry %s: %w", hdr.Name, err)
			}
			if err := os.MkdirAll(abs, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", hdr.Name, err)
			}

		case tar.TypeReg:
			files++
			if files > f.MaxFiles {
				return fmt.Errorf("archive holds more than %d files", f.MaxFiles)
			}
			abs, rel, err := validation.ResolveUnder(dest, hdr.Name)
			if err != nil {
				return fmt.Errorf("archive entry %s: %w", hdr.Name, err)
			}
			written, err := f.writeFile(abs, rel, hdr, tr, f.MaxBytes-total)
			if err != nil {
				return err
			}
			total += written
			if total > f.MaxBytes {
				return fmt.Errorf("archive exceeds the %d byte limit", f.MaxBytes)
			}

		case tar.TypeXGlobalHeader, tar.TypeXHeader:
			// pax metadata carries no payload

		default:
			f.logger.Warn("skipping unsupported archive entry",
				"name", hdr.Name,
				"type", hdr.Typeflag,
			)
		}
	}

	f.logger.Info("extracted archive", "files", files, "bytes", total)
	return nil
}

// writeFile writes one regular entry, reading at most remaining+1 bytes so
// an oversized archive is detected without being fully written.
func (f *ArchiveFetcher) writeFile(abs, rel string, hdr *tar.Header, tr *tar.Reader, remaining int64) (int64, error) {
	if remaining < 0 {
		remaining = 0
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return 0, fmt.Errorf("create parent directories for %s: %w", rel, err)
	}

	perm := hdr.FileInfo().Mode().Perm()
	if perm == 0 {
		perm = fs.FileMode(0o644)
	}
	out, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", rel, err)
	}
	written, err := io.Copy(out, io.LimitReader(tr, remaining+1))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return written, fmt.Errorf("write %s: %w", rel, err)
	}
	return written, nil
}

// skipEntry filters tar metadata entries that are not project files.
func skipEntry(name string) bool {
	base := filepath.Base(filepath.ToSlash(name))
	return strings.Contains(name, "pax_global_header") || strings.HasPrefix(base, "._")
}
