// Package artifacts classifies the files a sandboxed build leaves in its
// output directory.
package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/anvillabs/crucible/internal/models"
)

// Output directory conventions. Paths are relative to the output root.
const (
	deployDir = "deploy"
	idlDir    = "idl"
	typesDir  = "types"
)

// Scanner inspects a build output directory and groups its files into
// artifact categories. Scanning is read-only and classification looks only
// at directory placement and file extension.
type Scanner struct {
	logger *slog.Logger
}

// NewScanner creates a scanner.
func NewScanner(logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{logger: logger}
}

// Scan walks the conventional subdirectories of outputRoot and returns the
// classified artifacts. A missing subdirectory contributes zero artifacts of
// its categories. Results are sorted by name, so scanning an unchanged
// directory twice returns identical sets.
func (s *Scanner) Scan(ctx context.Context, outputRoot string) (*models.ArtifactSet, error) {
	if outputRoot == "" {
		return nil, fmt.Errorf("output root is required")
	}

	set := &models.ArtifactSet{}

	deployFiles, err := s.walk(ctx, filepath.Join(outputRoot, deployDir))
	if err != nil {
		return nil, err
	}
	for _, f := range deployFiles {
		switch {
		case strings.HasSuffix(f.name, "-keypair.json"):
			set.Credentials = append(set.Credentials, models.Artifact{
				Name:     f.name,
				Category: models.ArtifactCredential,
				Path:     f.path,
			})
		case strings.HasSuffix(f.name, ".so"):
			set.Binaries = append(set.Binaries, models.Artifact{
				Name:     f.name,
				Category: models.ArtifactBinary,
				Path:     f.path,
			})
		}
	}

	idlFiles, err := s.walk(ctx, filepath.Join(outputRoot, idlDir))
	if err != nil {
		return nil, err
	}
	for _, f := range idlFiles {
		if strings.HasSuffix(f.name, ".json") {
			set.Descriptors = append(set.Descriptors, models.Artifact{
				Name:     f.name,
				Category: models.ArtifactDescriptor,
				Path:     f.path,
			})
		}
	}

	typeFiles, err := s.walk(ctx, filepath.Join(outputRoot, typesDir))
	if err != nil {
		return nil, err
	}
	for _, f := range typeFiles {
		if strings.HasSuffix(f.name, ".ts") {
			set.Bindings = append(set.Bindings, models.Artifact{
				Name:     f.name,
				Category: models.ArtifactBindings,
				Path:     f.path,
			})
		}
	}

	sortArtifacts(set.Binaries)
	sortArtifacts(set.Descriptors)
	sortArtifacts(set.Bindings)
	sortArtifacts(set.Credentials)

	s.logger.Debug("scanned output directory",
		"output_root", outputRoot,
		"binaries", len(set.Binaries),
		"descriptors", len(set.Descriptors),
		"bindings", len(set.Bindings),
		"credentials", len(set.Credentials),
	)

	return set, nil
}

// foundFile is one regular file discovered during a walk.
type foundFile struct {
	name string
	path string
}

// walk lists the regular files under root using an explicit worklist, so
// depth is bounded and the walk can stop mid-tree on cancellation. A missing
// root yields no files and no error.
func (s *Scanner) walk(ctx context.Context, root string) ([]foundFile, error) {
	var files []foundFile

	worklist := []string{root}
	for len(worklist) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dir := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", dir, err)
		}

		for _, entry := range entries {
			full := filepath.Join(dir, entry.Name())
			if entry.IsDir() {
				worklist = append(worklist, full)
				continue
			}
			if !entry.Type().IsRegular() {
				continue
			}
			files = append(files, foundFile{name: entry.Name(), path: full})
		}
	}

	return files, nil
}

func sortArtifacts(as []models.Artifact) {
	sort.Slice(as, func(i, j int) bool {
		if as[i].Name != as[j].Name {
			return as[i].Name < as[j].Name
		}
		return as[i].Path < as[j].Path
	})
}
