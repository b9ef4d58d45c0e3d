// Package analyzer runs a cheap pre-build scan of the source tree. It is
// regex-only text extraction: no toolchain invocations, no network, and a
// scan failure never fails a build.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/anvillabs/crucible/internal/models"
)

// maxScanFileSize caps how much of any single file the scan reads.
const maxScanFileSize = 1 << 20

// Manifest and source extraction regexes.
var (
	packageNameRegex   = regexp.MustCompile(`(?m)^\[package\][\s\S]*?name\s*=\s*["']([^"']+)["']`)
	programsBlockRegex = regexp.MustCompile(`(?m)^\[programs\.[^\]]+\]\s*\n((?:[^\[\n][^\n]*\n?|\n)+)`)
	programEntryRegex  = regexp.MustCompile(`(?m)^([A-Za-z0-9_-]+)\s*=\s*["']([^"']+)["']`)
	featuresBlockRegex = regexp.MustCompile(`(?m)^\[features\]\s*\n((?:[^\[\n][^\n]*\n?|\n)+)`)
	featureKeyRegex    = regexp.MustCompile(`(?m)^([A-Za-z0-9_-]+)\s*=`)

	useRegex         = regexp.MustCompile(`(?m)^\s*(?:pub(?:\([a-z:]+\))?\s+)?use\s+(?:::)?([A-Za-z_][A-Za-z0-9_]*)`)
	externCrateRegex = regexp.MustCompile(`(?m)^\s*extern\s+crate\s+([A-Za-z_][A-Za-z0-9_]*)`)
	modDeclRegex     = regexp.MustCompile(`(?m)^\s*(?:pub(?:\([a-z:]+\))?\s+)?mod\s+([A-Za-z_][A-Za-z0-9_]*)\s*[;{]`)
	cfgFeatureRegex  = regexp.MustCompile(`#\[cfg\(feature\s*=\s*"([^"]+)"\)\]`)
)

// Analyzer scans project source for declared identity, referenced
// dependencies, modules, and feature flags.
type Analyzer struct {
	crates map[string]string
	logger *slog.Logger
}

// New creates an analyzer backed by the embedded crate table.
func New(logger *slog.Logger) (*Analyzer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	crates, err := loadCrateTable()
	if err != nil {
		return nil, err
	}
	return &Analyzer{crates: crates, logger: logger}, nil
}

// Analyze extracts project metadata from the tree at sourceRoot. Unreadable
// or oversized files are skipped; only a missing root or a dead context is
// an error, and callers treat even that as a reason to continue with an
// empty analysis.
func (a *Analyzer) Analyze(ctx context.Context, sourceRoot string) (*models.ProjectAnalysis, error) {
	if sourceRoot == "" {
		return nil, fmt.Errorf("source root is required")
	}
	if _, err := os.Stat(sourceRoot); err != nil {
		return nil, fmt.Errorf("source root: %w", err)
	}

	analysis := &models.ProjectAnalysis{}
	deps := make(map[string]struct{})
	mods := make(map[string]struct{})
	feats := make(map[string]struct{})

	// Anchor.toml at the root declares program addresses.
	if data, ok := a.readCapped(filepath.Join(sourceRoot, "Anchor.toml")); ok {
		analysis.ProgramIDs = parsePrograms(data)
	}

	sources, manifests, err := a.walk(ctx, sourceRoot)
	if err != nil {
		return nil, err
	}
	sort.Strings(sources)
	sort.Strings(manifests)

	for _, path := range manifests {
		data, ok := a.readCapped(path)
		if !ok {
			continue
		}
		content := string(data)
		if analysis.DeclaredName == "" {
			if sub := packageNameRegex.FindStringSubmatch(content); len(sub) > 1 {
				analysis.DeclaredName = sub[1]
			}
		}
		for _, f := range parseFeatureKeys(content) {
			feats[f] = struct{}{}
		}
	}

	for _, path := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, ok := a.readCapped(path)
		if !ok {
			continue
		}
		content := string(data)

		rel, relErr := filepath.Rel(sourceRoot, path)
		if relErr != nil {
			rel = path
		}
		meta := models.FileMetadata{
			Path:  filepath.ToSlash(rel),
			Lines: countLines(content),
		}

		seen := make(map[string]struct{})
		for _, m := range useRegex.FindAllStringSubmatch(content, -1) {
			a.recordUse(m[1], seen, &meta, deps)
		}
		for _, m := range externCrateRegex.FindAllStringSubmatch(content, -1) {
			a.recordUse(m[1], seen, &meta, deps)
		}
		for _, m := range modDeclRegex.FindAllStringSubmatch(content, -1) {
			if _, dup := seen["mod:"+m[1]]; dup {
				continue
			}
			seen["mod:"+m[1]] = struct{}{}
			meta.Modules = append(meta.Modules, m[1])
			mods[m[1]] = struct{}{}
		}
		for _, m := range cfgFeatureRegex.FindAllStringSubmatch(content, -1) {
			feats[m[1]] = struct{}{}
		}

		analysis.Files = append(analysis.Files, meta)
	}

	analysis.Dependencies = sortedKeys(deps)
	analysis.Modules = sortedKeys(mods)
	analysis.Features = sortedKeys(feats)

	a.logger.Debug("analyzed project",
		"source_root", sourceRoot,
		"declared_name", analysis.DeclaredName,
		"files", len(analysis.Files),
		"dependencies", len(analysis.Dependencies),
	)

	return analysis, nil
}

// recordUse notes one referenced crate identifier. Path roots that refer
// back into the crate itself carry no dependency information and are
// dropped.
func (a *Analyzer) recordUse(ident string, seen map[string]struct{}, meta *models.FileMetadata, deps map[string]struct{}) {
	if ident == "crate" || ident == "super" || ident == "self" {
		return
	}
	if _, dup := seen[ident]; dup {
		return
	}
	seen[ident] = struct{}{}
	meta.Uses = append(meta.Uses, ident)
	if dep, ok := a.crates[ident]; ok {
		deps[dep] = struct{}{}
	}
}

// walk lists source files and manifests under root using an explicit
// worklist. Build output and hidden directories are never descended into.
func (a *Analyzer) walk(ctx context.Context, root string) (sources, manifests []string, err error) {
	worklist := []string{root}
	for len(worklist) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		dir := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			a.logger.Warn("skipping unreadable directory", "dir", dir, "error", err)
			continue
		}

		for _, entry := range entries {
			name := entry.Name()
			full := filepath.Join(dir, name)
			if entry.IsDir() {
				if skipDir(name) {
					continue
				}
				worklist = append(worklist, full)
				continue
			}
			if !entry.Type().IsRegular() {
				continue
			}
			switch {
			case strings.HasSuffix(name, ".rs"):
				sources = append(sources, full)
			case name == "Cargo.toml":
				manifests = append(manifests, full)
			}
		}
	}
	return sources, manifests, nil
}

// skipDir reports directories the scan never enters.
func skipDir(name string) bool {
	return name == "target" || name == "node_modules" || strings.HasPrefix(name, ".")
}

// readCapped reads a file, skipping it when absent, unreadable, or larger
// than maxScanFileSize.
func (a *Analyzer) readCapped(path string) ([]byte, bool) {
	info, err := os.Stat(path)
	if err != nil || info.Size() > maxScanFileSize {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		a.logger.Warn("skipping unreadable file", "path", path, "error", err)
		return nil, false
	}
	return data, true
}

// parsePrograms extracts name/address pairs from [programs.*] sections.
func parsePrograms(data []byte) map[string]string {
	ids := make(map[string]string)
	for _, block := range programsBlockRegex.FindAllStringSubmatch(string(data), -1) {
		for _, entry := range programEntryRegex.FindAllStringSubmatch(block[1], -1) {
			ids[entry[1]] = entry[2]
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return ids
}

// parseFeatureKeys extracts the keys of a manifest's [features] section.
func parseFeatureKeys(content string) []string {
	var keys []string
	for _, block := range featuresBlockRegex.FindAllStringSubmatch(content, -1) {
		for _, entry := range featureKeyRegex.FindAllStringSubmatch(block[1], -1) {
			keys = append(keys, entry[1])
		}
	}
	return keys
}

func countLines(content string) int {
	if content == "" {
		return 0
	}
	n := strings.Count(content, "\n")
	if !strings.HasSuffix(content, "\n") {
		n++
	}
	return n
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
