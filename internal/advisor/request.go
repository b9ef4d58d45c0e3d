package advisor

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/anvillabs/crucible/internal/models"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

// Request carries everything the advisor sees about one build.
type Request struct {
	ProjectName  string
	FileTree     string
	Files        []FileContent
	ErrorContext string
	Iteration    int
	Previous     []models.FixAttemptRecord
	Analysis     *models.ProjectAnalysis
}

// FileContent is one file included in an advisor request.
type FileContent struct {
	Path      string
	Content   string
	Truncated bool
}

// loadPromptTemplates parses the embedded prompt templates.
func loadPromptTemplates() (map[string]*template.Template, error) {
	entries, err := promptFS.ReadDir("prompts")
	if err != nil {
		return nil, fmt.Errorf("reading embedded prompts: %w", err)
	}

	funcs := template.FuncMap{"join": strings.Join}
	templates := make(map[string]*template.Template, len(entries))
	for _, entry := range entries {
		content, err := promptFS.ReadFile("prompts/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading prompt %s: %w", entry.Name(), err)
		}
		tmpl, err := template.New(entry.Name()).Funcs(funcs).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("parsing prompt %s: %w", entry.Name(), err)
		}
		templates[strings.TrimSuffix(entry.Name(), ".tmpl")] = tmpl
	}
	return templates, nil
}

// renderPrompt renders the request through the prompt for its iteration:
// structure review at iteration 0, failure repair afterwards.
func renderPrompt(templates map[string]*template.Template, req Request) (string, error) {
	name := "repair"
	if req.Iteration == 0 {
		name = "structure"
	}
	tmpl, ok := templates[name]
	if !ok {
		return "", fmt.Errorf("prompt template %q not loaded", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, req); err != nil {
		return "", fmt.Errorf("rendering prompt %q: %w", name, err)
	}
	return buf.String(), nil
}

// ContextBuilder assembles the file tree and file contents of an advisor
// request from a source tree, within configured byte budgets.
type ContextBuilder struct {
	maxContextBytes int
	maxFileBytes    int
	logger          *slog.Logger
}

// NewContextBuilder creates a builder. Non-positive budgets fall back to
// the defaults.
func NewContextBuilder(maxContextBytes, maxFileBytes int, logger *slog.Logger) *ContextBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if maxContextBytes <= 0 {
		maxContextBytes = def.MaxContextBytes
	}
	if maxFileBytes <= 0 {
		maxFileBytes = def.MaxFileBytes
	}
	return &ContextBuilder{
		maxContextBytes: maxContextBytes,
		maxFileBytes:    maxFileBytes,
		logger:          logger,
	}
}

// BuildContext fills req.FileTree and req.Files from the tree at
// sourceRoot. Files most likely to matter come first: files named in the
// error output, then manifests, then entrypoints, then remaining source.
// Reading stops once the context budget is spent; oversized files are
// truncated to the per-file budget.
func (b *ContextBuilder) BuildContext(ctx context.Context, sourceRoot string, req Request) (Request, error) {
	paths, err := b.walk(ctx, sourceRoot)
	if err != nil {
		return req, err
	}
	sort.Strings(paths)
	req.FileTree = strings.Join(paths, "\n")

	ordered := rankPaths(paths, req.ErrorContext)

	total := 0
	req.Files = nil
	for _, rel := range ordered {
		if err := ctx.Err(); err != nil {
			return req, err
		}
		if total >= b.maxContextBytes {
			break
		}

		data, err := os.ReadFile(filepath.Join(sourceRoot, filepath.FromSlash(rel)))
		if err != nil {
			b.logger.Warn("skipping unreadable context file", "path", rel, "error", err)
			continue
		}

		fc := FileContent{Path: rel, Content: string(data)}
		if len(fc.Content) > b.maxFileBytes {
			fc.Content = fc.Content[:b.maxFileBytes]
			fc.Truncated = true
		}
		if remaining := b.maxContextBytes - total; len(fc.Content) > remaining {
			fc.Content = fc.Content[:remaining]
			fc.Truncated = true
		}

		total += len(fc.Content)
		req.Files = append(req.Files, fc)
	}

	return req, nil
}

// rankPaths orders candidate files by how useful their contents are to the
// advisor. Within each band the sorted path order is kept.
func rankPaths(paths []string, errorContext string) []string {
	bands := make([][]string, 5)
	for _, rel := range paths {
		switch {
		case errorContext != "" && strings.Contains(errorContext, rel):
			bands[0] = append(bands[0], rel)
		case isManifest(rel):
			bands[1] = append(bands[1], rel)
		case isEntrypoint(rel):
			bands[2] = append(bands[2], rel)
		case strings.HasSuffix(rel, ".rs"):
			bands[3] = append(bands[3], rel)
		case isConfigFile(rel):
			bands[4] = append(bands[4], rel)
		}
	}

	var ordered []string
	for _, band := range bands {
		ordered = append(ordered, band...)
	}
	return ordered
}

func isManifest(rel string) bool {
	base := filepath.Base(rel)
	return base == "Cargo.toml" || base == "Anchor.toml"
}

func isEntrypoint(rel string) bool {
	return strings.HasSuffix(rel, "/lib.rs") || strings.HasSuffix(rel, "/main.rs") ||
		rel == "lib.rs" || rel == "main.rs"
}

func isConfigFile(rel string) bool {
	switch strings.ToLower(filepath.Ext(rel)) {
	case ".toml", ".json", ".lock":
		return true
	}
	return false
}

// walk lists regular files under root as slash-relative paths, using an
// explicit worklist. Build output and hidden directories are skipped.
func (b *ContextBuilder) walk(ctx context.Context, root string) ([]string, error) {
	var files []string

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
			name := entry.Name()
			full := filepath.Join(dir, name)
			if entry.IsDir() {
				if name == "target" || name == "node_modules" || strings.HasPrefix(name, ".") {
					continue
				}
				worklist = append(worklist, full)
				continue
			}
			if !entry.Type().IsRegular() {
				continue
			}
			rel, relErr := filepath.Rel(root, full)
			if relErr != nil {
				continue
			}
			files = append(files, filepath.ToSlash(rel))
		}
	}

	return files, nil
}
