// Package validator screens advisor fix proposals against per-phase
// allow-lists and a regression guard, then applies the accepted ones to the
// source tree. Rejections carry human-readable reasons; malformed proposals
// are rejected, never raised as errors.
package validator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/anvillabs/crucible/internal/models"
	"github.com/anvillabs/crucible/internal/validation"
)

// Config tunes the validator's allow-lists and regression guard.
type Config struct {
	// ConfigExtensions are the file extensions editable in every phase.
	ConfigExtensions []string
	// SourceExtensions are the compiled-source extensions, editable as
	// updates from iteration 1 on and never deletable.
	SourceExtensions []string
	// MinShrinkLines is the existing-file line count above which the
	// shrink guard engages.
	MinShrinkLines int
	// ShrinkRatio is the fraction of the existing line count a
	// replacement must reach once the shrink guard engages.
	ShrinkRatio float64
}

// DefaultConfig returns the standard allow-lists and guard thresholds.
func DefaultConfig() Config {
	return Config{
		ConfigExtensions: []string{".toml", ".json", ".lock"},
		SourceExtensions: []string{".rs"},
		MinShrinkLines:   10,
		ShrinkRatio:      0.70,
	}
}

// Result partitions proposals into those applied to the tree and those
// rejected with a reason.
type Result struct {
	Applied  []models.FixProposal
	Rejected []models.RejectedFix
}

// Validator screens and applies fix proposals.
type Validator struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a validator. Zero-valued config fields fall back to
// DefaultConfig.
func New(cfg Config, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if len(cfg.ConfigExtensions) == 0 {
		cfg.ConfigExtensions = def.ConfigExtensions
	}
	if len(cfg.SourceExtensions) == 0 {
		cfg.SourceExtensions = def.SourceExtensions
	}
	if cfg.MinShrinkLines <= 0 {
		cfg.MinShrinkLines = def.MinShrinkLines
	}
	if cfg.ShrinkRatio <= 0 || cfg.ShrinkRatio > 1 {
		cfg.ShrinkRatio = def.ShrinkRatio
	}
	return &Validator{cfg: cfg, logger: logger}
}

// Validate screens each proposal for the given iteration and applies the
// accepted ones under sourceRoot. It is a function of its inputs plus
// current filesystem state: nothing is retried and no proposal, however
// malformed, raises an error.
func (v *Validator) Validate(ctx context.Context, proposals []models.FixProposal, iteration int, sourceRoot string) *Result {
	result := &Result{}

	for _, p := range proposals {
		reason, coerced := v.screen(ctx, p, iteration, sourceRoot)
		if reason != "" {
			v.logger.Info("rejected fix proposal",
				"path", p.Path,
				"action", p.Action,
				"iteration", iteration,
				"reason", reason,
			)
			result.Rejected = append(result.Rejected, models.RejectedFix{Proposal: p, Reason: reason})
			continue
		}

		if applyErr := v.apply(coerced, sourceRoot); applyErr != "" {
			result.Rejected = append(result.Rejected, models.RejectedFix{Proposal: coerced, Reason: applyErr})
			continue
		}

		v.logger.Info("applied fix proposal",
			"path", coerced.Path,
			"action", coerced.Action,
			"iteration", iteration,
		)
		result.Applied = append(result.Applied, coerced)
	}

	return result
}

// screen decides one proposal. It returns a rejection reason, or the
// proposal to apply (create-on-existing comes back coerced to update).
func (v *Validator) screen(ctx context.Context, p models.FixProposal, iteration int, sourceRoot string) (string, models.FixProposal) {
	switch p.Action {
	case models.FixActionCreate, models.FixActionUpdate, models.FixActionDelete:
	default:
		return fmt.Sprintf("unknown action %q", p.Action), p
	}
	if p.Path == "" {
		return "proposal has no path", p
	}
	if p.Content == "" && p.Action != models.FixActionDelete {
		return "proposal has no content", p
	}

	abs, rel, err := validation.ResolveUnder(sourceRoot, p.Path)
	if err != nil {
		return fmt.Sprintf("path rejected: %v", err), p
	}

	ext := strings.ToLower(filepath.Ext(rel))
	isConfig := v.hasExtension(v.cfg.ConfigExtensions, ext)
	isSource := v.hasExtension(v.cfg.SourceExtensions, ext)

	if iteration == 0 {
		if !isConfig {
			return fmt.Sprintf("config-only phase: %s is not a configuration file", rel), p
		}
		return "", p
	}

	switch {
	case isConfig:
		return "", p
	case isSource:
		return v.screenSource(ctx, p, abs, rel)
	default:
		return fmt.Sprintf("extension %q is not editable in any phase", ext), p
	}
}

// screenSource handles compiled-source proposals from iteration 1 on.
func (v *Validator) screenSource(ctx context.Context, p models.FixProposal, abs, rel string) (string, models.FixProposal) {
	_, statErr := os.Stat(abs)
	exists := statErr == nil

	switch p.Action {
	case models.FixActionDelete:
		return fmt.Sprintf("deleting source file %s is never allowed", rel), p
	case models.FixActionCreate:
		if !exists {
			return fmt.Sprintf("creating new source file %s is not allowed", rel), p
		}
		p.Action = models.FixActionUpdate
	case models.FixActionUpdate:
		if !exists {
			return fmt.Sprintf("no existing file at %s to update", rel), p
		}
	}

	existing, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Sprintf("could not read existing file %s: %v", rel, err), p
	}

	priorCounts, err := countConstructs(ctx, existing)
	if err != nil {
		return fmt.Sprintf("could not parse existing file %s: %v", rel, err), p
	}
	newCounts, err := countConstructs(ctx, []byte(p.Content))
	if err != nil {
		return fmt.Sprintf("could not parse replacement for %s: %v", rel, err), p
	}
	if drop, decreased := newCounts.DecreasedFrom(priorCounts); decreased {
		return fmt.Sprintf("construct count reduced in %s: %s", rel, drop), p
	}

	existingLines := countLines(string(existing))
	replacementLines := countLines(p.Content)
	if existingLines > v.cfg.MinShrinkLines &&
		float64(replacementLines) < v.cfg.ShrinkRatio*float64(existingLines) {
		return fmt.Sprintf("content shrink in %s: %d -> %d lines", rel, existingLines, replacementLines), p
	}

	return "", p
}

// apply performs the accepted edit, returning a rejection reason when the
// filesystem refuses it.
func (v *Validator) apply(p models.FixProposal, sourceRoot string) string {
	abs, rel, err := validation.ResolveUnder(sourceRoot, p.Path)
	if err != nil {
		return fmt.Sprintf("path rejected: %v", err)
	}

	if p.Action == models.FixActionDelete {
		if err := os.Remove(abs); err != nil {
			return fmt.Sprintf("could not delete %s: %v", rel, err)
		}
		return ""
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Sprintf("could not create parent directories for %s: %v", rel, err)
	}
	if err := os.WriteFile(abs, []byte(p.Content), 0o644); err != nil {
		return fmt.Sprintf("could not write %s: %v", rel, err)
	}
	return ""
}

func (v *Validator) hasExtension(exts []string, ext string) bool {
	for _, e := range exts {
		if e == ext {
			return true
		}
	}
	return false
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
