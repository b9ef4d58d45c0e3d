package engine

import (
	"strings"

	engineerrors "github.com/anvillabs/crucible/internal/engine/errors"
	"github.com/anvillabs/crucible/internal/models"
)

const (
	// maxErrorLines caps the structured error lines kept per failure.
	maxErrorLines = 40
	// maxLogTailBytes caps the raw log tail included in advisor context.
	maxLogTailBytes = 16 * 1024
	// maxSummaryLen caps a fix attempt's recorded summary.
	maxSummaryLen = 200
)

// extractErrorLines pulls the compiler's own error lines out of a combined
// log, best effort. Rust toolchains emit them with an "error" prefix; the
// line after an error often carries the file location, so it rides along.
func extractErrorLines(log string, limit int) []string {
	var out []string
	keepNext := false
	for _, line := range strings.Split(log, "\n") {
		if len(out) >= limit {
			break
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "error") {
			out = append(out, trimmed)
			keepNext = true
			continue
		}
		if keepNext && strings.HasPrefix(trimmed, "-->") {
			out = append(out, trimmed)
		}
		keepNext = false
	}
	return out
}

// failureContext renders the previous failure for the next advisor
// request: the classified error, the extracted compiler errors, and a
// bounded tail of the raw log.
func failureContext(failure *engineerrors.BuildError, log string) string {
	var b strings.Builder
	if failure != nil {
		b.WriteString(failure.Error())
	}
	if lines := extractErrorLines(log, maxErrorLines); len(lines) > 0 {
		b.WriteString("\n\nCompiler errors:\n")
		b.WriteString(strings.Join(lines, "\n"))
	}
	if tail := tailString(log, maxLogTailBytes); tail != "" {
		b.WriteString("\n\nBuild log tail:\n")
		b.WriteString(tail)
	}
	return b.String()
}

// tailString returns at most n trailing bytes of s, cut at a line break
// when one is near.
func tailString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	tail := s[len(s)-n:]
	if idx := strings.IndexByte(tail, '\n'); idx >= 0 && idx < len(tail)-1 {
		tail = tail[idx+1:]
	}
	return tail
}

// summarizeAttempt condenses one repair attempt for the dedup history.
func summarizeAttempt(reasoning string, applied []models.FixProposal) string {
	summary := strings.TrimSpace(reasoning)
	if summary == "" {
		reasons := make([]string, 0, len(applied))
		for _, p := range applied {
			if r := strings.TrimSpace(p.Reason); r != "" {
				reasons = append(reasons, r)
			}
		}
		summary = strings.Join(reasons, "; ")
	}
	if summary == "" {
		summary = "applied proposed file edits"
	}
	if len(summary) > maxSummaryLen {
		summary = summary[:maxSummaryLen]
	}
	return summary
}

// cloneRecords deep-copies secret records so purging one copy cannot zero
// the bytes the other still needs.
func cloneRecords(records []models.SecretRecord) []models.SecretRecord {
	if records == nil {
		return nil
	}
	out := make([]models.SecretRecord, len(records))
	for i, r := range records {
		out[i] = r
		if r.Keypair != nil {
			out[i].Keypair = append([]byte(nil), r.Keypair...)
		}
	}
	return out
}

// wipeRecords zeroes any raw key material the records still hold.
func wipeRecords(records []models.SecretRecord) {
	for i := range records {
		for j := range records[i].Keypair {
			records[i].Keypair[j] = 0
		}
		records[i].Keypair = nil
	}
}
