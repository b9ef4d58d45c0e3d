// Package source materializes build source trees from git repositories
// and uploaded archives. Both fetchers write plain files only: no VCS
// metadata, no symlinks, nothing outside the destination directory.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// GitFetcher clones a repository into the build workspace. Ref may be a
// branch name, a tag name, or a full commit hash; empty means the remote
// default branch.
type GitFetcher struct {
	// URL is the clone URL, http(s) or a local path.
	URL string
	// Ref selects a branch, tag, or 40-hex commit.
	Ref string
	// Depth shallows the clone when positive. Commit-hash refs always
	// clone full history.
	Depth int
	// Token authenticates https clones of private repositories.
	Token string

	logger *slog.Logger
}

// NewGitFetcher creates a fetcher for the given repository and ref.
func NewGitFetcher(url, ref string, logger *slog.Logger) *GitFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &GitFetcher{URL: url, Ref: ref, logger: logger}
}

// Fetch clones the repository into dest and strips its VCS metadata, so
// the sandbox sees a plain source tree. A ref that is not a branch is
// retried as a tag before the clone fails.
func (f *GitFetcher) Fetch(ctx context.Context, dest string) error {
	if f.URL == "" {
		return errors.New("repository url is required")
	}
	if isCommitHash(f.Ref) {
		return f.fetchCommit(ctx, dest)
	}

	opts := f.cloneOptions()
	if f.Ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(f.Ref)
	}
	_, err := git.PlainCloneContext(ctx, dest, false, opts)
	if err != nil && f.Ref != "" && isMissingRef(err) {
		if clearErr := clearDir(dest); clearErr != nil {
			return clearErr
		}
		opts = f.cloneOptions()
		opts.ReferenceName = plumbing.NewTagReferenceName(f.Ref)
		opts.Tags = git.AllTags
		_, err = git.PlainCloneContext(ctx, dest, false, opts)
	}
	if err != nil {
		return fmt.Errorf("clone %s: %w", f.URL, err)
	}

	f.logger.Info("fetched repository", "url", f.URL, "ref", f.Ref)
	return stripGitDir(dest)
}

// fetchCommit clones full history without a checkout, then checks out the
// requested commit. Shallow clones cannot reach arbitrary hashes.
func (f *GitFetcher) fetchCommit(ctx context.Context, dest string) error {
	opts := f.cloneOptions()
	opts.Depth = 0
	opts.SingleBranch = false
	opts.NoCheckout = true

	repo, err := git.PlainCloneContext(ctx, dest, false, opts)
	if err != nil {
		return fmt.Errorf("clone %s: %w", f.URL, err)
	}
	w, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := w.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(f.Ref)}); err != nil {
		return fmt.Errorf("checkout %s: %w", f.Ref, err)
	}

	f.logger.Info("fetched repository", "url", f.URL, "commit", f.Ref)
	return stripGitDir(dest)
}

func (f *GitFetcher) cloneOptions() *git.CloneOptions {
	opts := &git.CloneOptions{
		URL:          f.URL,
		SingleBranch: true,
		Tags:         git.NoTags,
	}
	if f.Depth > 0 {
		opts.Depth = f.Depth
	}
	if f.Token != "" {
		opts.Auth = &githttp.BasicAuth{Username: "token", Password: f.Token}
	}
	return opts
}

// isMissingRef reports whether a clone failed because the requested ref
// does not exist on the remote, in either error shape go-git uses.
func isMissingRef(err error) bool {
	var noMatch git.NoMatchingRefSpecError
	return errors.Is(err, plumbing.ErrReferenceNotFound) || errors.As(err, &noMatch)
}

// isCommitHash reports whether ref is a full 40-hex object name.
func isCommitHash(ref string) bool {
	if len(ref) != 40 {
		return false
	}
	for _, c := range ref {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// stripGitDir removes the .git directory so only the working tree remains.
func stripGitDir(dest string) error {
	if err := os.RemoveAll(filepath.Join(dest, ".git")); err != nil {
		return fmt.Errorf("strip git metadata: %w", err)
	}
	return nil
}

// clearDir empties dest without removing dest itself.
func clearDir(dest string) error {
	entries, err := os.ReadDir(dest)
	if err != nil {
		return fmt.Errorf("clear %s: %w", dest, err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dest, entry.Name())); err != nil {
			return fmt.Errorf("clear %s: %w", dest, err)
		}
	}
	return nil
}
