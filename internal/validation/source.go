package validation

import (
	"path/filepath"
	"regexp"
	"strings"

	"filippo.io/age"
)

// httpsURLRegex matches http(s) clone URLs.
var httpsURLRegex = regexp.MustCompile(`^https?://[A-Za-z0-9._-]+(:[0-9]+)?/\S+$`)

// sshURLRegex matches scp-style and ssh:// clone URLs.
var sshURLRegex = regexp.MustCompile(`^(ssh://)?[A-Za-z0-9._-]+@[A-Za-z0-9._-]+[:/]\S+$`)

// refCharRegex rejects characters git refuses in ref names.
var refCharRegex = regexp.MustCompile(`[\s~^:?*\[\\]`)

// ValidateGitURL validates a repository clone URL.
func ValidateGitURL(url string) error {
	if url == "" {
		return &ValidationError{Field: "git_url", Message: "git URL is required"}
	}
	if httpsURLRegex.MatchString(url) || sshURLRegex.MatchString(url) {
		return nil
	}
	return &ValidationError{Field: "git_url", Message: "git URL must be an http(s) or ssh clone URL"}
}

// ValidateGitRef validates a branch, tag, or commit ref. An empty ref selects
// the remote default branch and is valid.
func ValidateGitRef(ref string) error {
	if ref == "" {
		return nil
	}
	if len(ref) > 255 {
		return &ValidationError{Field: "git_ref", Message: "ref must be 255 characters or less"}
	}
	if strings.HasPrefix(ref, "-") {
		return &ValidationError{Field: "git_ref", Message: "ref cannot start with a hyphen"}
	}
	if strings.HasPrefix(ref, "/") || strings.HasSuffix(ref, "/") || strings.HasSuffix(ref, ".lock") {
		return &ValidationError{Field: "git_ref", Message: "ref has an invalid leading or trailing component"}
	}
	if strings.Contains(ref, "..") || strings.Contains(ref, "@{") || refCharRegex.MatchString(ref) {
		return &ValidationError{Field: "git_ref", Message: "ref contains characters git does not allow"}
	}
	return nil
}

// ValidateSubdir validates a project subdirectory inside a repository. The
// containment check against the cloned tree happens at acquisition time via
// ResolveUnder; this only rejects inputs that could never be valid.
func ValidateSubdir(subdir string) error {
	if subdir == "" {
		return nil
	}
	if filepath.IsAbs(subdir) {
		return &ValidationError{Field: "subdir", Message: "subdir must be relative"}
	}
	clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(subdir)))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return &ValidationError{Field: "subdir", Message: "subdir cannot point outside the repository"}
	}
	return nil
}

// ValidateAgeRecipient validates an optional age public key used to encrypt
// extracted keypairs in transit.
func ValidateAgeRecipient(recipient string) error {
	if recipient == "" {
		return nil
	}
	if _, err := age.ParseX25519Recipient(recipient); err != nil {
		return &ValidationError{Field: "age_recipient", Message: "age recipient must be a valid X25519 public key"}
	}
	return nil
}
