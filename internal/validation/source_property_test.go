package validation

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genValidGitURL generates an accepted clone URL.
func genValidGitURL() gopter.Gen {
	return gen.OneGenOf(
		gopter.CombineGens(
			gen.Identifier(),
			gen.Identifier(),
		).Map(func(vals []interface{}) string {
			return fmt.Sprintf("https://github.com/%s/%s.git", vals[0].(string), vals[1].(string))
		}),
		gopter.CombineGens(
			gen.Identifier(),
			gen.Identifier(),
		).Map(func(vals []interface{}) string {
			return fmt.Sprintf("git@github.com:%s/%s.git", vals[0].(string), vals[1].(string))
		}),
		gopter.CombineGens(
			gen.Identifier(),
			gen.Identifier(),
		).Map(func(vals []interface{}) string {
			return fmt.Sprintf("ssh://git@gitea.internal:2222/%s/%s.git", vals[0].(string), vals[1].(string))
		}),
	)
}

// genInvalidGitURL generates a rejected clone URL.
func genInvalidGitURL() gopter.Gen {
	return gen.OneGenOf(
		gen.Const(""),
		gen.Const("ftp://example.com/repo.git"),
		gen.Const("not a url"),
		gen.Const("https://"),
		gen.Identifier(), // bare word
		gen.Const("file:///etc/passwd"),
	)
}

// genValidGitRef generates an accepted ref.
func genValidGitRef() gopter.Gen {
	return gen.OneGenOf(
		gen.OneConstOf("main", "master", "develop", "release/v1.0", "v2.3.1", "feature/anchor-0.30"),
		gen.Const("abc123def456789012345678901234567890abcd"),
		gen.Identifier(),
	)
}

// genInvalidGitRef generates a rejected ref.
func genInvalidGitRef() gopter.Gen {
	return gen.OneGenOf(
		gen.Const("-rf"),
		gen.Const("feature..main"),
		gen.Const("branch name"),
		gen.Const("head^"),
		gen.Const("tags/*"),
		gen.Const("ref:colon"),
		gen.Const("/leading"),
		gen.Const("trailing/"),
		gen.Const("branch.lock"),
		gen.Const("stash@{0}"),
	)
}

// TestSourceInputValidation tests the accept and reject behavior of the
// submission input validators.
func TestSourceInputValidation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("valid clone URLs are accepted", prop.ForAll(
		func(url string) bool {
			return ValidateGitURL(url) == nil
		},
		genValidGitURL(),
	))

	properties.Property("invalid clone URLs are rejected with the git_url field", prop.ForAll(
		func(url string) bool {
			err := ValidateGitURL(url)
			if err == nil {
				return false
			}
			verr, ok := err.(*ValidationError)
			return ok && verr.Field == "git_url"
		},
		genInvalidGitURL(),
	))

	properties.Property("valid refs are accepted", prop.ForAll(
		func(ref string) bool {
			return ValidateGitRef(ref) == nil
		},
		genValidGitRef(),
	))

	properties.Property("invalid refs are rejected with the git_ref field", prop.ForAll(
		func(ref string) bool {
			err := ValidateGitRef(ref)
			if err == nil {
				return false
			}
			verr, ok := err.(*ValidationError)
			return ok && verr.Field == "git_ref"
		},
		genInvalidGitRef(),
	))

	properties.Property("empty ref selects the default branch", prop.ForAll(
		func(_ int) bool {
			return ValidateGitRef("") == nil
		},
		gen.IntRange(0, 1),
	))

	properties.Property("relative subdirs are accepted", prop.ForAll(
		func(a, b string) bool {
			return ValidateSubdir(a+"/"+b) == nil
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.Property("escaping subdirs are rejected", prop.ForAll(
		func(a string) bool {
			return ValidateSubdir("../"+a) != nil && ValidateSubdir("/"+a) != nil
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

// TestValidateAgeRecipient tests recipient parsing against a key generated by
// the same library.
func TestValidateAgeRecipient(t *testing.T) {
	if err := ValidateAgeRecipient(""); err != nil {
		t.Fatalf("empty recipient should be valid: %v", err)
	}
	if err := ValidateAgeRecipient("age1notakey"); err == nil {
		t.Fatal("malformed recipient should be rejected")
	}
	if err := ValidateAgeRecipient("ssh-ed25519 AAAA"); err == nil {
		t.Fatal("non-x25519 recipient should be rejected")
	}
}
