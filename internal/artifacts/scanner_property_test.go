package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// outputTree describes a randomly generated output directory.
type outputTree struct {
	Binaries    int
	Keypairs    int
	Descriptors int
	Bindings    int
	Junk        int
}

// genOutputTree generates category counts for a synthetic output directory.
func genOutputTree() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 5),
		gen.IntRange(0, 5),
		gen.IntRange(0, 5),
		gen.IntRange(0, 5),
		gen.IntRange(0, 5),
	).Map(func(vals []interface{}) outputTree {
		return outputTree{
			Binaries:    vals[0].(int),
			Keypairs:    vals[1].(int),
			Descriptors: vals[2].(int),
			Bindings:    vals[3].(int),
			Junk:        vals[4].(int),
		}
	})
}

// materialize writes the synthetic tree under a fresh directory.
func (o outputTree) materialize(t *testing.T) string {
	t.Helper()
	root, err := os.MkdirTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	write := func(rel string) {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(rel), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < o.Binaries; i++ {
		write(filepath.Join("deploy", fmt.Sprintf("prog%d.so", i)))
	}
	for i := 0; i < o.Keypairs; i++ {
		write(filepath.Join("deploy", fmt.Sprintf("prog%d-keypair.json", i)))
	}
	for i := 0; i < o.Descriptors; i++ {
		write(filepath.Join("idl", fmt.Sprintf("prog%d.json", i)))
	}
	for i := 0; i < o.Bindings; i++ {
		write(filepath.Join("types", fmt.Sprintf("prog%d.ts", i)))
	}
	for i := 0; i < o.Junk; i++ {
		write(filepath.Join("deploy", fmt.Sprintf("junk%d.txt", i)))
		write(filepath.Join("release", fmt.Sprintf("junk%d.so", i)))
	}
	return root
}

// TestScanIdempotence tests that scanning an unmutated directory twice yields
// identical results with the expected category counts.
func TestScanIdempotence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	scanner := NewScanner(nil)

	properties.Property("two scans of the same tree are identical", prop.ForAll(
		func(tree outputTree) bool {
			root := tree.materialize(t)

			first, err := scanner.Scan(context.Background(), root)
			if err != nil {
				return false
			}
			second, err := scanner.Scan(context.Background(), root)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(first, second)
		},
		genOutputTree(),
	))

	properties.Property("category counts match what was written", prop.ForAll(
		func(tree outputTree) bool {
			root := tree.materialize(t)

			set, err := scanner.Scan(context.Background(), root)
			if err != nil {
				return false
			}
			return len(set.Binaries) == tree.Binaries &&
				len(set.Credentials) == tree.Keypairs &&
				len(set.Descriptors) == tree.Descriptors &&
				len(set.Bindings) == tree.Bindings
		},
		genOutputTree(),
	))

	properties.TestingRun(t)
}
