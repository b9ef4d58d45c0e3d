package validator

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/rust"
)

// ConstructCounts tallies the structural constructs of one source file.
type ConstructCounts struct {
	Functions int
	Types     int
	Enums     int
	Impls     int
}

// DecreasedFrom reports the first category whose count dropped below the
// prior file's count.
func (c ConstructCounts) DecreasedFrom(prior ConstructCounts) (string, bool) {
	switch {
	case c.Functions < prior.Functions:
		return fmt.Sprintf("functions %d -> %d", prior.Functions, c.Functions), true
	case c.Types < prior.Types:
		return fmt.Sprintf("types %d -> %d", prior.Types, c.Types), true
	case c.Enums < prior.Enums:
		return fmt.Sprintf("enums %d -> %d", prior.Enums, c.Enums), true
	case c.Impls < prior.Impls:
		return fmt.Sprintf("impls %d -> %d", prior.Impls, c.Impls), true
	}
	return "", false
}

// countConstructs parses src and tallies construct nodes across the whole
// tree, so items nested in modules and blocks are included. The parse is
// error-tolerant: malformed code still counts whatever constructs survive.
func countConstructs(ctx context.Context, src []byte) (ConstructCounts, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(rust.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return ConstructCounts{}, fmt.Errorf("parsing source: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return ConstructCounts{}, nil
	}

	var counts ConstructCounts
	worklist := []*sitter.Node{root}
	for len(worklist) > 0 {
		node := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		switch node.Type() {
		case "function_item":
			counts.Functions++
		case "struct_item", "trait_item":
			counts.Types++
		case "enum_item":
			counts.Enums++
		case "impl_item":
			counts.Impls++
		}

		for i := 0; i < int(node.ChildCount()); i++ {
			worklist = append(worklist, node.Child(i))
		}
	}

	return counts, nil
}
