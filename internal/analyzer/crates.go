package analyzer

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed crates.yaml
var crateTableYAML []byte

// loadCrateTable parses the embedded crate table.
func loadCrateTable() (map[string]string, error) {
	table := make(map[string]string)
	if err := yaml.Unmarshal(crateTableYAML, &table); err != nil {
		return nil, fmt.Errorf("parsing embedded crate table: %w", err)
	}
	return table, nil
}
