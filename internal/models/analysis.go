package models

// ProjectAnalysis is the metadata a pre-build source scan extracts. It only
// enriches the first advisor request; an empty analysis is always a valid
// substitute when the scan fails.
type ProjectAnalysis struct {
	// DeclaredName is the package name from the project manifest.
	DeclaredName string `json:"declared_name,omitempty"`
	// ProgramIDs maps declared program names to their on-chain addresses.
	ProgramIDs map[string]string `json:"program_ids,omitempty"`
	// Dependencies are the crate names referenced by the source, mapped
	// through the crate table to their manifest spellings.
	Dependencies []string `json:"dependencies,omitempty"`
	// Modules are the module names declared across the source tree.
	Modules []string `json:"modules,omitempty"`
	// Features are feature flags, both declared and referenced.
	Features []string `json:"features,omitempty"`
	// Files summarizes each scanned source file.
	Files []FileMetadata `json:"files,omitempty"`
}

// FileMetadata summarizes one scanned source file.
type FileMetadata struct {
	Path    string   `json:"path"`
	Lines   int      `json:"lines"`
	Uses    []string `json:"uses,omitempty"`
	Modules []string `json:"modules,omitempty"`
}

// Empty reports whether the analysis carries no information.
func (a *ProjectAnalysis) Empty() bool {
	return a == nil || (a.DeclaredName == "" &&
		len(a.ProgramIDs) == 0 &&
		len(a.Dependencies) == 0 &&
		len(a.Modules) == 0 &&
		len(a.Features) == 0 &&
		len(a.Files) == 0)
}
