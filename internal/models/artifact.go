package models

// ArtifactCategory classifies a file found in a build's output directory.
type ArtifactCategory string

const (
	ArtifactBinary     ArtifactCategory = "binary"
	ArtifactDescriptor ArtifactCategory = "descriptor"
	ArtifactBindings   ArtifactCategory = "bindings"
	ArtifactCredential ArtifactCategory = "credential"
)

// Artifact is one classified output file. Derived by scanning; recomputing
// the scan on an unchanged directory yields the same set.
type Artifact struct {
	Name     string           `json:"name"`
	Category ArtifactCategory `json:"category"`
	Path     string           `json:"-"`
}

// ArtifactSet groups a build's artifacts by category.
type ArtifactSet struct {
	Binaries    []Artifact `json:"binaries"`
	Descriptors []Artifact `json:"descriptors"`
	Bindings    []Artifact `json:"bindings"`
	Credentials []Artifact `json:"credentials"`
}

// Total returns the number of artifacts across all categories.
func (s ArtifactSet) Total() int {
	return len(s.Binaries) + len(s.Descriptors) + len(s.Bindings) + len(s.Credentials)
}
