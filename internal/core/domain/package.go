package domain

// Task is a package-level task object: the command IR plus the tree paths
// it reads and writes. It is distinct from GraphTask, which additionally
// carries the dependencies the planner derives from path overlap.
type Task struct {
	Name      InternedString
	CommandIR []byte
	Inputs    []TreePath
	Output    TreePath
}

// Package is the immutable, content-addressed description of a dataflow:
// a tree of declared datasets (inputs carry optional default refs, outputs
// are unassigned) plus the named tasks that compute outputs from inputs.
type Package struct {
	Name         InternedString
	Version      InternedString
	DatasetsRoot Hash // root of the datasets tree object
	Tasks        map[string]Task
}

// PackageRef names an imported package by (name, version) and its root hash.
type PackageRef struct {
	Name       string
	Version    string
	Hash       Hash
	ImportedAt int64 // unix seconds
}

// PackageManifest is the human-authored metadata carried alongside a
// package zip's content-addressed objects, for display only: it has no
// bearing on task execution or the content hash the package is addressed by.
type PackageManifest struct {
	Description string   `yaml:"description"`
	Maintainers []string `yaml:"maintainers"`
	Tags        []string `yaml:"tags"`
}
