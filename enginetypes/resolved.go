package enginetypes

// FileHandler abstracts staging a file-typed parameter into, or an
// artifact out of, a step's working directory. Concrete implementations
// live in the resolver package's handler registry; the engine only ever
// holds the interface, never a serialized closure (see resolver.HandlerRegistry).
type FileHandler interface {
	// GetFile stages src (in whatever namespace the handler understands,
	// e.g. a local path or an iRODS path) into dst on the local filesystem.
	GetFile(auth Credential, src, dst string) error
	// PutFile uploads the local file at src to dst in the handler's namespace.
	PutFile(auth Credential, src, dst string) error
}

// ResolvedParameter is a Field declaration merged with its bound value.
// For file- and folder-typed fields Value holds the source path and the
// file-handler pair, when set, stages it; other fields use Value only.
type ResolvedParameter struct {
	Field
	Value       any
	GetFile     func(auth Credential, src, dst string) error `json:"-"`
	PutFile     func(auth Credential, src, dst string) error  `json:"-"`
	Auth        Credential
	StagedPath  string // filled in once a file/folder parameter has been staged
}

// ResolvedStep is a template Step whose fields have been bound (Phase A)
// and are ready for late-binding (Phase B) just before execution.
type ResolvedStep struct {
	StepName       string              `json:"step_name"`
	Command        string              `json:"command"`
	Parameters     []ResolvedParameter `json:"parameters"`
	WorkingFolder  string              `json:"working_folder"`
	GitRepo        string              `json:"git_repo,omitempty"`
	GitBranch      string              `json:"git_branch,omitempty"`
}
