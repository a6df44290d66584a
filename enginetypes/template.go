// Package enginetypes defines the workflow template, parameter binding,
// and resolved-step data model shared by every engine component: plain
// structs with JSON tags, validated at the boundary where they're
// decoded.
package enginetypes

// FieldType is the accepted type of a declared template field.
type FieldType string

const (
	FieldFile   FieldType = "file"
	FieldFolder FieldType = "folder"
	FieldString FieldType = "string"
	FieldFloat  FieldType = "float"
	FieldInt    FieldType = "int"
)

// ResultType is the accepted type of a declared step result.
type ResultType string

const (
	ResultFile   ResultType = "file"
	ResultFolder ResultType = "folder"
)

// Visibility controls where a field's value may come from.
type Visibility string

const (
	VisibilityUI     Visibility = "ui"
	VisibilityServer Visibility = "server"
)

// Field declares one parameter a step accepts.
type Field struct {
	Name             string     `json:"name"`
	Type             FieldType  `json:"type"`
	Visibility       Visibility `json:"visibility"`
	Mandatory        *bool      `json:"mandatory,omitempty"`
	PrevCommandPath  string     `json:"prev_command_path,omitempty"`
	Min              *float64   `json:"min,omitempty"`
	Max              *float64   `json:"max,omitempty"`
	Default          any        `json:"default,omitempty"`
}

// IsMandatory returns the field's mandatory flag, defaulting to true when
// unset.
func (f Field) IsMandatory() bool {
	if f.Mandatory == nil {
		return true
	}
	return *f.Mandatory
}

// Result declares one artifact a step produces.
type Result struct {
	Name       string     `json:"name"`
	Type       ResultType `json:"type"`
	Restricted bool       `json:"restricted"`
	Filename   string     `json:"filename,omitempty"`
}

// Step is one entry in a Workflow Template: one invocation of one
// registered command.
type Step struct {
	Name      string   `json:"name"`
	Command   string   `json:"command"`
	GitRepo   string   `json:"git_repo,omitempty"`
	GitBranch string   `json:"git_branch,omitempty"`
	Fields    []Field  `json:"fields"`
	Results   []Result `json:"results"`
}

// IsGitOverride reports whether the step names a git source instead of
// dispatching through the registry by command name.
func (s Step) IsGitOverride() bool {
	return s.GitRepo != "" && s.GitBranch != ""
}

// Template is the ordered, immutable sequence of steps a caller submits.
type Template struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Steps       []Step `json:"steps"`
}

// Credential is an opaque "auth" sub-object carried by a parameter binding.
// Its internal shape is never interpreted by the engine, only encrypted and
// decrypted as a serialized whole.
type Credential map[string]any

// ParameterBinding is one caller-supplied (command, field_name) -> value
// entry submitted alongside a Template.
type ParameterBinding struct {
	Command   string     `json:"command"`
	FieldName string     `json:"field_name"`
	Value     any        `json:"value"`
	DataType  string     `json:"data_type,omitempty"`
	Auth      Credential `json:"auth,omitempty"`
}
