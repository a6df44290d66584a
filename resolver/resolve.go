package resolver

import (
	"github.com/pkg/errors"

	"github.com/cyverse-de/workflow-engine/common"
	"github.com/cyverse-de/workflow-engine/enginetypes"
)

var log = common.Log

// MissingMandatoryFieldError is returned by ResolveInitial when a
// mandatory field has no matching caller-supplied binding. It is fatal at
// submit time: no workflow is created.
type MissingMandatoryFieldError struct {
	Command string
	Field   string
}

func (e *MissingMandatoryFieldError) Error() string {
	return "missing mandatory field \"" + e.Field + "\" for command \"" + e.Command + "\""
}

// Resolver performs Phase A (initial) and Phase B (late-binding) parameter
// resolution against a handler registry.
type Resolver struct {
	handlers *HandlerRegistry
}

// New creates a Resolver backed by the given handler registry.
func New(handlers *HandlerRegistry) *Resolver {
	return &Resolver{handlers: handlers}
}

// ResolveInitial implements Phase A: for every step's declared fields, find
// a caller-supplied binding, defer server-visibility fields carrying a
// prev_command_path, or fail the whole workflow when a mandatory field has
// no value. It returns the resolved step queue in template order.
func (r *Resolver) ResolveInitial(tmpl enginetypes.Template, bindings []enginetypes.ParameterBinding) ([]enginetypes.ResolvedStep, error) {
	bound := indexBindings(bindings)

	queue := make([]enginetypes.ResolvedStep, 0, len(tmpl.Steps))
	for _, step := range tmpl.Steps {
		resolved := enginetypes.ResolvedStep{
			StepName:  step.Name,
			Command:   step.Command,
			GitRepo:   step.GitRepo,
			GitBranch: step.GitBranch,
		}

		params := make([]enginetypes.ResolvedParameter, 0, len(step.Fields))
		for _, field := range step.Fields {
			param, include, err := r.resolveField(step.Command, field, bound)
			if err != nil {
				return nil, err
			}
			if include {
				params = append(params, param)
			}
		}
		resolved.Parameters = params
		queue = append(queue, resolved)
	}

	return queue, nil
}

func (r *Resolver) resolveField(command string, field enginetypes.Field, bound map[bindingKey]enginetypes.ParameterBinding) (enginetypes.ResolvedParameter, bool, error) {
	param := enginetypes.ResolvedParameter{Field: field}

	// Deferred to Phase B: server-visibility fields with a path expression.
	if field.Visibility == enginetypes.VisibilityServer && field.PrevCommandPath != "" {
		return param, true, nil
	}

	binding, ok := bound[bindingKey{command: command, field: field.Name}]
	if !ok {
		if field.IsMandatory() {
			return param, false, &MissingMandatoryFieldError{Command: command, Field: field.Name}
		}
		log.Debugf("optional field %q for command %q not bound, skipping", field.Name, command)
		return param, false, nil
	}

	param.Value = binding.Value
	param.Auth = binding.Auth

	if binding.DataType != "" && (field.Type == enginetypes.FieldFile || field.Type == enginetypes.FieldFolder) {
		handler, ok := r.handlers.Lookup(binding.DataType)
		if !ok {
			return param, false, errors.Errorf("no file handler registered for data_type %q", binding.DataType)
		}
		param.GetFile = handler.GetFile
		param.PutFile = handler.PutFile
	}

	return param, true, nil
}

// ResolveLate implements Phase B: evaluates every deferred parameter's
// prev_command_path expression against the previous step's result.
func ResolveLate(params []enginetypes.ResolvedParameter, prevResult Value) []enginetypes.ResolvedParameter {
	adjusted := make([]enginetypes.ResolvedParameter, len(params))
	for i, param := range params {
		adjusted[i] = param
		if param.PrevCommandPath == "" {
			continue
		}

		value := EvaluatePath(prevResult, param.PrevCommandPath)
		if value.Kind() == KindNull {
			log.Warnf("unable to find previous result value %q", param.PrevCommandPath)
		}
		adjusted[i].Value = value.Interface()
	}
	return adjusted
}

type bindingKey struct {
	command string
	field   string
}

func indexBindings(bindings []enginetypes.ParameterBinding) map[bindingKey]enginetypes.ParameterBinding {
	out := make(map[bindingKey]enginetypes.ParameterBinding, len(bindings))
	for _, b := range bindings {
		out[bindingKey{command: b.Command, field: b.FieldName}] = b
	}
	return out
}
