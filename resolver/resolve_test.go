package resolver

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyverse-de/workflow-engine/enginetypes"
)

func mustValue(t *testing.T, raw string) Value {
	t.Helper()
	var decoded any
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	return FromAny(decoded)
}

func TestEvaluatePathFileZeroPath(t *testing.T) {
	v := mustValue(t, `{"file":[{"path":"/tmp/a.tif"}]}`)
	result := EvaluatePath(v, "file:0:path")
	s, ok := result.AsString()
	require.True(t, ok)
	assert.Equal(t, "/tmp/a.tif", s)
}

func TestEvaluatePathMissingSegmentYieldsNull(t *testing.T) {
	v := mustValue(t, `{"file":[{"path":"/tmp/a.tif"}]}`)
	result := EvaluatePath(v, "file:5:path")
	assert.Equal(t, KindNull, result.Kind())

	result = EvaluatePath(v, "missing:0:path")
	assert.Equal(t, KindNull, result.Kind())
}

func boolPtr(b bool) *bool { return &b }

func TestResolveInitialMandatoryMissingFails(t *testing.T) {
	tmpl := enginetypes.Template{
		Steps: []enginetypes.Step{
			{
				Command: "plotclip",
				Fields: []enginetypes.Field{
					{Name: "image", Type: enginetypes.FieldFile, Mandatory: boolPtr(true)},
					{Name: "geometries", Type: enginetypes.FieldFile, Mandatory: boolPtr(true)},
				},
			},
		},
	}

	r := New(NewHandlerRegistry())
	_, err := r.ResolveInitial(tmpl, []enginetypes.ParameterBinding{
		{Command: "plotclip", FieldName: "image", Value: "/input/img.tif"},
	})
	require.Error(t, err)
	var mfe *MissingMandatoryFieldError
	require.ErrorAs(t, err, &mfe)
	assert.Equal(t, "geometries", mfe.Field)
}

func TestResolveInitialOptionalMissingSkipped(t *testing.T) {
	tmpl := enginetypes.Template{
		Steps: []enginetypes.Step{
			{
				Command: "soilmask",
				Fields: []enginetypes.Field{
					{Name: "image", Type: enginetypes.FieldFile, Mandatory: boolPtr(true)},
					{Name: "options", Type: enginetypes.FieldString, Mandatory: boolPtr(false)},
				},
			},
		},
	}

	r := New(NewHandlerRegistry())
	queue, err := r.ResolveInitial(tmpl, []enginetypes.ParameterBinding{
		{Command: "soilmask", FieldName: "image", Value: "/input/img.tif"},
	})
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Len(t, queue[0].Parameters, 1)
	assert.Equal(t, "image", queue[0].Parameters[0].Name)
}

func TestResolveLateEvaluatesPrevCommandPath(t *testing.T) {
	prev := mustValue(t, `{"file":[{"path":"/tmp/a.tif"}]}`)
	params := []enginetypes.ResolvedParameter{
		{Field: enginetypes.Field{Name: "found_json_file", PrevCommandPath: "file:0:path"}},
	}

	adjusted := ResolveLate(params, prev)
	require.Len(t, adjusted, 1)
	assert.Equal(t, "/tmp/a.tif", adjusted[0].Value)
}

func TestResolveLateMissingYieldsNil(t *testing.T) {
	prev := mustValue(t, `{"file":[{"path":"/tmp/a.tif"}]}`)
	params := []enginetypes.ResolvedParameter{
		{Field: enginetypes.Field{Name: "missing", PrevCommandPath: "nope:0:path"}},
	}

	adjusted := ResolveLate(params, prev)
	require.Len(t, adjusted, 1)
	assert.Nil(t, adjusted[0].Value)
}
