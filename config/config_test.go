package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMoreFolders(t *testing.T) {
	out := parseMoreFolders("shared:/mnt/shared;scratch:/mnt/scratch")
	assert.Equal(t, map[string]string{"shared": "/mnt/shared", "scratch": "/mnt/scratch"}, out)
}

func TestParseMoreFoldersEmpty(t *testing.T) {
	assert.Empty(t, parseMoreFolders(""))
}

func TestParseMoreFoldersSkipsMalformed(t *testing.T) {
	out := parseMoreFolders("shared:/mnt/shared;nocolon;scratch:/mnt/scratch")
	assert.Equal(t, map[string]string{"shared": "/mnt/shared", "scratch": "/mnt/scratch"}, out)
}
