package plugin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plugins "github.com/kitakeyos/pluginhost/internal/plugin"
)

func TestParseManifest_Valid(t *testing.T) {
	data := []byte(`# comment
name=echo
version=1.2.3
main=echo.wasm
description=An echo plugin
author=someone
dependencies=core, logging
extensions=greeter=5,farewell
`)

	meta, err := plugins.ParseManifest(data, "/bundles/echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", meta.Name)
	assert.Equal(t, "1.2.3", meta.Version)
	assert.Equal(t, "echo.wasm", meta.Main)
	assert.Equal(t, "An echo plugin", meta.Description)
	assert.Equal(t, "someone", meta.Author)
	assert.Equal(t, []string{"core", "logging"}, meta.Dependencies)
	assert.Equal(t, "/bundles/echo", meta.Source)
}

func TestParseManifest_MissingRequiredFields(t *testing.T) {
	data := []byte(`description=no name, version, or main here`)

	_, err := plugins.ParseManifest(data, "/bundles/broken")
	require.Error(t, err)

	var metaErr *plugins.MetadataError
	require.ErrorAs(t, err, &metaErr)
	assert.Contains(t, metaErr.Reason, "name")
	assert.Contains(t, metaErr.Reason, "version")
	assert.Contains(t, metaErr.Reason, "main")
}

func TestParseManifest_DependenciesDefaultEmpty(t *testing.T) {
	data := []byte("name=solo\nversion=1.0.0\nmain=solo.wasm\n")

	meta, err := plugins.ParseManifest(data, "/bundles/solo")
	require.NoError(t, err)
	assert.Empty(t, meta.Dependencies)
}

func TestParseFallbackManifest_HeaderComment(t *testing.T) {
	entry := []byte(`#: name=fallback
#: version=0.1.0
#: main=fallback.lua
#: dependencies=core
package main
`)

	meta, err := plugins.ParseFallbackManifest(entry, "/bundles/fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", meta.Name)
	assert.Equal(t, "0.1.0", meta.Version)
	assert.Equal(t, []string{"core"}, meta.Dependencies)
}

func TestParseFallbackManifest_StopsAtFirstNonHeaderLine(t *testing.T) {
	entry := []byte(`#: name=fallback
package main
#: version=9.9.9
`)

	_, err := plugins.ParseFallbackManifest(entry, "/bundles/fallback")
	require.Error(t, err)
}
