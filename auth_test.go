// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package niquests

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogama/niquests/request"
)

func TestNetrcLookup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "netrc")
	content := "machine api.example login alice password s3cret\n" +
		"default login nobody password nothing\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv(EnvNetrc, path)

	t.Run("match", func(t *testing.T) {
		src := &netrcSource{}
		auth, ok := src.lookup("api.example")
		require.True(t, ok)
		basic, ok := auth.(request.BasicAuth)
		require.True(t, ok)
		assert.Equal(t, "alice", basic.Username)
		assert.Equal(t, "s3cret", basic.Password)
	})
	t.Run("default machine skipped", func(t *testing.T) {
		src := &netrcSource{}
		_, ok := src.lookup("unknown.example")
		assert.False(t, ok)
	})
	t.Run("missing file", func(t *testing.T) {
		t.Setenv(EnvNetrc, filepath.Join(dir, "absent"))
		src := &netrcSource{}
		_, ok := src.lookup("api.example")
		assert.False(t, ok)
	})
}
