package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMain(t *testing.T) {
	var out bytes.Buffer
	assert.Equal(t, 0, runMain(func() error { return nil }, &out))
	assert.Empty(t, out.String())
}

func TestExitCodeForError(t *testing.T) {
	t.Run("silent exit error", func(t *testing.T) {
		var out bytes.Buffer
		code := exitCodeForError(&exitError{code: 2, err: errors.New("bad pack"), silent: true}, &out)
		assert.Equal(t, 2, code)
		assert.Empty(t, out.String())
	})

	t.Run("wrapped exit error", func(t *testing.T) {
		var out bytes.Buffer
		err := fmt.Errorf("seed: %w", &exitError{code: 2, err: errors.New("bad pack")})
		assert.Equal(t, 2, exitCodeForError(err, &out))
		assert.Contains(t, out.String(), "bad pack")
	})

	t.Run("canceled", func(t *testing.T) {
		var out bytes.Buffer
		assert.Equal(t, 130, exitCodeForError(fmt.Errorf("run: %w", context.Canceled), &out))
		assert.Equal(t, "canceled\n", out.String())
	})

	t.Run("other errors log structured output", func(t *testing.T) {
		var out bytes.Buffer
		assert.Equal(t, 1, exitCodeForError(errors.New("boom"), &out))

		var payload map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out.String())), &payload))
		assert.Equal(t, "clinrule", payload["app"])
		assert.Equal(t, "boom", payload["error"])
		assert.Equal(t, float64(1), payload["exit_code"])
	})
}

func TestExitError(t *testing.T) {
	assert.Equal(t, "exit 3", (&exitError{code: 3}).Error())
	inner := errors.New("inner")
	assert.ErrorIs(t, &exitError{code: 1, err: inner}, inner)
}
