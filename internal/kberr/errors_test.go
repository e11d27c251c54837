package kberr

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCarriesKindAndMessage(t *testing.T) {
	err := New(InvalidInput, "bad alpha %g", 1.5)
	assert.Equal(t, "bad alpha 1.5", err.Error())
	assert.Equal(t, InvalidInput, KindOf(err))
	assert.True(t, HasKind(err, InvalidInput))
	assert.False(t, HasKind(err, NotFound))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fs.ErrNotExist
	err := Wrap(IOError, cause, "read snapshot %s", "index.json")
	require.Error(t, err)

	assert.Equal(t, "read snapshot index.json: file does not exist", err.Error())
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.Equal(t, IOError, KindOf(err))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(BackendError, nil, "add records"))
}

func TestKindSurvivesFurtherWrapping(t *testing.T) {
	inner := New(DuplicateName, "project %q exists", "docs")
	outer := fmt.Errorf("create project: %w", inner)

	assert.True(t, HasKind(outer, DuplicateName))
	assert.Equal(t, DuplicateName, KindOf(outer))
}

func TestOutermostKindWins(t *testing.T) {
	inner := New(IOError, "disk full")
	outer := Wrap(BackendError, inner, "flush collection")

	assert.Equal(t, BackendError, KindOf(outer))
	assert.False(t, HasKind(outer, IOError))
}

func TestKindOfUntaggedError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.False(t, HasKind(nil, InvalidInput))
}
