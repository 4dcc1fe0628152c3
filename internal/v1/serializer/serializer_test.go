package serializer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gameState struct {
	Score int      `json:"score"`
	Names []string `json:"names"`
}

func TestNone_NeverProducesFrames(t *testing.T) {
	s := NewNone()
	assert.Equal(t, "none", s.ID())

	full, err := s.FullState()
	require.NoError(t, err)
	assert.Nil(t, full)

	patch, err := s.Patch()
	require.NoError(t, err)
	assert.Nil(t, patch)
}

func TestJSON_FullState(t *testing.T) {
	state := &gameState{Score: 1, Names: []string{"a"}}
	s := NewJSON(state)
	assert.Equal(t, "json", s.ID())

	full, err := s.FullState()
	require.NoError(t, err)
	assert.JSONEq(t, `{"score":1,"names":["a"]}`, string(full))
}

func TestJSON_PatchOnlyOnChange(t *testing.T) {
	state := &gameState{Score: 0}
	s := NewJSON(state)

	_, err := s.FullState()
	require.NoError(t, err)

	// No mutation, no patch.
	patch, err := s.Patch()
	require.NoError(t, err)
	assert.Nil(t, patch)

	state.Score = 5
	patch, err = s.Patch()
	require.NoError(t, err)
	assert.JSONEq(t, `{"score":5,"names":null}`, string(patch))

	// Mutation already sent, no further patch.
	patch, err = s.Patch()
	require.NoError(t, err)
	assert.Nil(t, patch)
}

func TestJSON_ResetClearsBaseline(t *testing.T) {
	s := NewJSON(&gameState{Score: 1})
	_, err := s.FullState()
	require.NoError(t, err)

	s.Reset(&gameState{Score: 1})
	patch, err := s.Patch()
	require.NoError(t, err)
	assert.NotNil(t, patch)
}

func TestJSON_NilState(t *testing.T) {
	s := NewJSON(nil)

	full, err := s.FullState()
	require.NoError(t, err)
	assert.Nil(t, full)

	patch, err := s.Patch()
	require.NoError(t, err)
	assert.Nil(t, patch)
}
