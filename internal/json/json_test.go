package json

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshal(t *testing.T) {
	in := map[string]any{"type": "player_move", "data": map[string]any{"x": 1.5, "zone": "crypt"}}
	raw, err := Marshal(in)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, Unmarshal(raw, &out))
	assert.Equal(t, "player_move", out["type"])
	assert.Equal(t, 1.5, out["data"].(map[string]any)["x"])

	assert.True(t, Valid(raw))
	assert.False(t, Valid([]byte("hello there")))
	assert.Error(t, Unmarshal([]byte("{"), &out))
}

func TestEncoder(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).Encode(map[string]string{"status": "healthy"}))
	assert.JSONEq(t, `{"status":"healthy"}`, buf.String())

	s, err := MarshalToString([]int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, "[1,2]", s)
}
