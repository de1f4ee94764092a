package serializer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/merr"
)

func TestNew(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)
	assert.Equal(t, NameSonic, s.Name())

	s, err = New(" JSONITER ")
	require.NoError(t, err)
	assert.Equal(t, NameJSONIter, s.Name())

	_, err = New("gob")
	assert.ErrorIs(t, err, merr.ErrParameterInvalid)
}

func TestSerializers(t *testing.T) {
	for _, name := range []string{NameSonic, NameJSONIter} {
		t.Run(name, func(t *testing.T) {
			s, err := New(name)
			require.NoError(t, err)

			raw, err := s.Marshal(map[string]any{"type": "chat_message", "data": map[string]any{"message": "hi"}})
			require.NoError(t, err)
			assert.JSONEq(t, `{"type":"chat_message","data":{"message":"hi"}}`, string(raw))

			var out map[string]any
			require.NoError(t, s.Unmarshal([]byte(`{"x": 3, "tags": ["a"]}`), &out))
			assert.Equal(t, float64(3), out["x"])
			assert.Equal(t, []any{"a"}, out["tags"])

			assert.Error(t, s.Unmarshal([]byte("not json"), &out))
		})
	}
}
