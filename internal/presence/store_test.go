package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PutReplaces(t *testing.T) {
	s := NewStore()
	s.Put("A", Payload{"x": 1, "anim": "idle"})
	s.Put("A", Payload{"x": 2})

	got, ok := s.Get("A")
	require.True(t, ok)
	assert.Equal(t, Payload{"x": 2}, got)
}

func TestStore_PutCopiesInput(t *testing.T) {
	s := NewStore()
	in := Payload{"x": 1}
	s.Put("A", in)
	in["x"] = 99

	got, _ := s.Get("A")
	assert.Equal(t, 1, got["x"])
}

func TestStore_MergeKeepsAbsentKeys(t *testing.T) {
	s := NewStore()
	s.Put("A", Payload{"x": 1, "y": 2, "anim": "idle"})
	s.Merge("A", Payload{"x": 5, "anim": "run"})

	got, ok := s.Get("A")
	require.True(t, ok)
	assert.Equal(t, Payload{"x": 5, "y": 2, "anim": "run"}, got)
}

func TestStore_MergeCreatesWhenAbsent(t *testing.T) {
	s := NewStore()
	s.Merge("A", Payload{"x": 3})

	got, ok := s.Get("A")
	require.True(t, ok)
	assert.Equal(t, Payload{"x": 3}, got)
	assert.Equal(t, 1, s.Len())
}

func TestStore_Remove(t *testing.T) {
	s := NewStore()
	s.Put("A", Payload{"x": 1})
	s.Remove("A")
	s.Remove("A")
	s.Remove("never")

	_, ok := s.Get("A")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestStore_AllIsDefensiveCopy(t *testing.T) {
	s := NewStore()
	s.Put("A", Payload{"x": 1})
	s.Put("B", Payload{"x": 2})

	all := s.All()
	require.Len(t, all, 2)
	all["A"]["x"] = 100
	delete(all, "B")

	got, _ := s.Get("A")
	assert.Equal(t, 1, got["x"])
	assert.Equal(t, 2, s.Len())
}

func TestStore_Concurrent(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("p%d", i%4)
			for j := 0; j < 100; j++ {
				s.Merge(id, Payload{"x": j})
				_ = s.All()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 4, s.Len())
}
