package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type codec struct {
	Family string
}

func TestRegister(t *testing.T) {
	r := NewBaseRegistry[codec]()

	require.NoError(t, r.Register("openai", codec{Family: "openai"}))
	assert.Error(t, r.Register("openai", codec{Family: "openai"}), "duplicate name must be rejected")
	assert.Error(t, r.Register("", codec{}), "empty name must be rejected")
}

func TestGet(t *testing.T) {
	r := NewBaseRegistry[codec]()
	require.NoError(t, r.Register("anthropic", codec{Family: "anthropic"}))

	got, ok := r.Get("anthropic")
	require.True(t, ok)
	assert.Equal(t, "anthropic", got.Family)

	_, ok = r.Get("gemini")
	assert.False(t, ok)
}

func TestNamesSorted(t *testing.T) {
	r := NewBaseRegistry[codec]()
	for _, name := range []string{"openai", "anthropic", "gemini"} {
		require.NoError(t, r.Register(name, codec{Family: name}))
	}

	assert.Equal(t, []string{"anthropic", "gemini", "openai"}, r.Names())
	assert.Len(t, r.List(), 3)
}

func TestRemove(t *testing.T) {
	r := NewBaseRegistry[codec]()
	require.NoError(t, r.Register("openai", codec{Family: "openai"}))

	require.NoError(t, r.Remove("openai"))
	_, ok := r.Get("openai")
	assert.False(t, ok)
	assert.Error(t, r.Remove("openai"), "double remove must fail")
	assert.Equal(t, 0, r.Count())
}

func TestConcurrentAccess(t *testing.T) {
	r := NewBaseRegistry[codec]()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = r.Register(fmt.Sprintf("family-%d", i), codec{})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			r.Get(fmt.Sprintf("family-%d", i))
			r.Count()
			r.Names()
		}
	}()
	wg.Wait()

	assert.Equal(t, 100, r.Count())
}
