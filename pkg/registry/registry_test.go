package registry_test

import (
	"testing"

	"github.com/flowcrate/stagepipe/pkg/registry"
	"github.com/stretchr/testify/assert"
)

func TestRegistry_RegisterLookupDeregister(t *testing.T) {
	r := registry.New()
	r.Register("a", 42)

	v, ok := r.Lookup("a")
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	r.Deregister("a")
	_, ok = r.Lookup("a")
	assert.False(t, ok)
}

func TestRegistry_Register_ReplacesExisting(t *testing.T) {
	r := registry.New()
	r.Register("a", 1)
	r.Register("a", 2)

	v, _ := r.Lookup("a")
	assert.Equal(t, 2, v)
}

func TestLookupTyped_WrongTypeFails(t *testing.T) {
	r := registry.New()
	r.Register("a", "a string")

	_, ok := registry.LookupTyped[int](r, "a")
	assert.False(t, ok)
}

func TestLookupTyped_CorrectTypeSucceeds(t *testing.T) {
	r := registry.New()
	r.Register("a", 42)

	v, ok := registry.LookupTyped[int](r, "a")
	assert.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestRegistry_Names(t *testing.T) {
	r := registry.New()
	r.Register("a", 1)
	r.Register("b", 2)
	assert.ElementsMatch(t, []string{"a", "b"}, r.Names())
}
