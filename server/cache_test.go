package server

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/cudartc/api"
)

func TestArtifactCacheEviction(t *testing.T) {
	c := newArtifactCache(2)
	for i := range 3 {
		c.Put(fmt.Sprint(i), &api.CompileResponse{Name: fmt.Sprint(i)})
	}

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("0")
	assert.False(t, ok)

	resp, ok := c.Get("2")
	require.True(t, ok)
	assert.Equal(t, "2", resp.Name)
	assert.True(t, resp.Cached)

	// refreshing "1" makes "2" the oldest
	c.Put("1", &api.CompileResponse{Name: "1"})
	c.Put("3", &api.CompileResponse{Name: "3"})
	_, ok = c.Get("2")
	assert.False(t, ok)
	_, ok = c.Get("1")
	assert.True(t, ok)
}

func TestArtifactCacheDisabled(t *testing.T) {
	c := newArtifactCache(0)
	c.Put("k", &api.CompileResponse{})
	assert.Zero(t, c.Len())
}

func TestArtifactCacheGetDoesNotMutate(t *testing.T) {
	c := newArtifactCache(1)
	stored := &api.CompileResponse{Name: "k"}
	c.Put("k", stored)

	_, ok := c.Get("k")
	require.True(t, ok)
	assert.False(t, stored.Cached)
}

func TestCacheKey(t *testing.T) {
	base := api.CompileRequest{Name: "k.cu", Source: "__global__ void k(){}"}
	key := cacheKey(&base, nil)
	assert.Len(t, key, 64)
	assert.Equal(t, key, cacheKey(&base, nil))

	variants := []struct {
		name    string
		req     api.CompileRequest
		options []string
	}{
		{"name", api.CompileRequest{Name: "j.cu", Source: base.Source}, nil},
		{"source", api.CompileRequest{Name: base.Name, Source: base.Source + "\n"}, nil},
		{"header", api.CompileRequest{Name: base.Name, Source: base.Source, Headers: []api.Header{{Name: "a.h"}}}, nil},
		{"expression", api.CompileRequest{Name: base.Name, Source: base.Source, NameExpressions: []string{"k"}}, nil},
		{"cubin", api.CompileRequest{Name: base.Name, Source: base.Source, CUBIN: true}, nil},
		{"options", base, []string{"-lineinfo"}},
		{"shifted boundary", api.CompileRequest{Name: "k.cu__global__", Source: " void k(){}"}, nil},
	}

	for _, tt := range variants {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, key, cacheKey(&tt.req, tt.options))
		})
	}
}
