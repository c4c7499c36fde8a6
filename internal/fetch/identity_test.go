package fetch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityPoolRotation(t *testing.T) {
	pool := NewIdentityPool([]string{"ua-1", "ua-2"}, []string{"http://p1:8080", "http://user:secret@p2:8080"})
	assert.Equal(t, 4, pool.Size())
	assert.True(t, pool.HasProxies())

	seen := map[Identity]bool{}
	for i := 0; i < 4; i++ {
		id, ok := pool.Next(true, nil)
		require.True(t, ok)
		assert.NotEmpty(t, id.Proxy)
		seen[id] = true
	}
	assert.Len(t, seen, 4)

	_, ok := pool.Next(true, func(Identity) bool { return true })
	assert.False(t, ok)

	noProxy := pool.Default(false)
	assert.Equal(t, "ua-1", noProxy.UserAgent)
	assert.Empty(t, noProxy.Proxy)
}

func TestIdentityStringRedactsProxyCredentials(t *testing.T) {
	id := Identity{UserAgent: "ua", Proxy: "http://user:secret@p2:8080"}
	assert.NotContains(t, id.String(), "secret")
}
