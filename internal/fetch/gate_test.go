package fetch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateSpacesRequests(t *testing.T) {
	g := NewGate()
	ctx := context.Background()
	interval := 60 * time.Millisecond

	start := time.Now()
	require.NoError(t, g.Wait(ctx, "shop.example.com", interval))
	require.NoError(t, g.Wait(ctx, "shop.example.com", interval))
	require.NoError(t, g.Wait(ctx, "shop.example.com", interval))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	// Other domains are not held back
	other := time.Now()
	require.NoError(t, g.Wait(ctx, "other.example.org", interval))
	assert.Less(t, time.Since(other), 50*time.Millisecond)
	assert.False(t, g.LastRequest("shop.example.com").IsZero())
}

func TestGateWaitHonoursCancellation(t *testing.T) {
	g := NewGate()
	require.NoError(t, g.Wait(context.Background(), "a.example.com", time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, g.Wait(ctx, "a.example.com", time.Hour))
}

func TestGateBurn(t *testing.T) {
	g := NewGate()
	id := Identity{UserAgent: "ua-1"}
	assert.False(t, g.Burned("a.example.com", id))
	g.Burn("a.example.com", id)
	assert.True(t, g.Burned("a.example.com", id))
	assert.False(t, g.Burned("b.example.com", id))
}
