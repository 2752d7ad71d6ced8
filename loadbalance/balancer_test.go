package loadbalance

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webbridge-rpc/registry"
)

var testInstances = []registry.ServiceInstance{
	{Addr: "10.0.0.1:9998", Weight: 10},
	{Addr: "10.0.0.2:9998", Weight: 5},
	{Addr: "10.0.0.3:9998", Weight: 10},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	for round := 0; round < 2; round++ {
		for i := range testInstances {
			inst, err := b.Pick(testInstances, "")
			require.NoError(t, err)
			assert.Equal(t, testInstances[i].Addr, inst.Addr)
		}
	}
}

func TestEmptyInstances(t *testing.T) {
	for _, name := range []string{"round_robin", "weighted_random", "consistent_hash"} {
		b, err := New(name)
		require.NoError(t, err)
		_, err = b.Pick(nil, "WebApp")
		assert.ErrorIs(t, err, registry.ErrNoInstances, name)
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick(testInstances, "")
		require.NoError(t, err)
		counts[inst.Addr]++
	}

	// weights are 10:5:10
	ratio := float64(counts["10.0.0.1:9998"]) / float64(counts["10.0.0.2:9998"])
	assert.InDelta(t, 2.0, ratio, 0.5)
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	inst, err := b.Pick([]registry.ServiceInstance{{Addr: "a:1"}, {Addr: "b:1"}}, "")
	require.NoError(t, err)
	assert.Contains(t, []string{"a:1", "b:1"}, inst.Addr)
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	inst1, err := b.Pick(testInstances, "WebApp")
	require.NoError(t, err)
	inst2, err := b.Pick(testInstances, "WebApp")
	require.NoError(t, err)
	assert.Equal(t, inst1.Addr, inst2.Addr)

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, err := b.Pick(testInstances, fmt.Sprintf("ns-%d", i))
		require.NoError(t, err)
		seen[inst.Addr] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestConsistentHashRebuildsOnChange(t *testing.T) {
	b := NewConsistentHashBalancer()
	only := []registry.ServiceInstance{{Addr: "solo:1"}}

	inst, err := b.Pick(testInstances, "WebApp")
	require.NoError(t, err)
	assert.NotEqual(t, "solo:1", inst.Addr)

	inst, err = b.Pick(only, "WebApp")
	require.NoError(t, err)
	assert.Equal(t, "solo:1", inst.Addr)
}

func TestConsistentHashEmptyAfterShrink(t *testing.T) {
	b := NewConsistentHashBalancer()
	_, err := b.Pick(testInstances, "WebApp")
	require.NoError(t, err)

	_, err = b.Pick(nil, "WebApp")
	assert.ErrorIs(t, err, registry.ErrNoInstances)
}

func TestNewUnknown(t *testing.T) {
	_, err := New("fastest")
	assert.Error(t, err)

	b, err := New("")
	require.NoError(t, err)
	assert.Equal(t, "RoundRobin", b.Name())
}
