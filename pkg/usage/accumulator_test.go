package usage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kaiwahq/kaiwa/pkg/wire"
)

func TestAccumulatorAddsDeltas(t *testing.T) {
	a := NewAccumulator(200000)

	events := []wire.Usage{
		{InputTokens: 100, OutputTokens: 20, CacheReadTokens: 5, CacheCreationTokens: 1},
		{InputTokens: 50, OutputTokens: 30},
		{InputTokens: 7, CacheReadTokens: 2, CacheCreationTokens: 3},
	}
	for _, ev := range events {
		a.Add(ev)
	}

	// Totals equal the elementwise sum of all deltas
	got := a.Totals()
	assert.Equal(t, int64(157), got.Input)
	assert.Equal(t, int64(50), got.Output)
	assert.Equal(t, int64(7), got.CacheRead)
	assert.Equal(t, int64(4), got.CacheCreation)
	assert.Equal(t, int64(207), got.Context())
}

func TestAccumulatorReset(t *testing.T) {
	a := NewAccumulator(200000)
	a.Add(wire.Usage{InputTokens: 1000, OutputTokens: 500})

	prior := a.Reset()
	assert.Equal(t, int64(1000), prior.Input)
	assert.Equal(t, int64(500), prior.Output)

	// Totals are exactly zero afterwards regardless of prior values
	assert.Equal(t, Totals{}, a.Totals())
	assert.Equal(t, 0.0, a.PercentUsed())
}

func TestAccumulatorPercentUsed(t *testing.T) {
	a := NewAccumulator(1000)

	a.Add(wire.Usage{InputTokens: 400, OutputTokens: 200})
	assert.InDelta(t, 0.6, a.PercentUsed(), 1e-9)

	// Cache tokens do not count against the window
	a.Add(wire.Usage{CacheReadTokens: 10000, CacheCreationTokens: 10000})
	assert.InDelta(t, 0.6, a.PercentUsed(), 1e-9)

	// Can exceed 1 when the window is overrun
	a.Add(wire.Usage{InputTokens: 600})
	assert.InDelta(t, 1.2, a.PercentUsed(), 1e-9)
}

func TestAccumulatorConcurrentReads(t *testing.T) {
	a := NewAccumulator(200000)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			a.Add(wire.Usage{InputTokens: 1})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_ = a.Totals()
			_ = a.PercentUsed()
		}
	}()

	wg.Wait()
	assert.Equal(t, int64(1000), a.Totals().Input)
}
