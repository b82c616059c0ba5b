package peer

import (
	"sync"
	"testing"

	"github.com/srg/brhil/internal/console"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLog_RecordAndDrain(t *testing.T) {
	log := NewEventLog(4)

	log.Record("peer: connected %s", "AA:BB")
	log.Record("peer: paired")

	lines, err := log.Drain()
	require.NoError(t, err)
	assert.Equal(t, []string{"peer: connected AA:BB", "peer: paired"}, lines)

	lines, err = log.Drain()
	require.NoError(t, err)
	assert.Empty(t, lines)
	assert.Equal(t, EventMetrics{Written: 2, Drained: 2}, log.Metrics())
}

func TestEventLog_OverwritesOldest(t *testing.T) {
	log := NewEventLog(3)
	for i := 0; i < 5; i++ {
		log.Record("event %d", i)
	}

	lines, err := log.Drain()
	require.NoError(t, err)
	assert.Equal(t, []string{"event 2", "event 3", "event 4"}, lines)
	assert.Equal(t, int64(2), log.Metrics().Overwritten)
	assert.Equal(t, 3, log.Cap())
}

func TestEventLog_Close(t *testing.T) {
	log := NewEventLog(0)
	assert.Equal(t, DefaultEventCapacity, log.Cap())

	log.Record("last")
	log.Close()
	log.Close()
	log.Record("ignored")

	lines, err := log.Drain()
	require.NoError(t, err)
	assert.Equal(t, []string{"last"}, lines)

	_, err = log.Drain()
	assert.ErrorIs(t, err, console.ErrClosed)
}

func TestEventLog_ConcurrentRecord(t *testing.T) {
	log := NewEventLog(1000)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				log.Record("w%d-%d", w, i)
			}
		}(w)
	}
	wg.Wait()

	lines, err := log.Drain()
	require.NoError(t, err)
	assert.Len(t, lines, 400)
	assert.Equal(t, int64(400), log.Metrics().Written)
}
