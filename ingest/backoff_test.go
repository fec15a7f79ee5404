package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffEnvelope(t *testing.T) {
	bo := newBackoff(200*time.Millisecond, 10*time.Second)

	// Early attempts stay under the doubling ceiling.
	assert.LessOrEqual(t, bo.Next(), 200*time.Millisecond)
	assert.LessOrEqual(t, bo.Next(), 400*time.Millisecond)
	assert.LessOrEqual(t, bo.Next(), 800*time.Millisecond)

	// Late attempts never exceed the cap.
	for i := 0; i < 40; i++ {
		d := bo.Next()
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 10*time.Second)
	}

	bo.Reset()
	assert.LessOrEqual(t, bo.Next(), 200*time.Millisecond)
}

func TestBackoffDefaults(t *testing.T) {
	bo := newBackoff(0, 0)
	assert.Equal(t, defaultBackoffBase, bo.base)
	assert.Equal(t, defaultBackoffCap, bo.cap)
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := sleep(ctx, time.Minute)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.NoError(t, sleep(context.Background(), time.Millisecond))
}
