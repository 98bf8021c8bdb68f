package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayGrowsAndCaps(t *testing.T) {
	p := New(500*time.Millisecond, 30*time.Second).WithRand(func() float64 { return 0.5 })

	assert.Equal(t, 500*time.Millisecond, p.Delay(0))
	assert.Equal(t, 1*time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 30*time.Second, p.Delay(10))
	assert.Equal(t, 30*time.Second, p.Delay(1000))
}

func TestDelayJitterBounds(t *testing.T) {
	p := New(1*time.Second, 30*time.Second)
	for i := 0; i < 200; i++ {
		d := p.Delay(0)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestDelayExtremeJitterSources(t *testing.T) {
	low := New(1*time.Second, 30*time.Second).WithRand(func() float64 { return 0 })
	assert.Equal(t, 500*time.Millisecond, low.Delay(0))

	high := New(1*time.Second, 30*time.Second).WithRand(func() float64 { return 1 })
	assert.Equal(t, 1500*time.Millisecond, high.Delay(0))
}
