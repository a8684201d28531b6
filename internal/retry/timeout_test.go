package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeoutsExponential(t *testing.T) {
	got := Timeouts(1500*time.Millisecond, 4, true)
	want := []time.Duration{
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		3200 * time.Millisecond,
	}
	for i := range want {
		assert.InDelta(t, want[i], got[i], float64(time.Millisecond))
	}
}

func TestTimeoutsExponentialLength(t *testing.T) {
	got := Timeouts(500*time.Millisecond, 100, true)
	assert.Len(t, got, 100)
}

func TestTimeoutsLinear(t *testing.T) {
	got := Timeouts(1500*time.Millisecond, 4, false)
	want := []time.Duration{
		1500 * time.Millisecond, 1500 * time.Millisecond, 1500 * time.Millisecond, 1500 * time.Millisecond,
	}
	assert.Equal(t, want, got)
}

func TestTimeoutsLinearLength(t *testing.T) {
	got := Timeouts(500*time.Millisecond, 1000, false)
	assert.Len(t, got, 1000)
}

func TestTimeoutsZero(t *testing.T) {
	assert.Nil(t, Timeouts(time.Second, 0, true))
}
