package cancel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCancelWaitsForActiveRelease(t *testing.T) {
	root := NewRoot(context.Background())
	act := root.Active()

	done := make(chan struct{})
	go func() {
		root.Cancel()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Cancel returned before Active.Release")
	case <-time.After(50 * time.Millisecond):
	}

	act.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Cancel did not return after Release")
	}
}

func TestPassiveObservesCancellation(t *testing.T) {
	root := NewRoot(context.Background())
	p := root.Passive()

	select {
	case <-p.Cancelled():
		t.Fatal("passive token cancelled before Cancel")
	default:
	}

	root.Cancel()
	assert.Error(t, p.Context().Err())
}
