package main

import (
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchInterruptsSetsFlagAndInterruptsTurn(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	var interrupted atomic.Bool
	var calls atomic.Int32

	done := make(chan struct{})
	go func() {
		watchInterrupts(sigCh, func() { calls.Add(1) }, &interrupted)
		close(done)
	}()

	sigCh <- syscall.SIGINT
	close(sigCh)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not drain the channel")
	}
	require.Equal(t, int32(1), calls.Load(), "each signal interrupts the in-flight turn")
	assert.True(t, interrupted.Load())

	// The REPL clears the flag before the next turn.
	interrupted.Store(false)
	assert.False(t, interrupted.Load())
}
