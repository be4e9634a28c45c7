package server

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownClosesInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(time.Second)

	var order []string
	sm.RegisterCloser(CloserFunc(func() error {
		order = append(order, "store")
		return nil
	}))
	sm.RegisterCloser(CloserFunc(func() error {
		order = append(order, "exporter")
		return nil
	}))

	require.NoError(t, sm.Shutdown("test"))
	assert.Equal(t, []string{"exporter", "store"}, order)
}

func TestShutdownIsIdempotent(t *testing.T) {
	sm := NewShutdownManager(time.Second)

	calls := 0
	wantErr := errors.New("close failed")
	sm.RegisterCloser(CloserFunc(func() error {
		calls++
		return wantErr
	}))

	assert.Equal(t, wantErr, sm.Shutdown("first"))
	assert.NoError(t, sm.Shutdown("second"))
	assert.Equal(t, 1, calls)
}

func TestShutdownChClosesOnShutdown(t *testing.T) {
	sm := NewShutdownManager(time.Second)

	select {
	case <-sm.ShutdownCh():
		t.Fatal("shutdown channel closed before shutdown")
	default:
	}

	require.NoError(t, sm.Shutdown("test"))

	select {
	case <-sm.ShutdownCh():
	case <-time.After(time.Second):
		t.Fatal("shutdown channel still open after shutdown")
	}
}

func TestShutdownReportsFirstError(t *testing.T) {
	sm := NewShutdownManager(time.Second)

	first := errors.New("first")
	sm.RegisterCloser(CloserFunc(func() error { return errors.New("second") }))
	sm.RegisterCloser(CloserFunc(func() error { return first }))

	// Closers run newest first, so "first" is the first failure seen.
	assert.Equal(t, first, sm.Shutdown("test"))
}
