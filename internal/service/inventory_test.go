package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveDecrementsStock(t *testing.T) {
	h := newHarness("deferred")

	require.NoError(t, h.inventory.Reserve(context.Background(), "A", 4))
	assert.Equal(t, 6, h.store.stock("A"))
}

func TestReserveRejectsInvalidQuantity(t *testing.T) {
	h := newHarness("deferred")

	err := h.inventory.Reserve(context.Background(), "A", 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	assert.Equal(t, 10, h.store.stock("A"))
}

func TestReserveInsufficientStockLeavesStock(t *testing.T) {
	h := newHarness("deferred")
	h.store.setStock("A", 3)

	err := h.inventory.Reserve(context.Background(), "A", 4)
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, 3, h.store.stock("A"))
}

func TestConcurrentReserveNeverOversells(t *testing.T) {
	h := newHarness("deferred")
	h.store.setStock("A", 7)

	var ok, rejected int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.inventory.Reserve(context.Background(), "A", 1)
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, ErrInsufficientStock):
				atomic.AddInt32(&rejected, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(7), ok)
	assert.Equal(t, int32(13), rejected)
	assert.Equal(t, 0, h.store.stock("A"))
}
