package chat

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_InsertRejectsDuplicateID(t *testing.T) {
	r := NewRegistry()
	w1, _ := pipeWorker(t, 1, workerOptions{})
	w2, _ := pipeWorker(t, 1, workerOptions{})

	require.NoError(t, r.Insert(w1))
	err := r.Insert(w2)
	assert.ErrorIs(t, err, ErrDuplicateID)

	got, ok := r.Get(1)
	require.True(t, ok)
	assert.Same(t, w1, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	w, _ := pipeWorker(t, 3, workerOptions{})
	require.NoError(t, r.Insert(w))

	assert.True(t, r.Remove(3))
	assert.False(t, r.Remove(3))
	assert.False(t, r.Remove(42))
	assert.Zero(t, r.Len())
}

func TestRegistry_SnapshotIsOrderedCopy(t *testing.T) {
	r := NewRegistry()
	for _, id := range []ConnID{5, 2, 9} {
		w, _ := pipeWorker(t, id, workerOptions{})
		require.NoError(t, r.Insert(w))
	}

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []ConnID{2, 5, 9}, []ConnID{snap[0].ID(), snap[1].ID(), snap[2].ID()})

	r.Remove(5)
	assert.Len(t, snap, 3)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_ConcurrentInsertRemoveSnapshot(t *testing.T) {
	r := NewRegistry()
	const n = 50

	workers := make([]*Worker, n)
	for i := range workers {
		workers[i], _ = pipeWorker(t, ConnID(i+1), workerOptions{})
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for _, w := range workers {
			assert.NoError(t, r.Insert(w))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			r.Remove(ConnID(i + 1))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			seen := make(map[ConnID]bool)
			for _, w := range r.Snapshot() {
				assert.False(t, seen[w.ID()], "duplicate id %s in snapshot", w.ID())
				seen[w.ID()] = true
			}
		}
	}()
	wg.Wait()

	for _, w := range workers {
		r.Remove(w.ID())
	}
	assert.Zero(t, r.Len())
}
