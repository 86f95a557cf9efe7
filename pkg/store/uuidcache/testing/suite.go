// Package testing holds the contract tests every uuidcache.Store must pass.
package testing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/xtfs/pkg/store/uuidcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreTestSuite tests the uuidcache.Store contract, independent of the
// backing implementation.
//
// Usage:
//
//	func TestMemoryStore(t *testing.T) {
//	    suite := &cachetesting.StoreTestSuite{
//	        NewStore: func(t *testing.T) uuidcache.Store { return memory.New(memory.Config{}, nil) },
//	    }
//	    suite.Run(t)
//	}
type StoreTestSuite struct {
	// NewStore creates a fresh, empty store for each test.
	NewStore func(t *testing.T) uuidcache.Store
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("Get_Miss", suite.testGetMiss)
	t.Run("Put_Get", suite.testPutGet)
	t.Run("Put_ReplacesWholeEntry", suite.testPutReplaces)
	t.Run("Invalidate", suite.testInvalidate)
	t.Run("CancelledContext", suite.testCancelledContext)
	t.Run("ConcurrentReadersAndWriters", suite.testConcurrent)
}

func (suite *StoreTestSuite) newStore(t *testing.T) uuidcache.Store {
	store := suite.NewStore(t)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// SampleEntry returns a deterministic entry for uuid.
func SampleEntry(uuid string, version uint64) uuidcache.Entry {
	return uuidcache.Entry{
		UUID:    uuid,
		Scheme:  "oncrpc",
		Host:    "10.0.0." + fmt.Sprint(version%250+1),
		Port:    32640,
		Version: version,
	}
}

// ============================================================================
// Basic Operations
// ============================================================================

func (suite *StoreTestSuite) testGetMiss(t *testing.T) {
	store := suite.newStore(t)

	_, ok, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func (suite *StoreTestSuite) testPutGet(t *testing.T) {
	store := suite.newStore(t)
	ctx := context.Background()
	want := SampleEntry("osd-1", 1)

	require.NoError(t, store.Put(ctx, want, time.Minute))

	got, ok, err := store.Get(ctx, "osd-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
	assert.Equal(t, "10.0.0.2:32640", got.Address())
}

func (suite *StoreTestSuite) testPutReplaces(t *testing.T) {
	store := suite.newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, SampleEntry("osd-1", 1), time.Minute))
	require.NoError(t, store.Put(ctx, SampleEntry("osd-1", 2), 0))

	got, ok, err := store.Get(ctx, "osd-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, SampleEntry("osd-1", 2), got)
}

func (suite *StoreTestSuite) testInvalidate(t *testing.T) {
	store := suite.newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, SampleEntry("osd-1", 1), time.Minute))
	require.NoError(t, store.Invalidate(ctx, "osd-1"))
	require.NoError(t, store.Invalidate(ctx, "never-there"))

	_, ok, err := store.Get(ctx, "osd-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func (suite *StoreTestSuite) testCancelledContext(t *testing.T) {
	store := suite.newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := store.Get(ctx, "osd-1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, store.Put(ctx, SampleEntry("osd-1", 1), time.Minute), context.Canceled)
}

// ============================================================================
// Concurrency
// ============================================================================

// testConcurrent checks that readers only ever observe entries that were
// written as a whole.
func (suite *StoreTestSuite) testConcurrent(t *testing.T) {
	store := suite.newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, SampleEntry("osd-1", 0), time.Minute))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = store.Put(ctx, SampleEntry("osd-1", uint64(w*50+i)), time.Minute)
			}
		}(w)
	}

	errs := make(chan error, 8)
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				got, ok, err := store.Get(ctx, "osd-1")
				if err != nil {
					errs <- err
					return
				}
				if ok && got != SampleEntry("osd-1", got.Version) {
					errs <- fmt.Errorf("torn entry observed: %+v", got)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}
