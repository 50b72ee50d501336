package ids

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestNewHasExpectedPrefixAndLength(t *testing.T) {
	id := New(PrefixTask)
	require.True(t, len(id) > len(PrefixTask))
	require.Equal(t, string(PrefixTask), id[:len(PrefixTask)])
	require.Len(t, id[len(PrefixTask):], suffixLen)
}

func TestUniqueRetriesOnCollision(t *testing.T) {
	seen := map[string]bool{}
	attempts := 0
	id, err := Unique(PrefixTask, 10, func(candidate string) (bool, error) {
		attempts++
		if attempts < 3 {
			return true, nil
		}
		seen[candidate] = true
		return false, nil
	})
	require.NoError(t, err)
	require.True(t, seen[id])
	require.GreaterOrEqual(t, attempts, 3)
}

func TestUniqueExhaustsAttemptsFallsBackToUUID(t *testing.T) {
	id, err := Unique(PrefixTask, 3, func(string) (bool, error) { return true, nil })
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, string(PrefixTask)))
}

func TestConcurrentGenerationNeverCollides(t *testing.T) {
	const workers = 50
	const perWorker = 200
	var mu sync.Mutex
	seen := make(map[string]bool, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := New(PrefixTask)
				mu.Lock()
				if seen[id] {
					t.Errorf("collision on %q", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

// TestIDUniquenessProperty verifies the universal property "ids generated
// across a run are unique" (spec.md §8) by drawing many ids in sequence
// and asserting no duplicate ever appears.
func TestIDUniquenessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("drawing N ids never repeats one", prop.ForAll(
		func(n int) bool {
			seen := make(map[string]bool, n)
			for i := 0; i < n; i++ {
				id := New(PrefixTask)
				if seen[id] {
					return false
				}
				seen[id] = true
			}
			return true
		},
		gen.IntRange(1, 500),
	))

	properties.TestingRun(t)
}

func TestUniqueReportsStoreErrors(t *testing.T) {
	_, err := Unique(PrefixTask, 5, func(string) (bool, error) {
		return false, fmt.Errorf("store unavailable")
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "store unavailable")
}
