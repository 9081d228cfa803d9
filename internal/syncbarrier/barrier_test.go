package syncbarrier

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Test_ModifyQuiescesWorkers starts n workers spinning on NeedsSync/Sync
// and verifies none of them observe the mutated value mid-flight: either
// they see it fully applied (after their own Sync returns) or not at all.
func Test_ModifyQuiescesWorkers(t *testing.T) {
	const n = 4

	b := New(n)
	var shared atomic.Int64
	var wg sync.WaitGroup
	stop := make(chan struct{})

	var badObservations atomic.Int64

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if b.NeedsSync() {
					b.Sync()
				}
				v := shared.Load()
				if v != 0 && v != 42 {
					badObservations.Add(1)
				}
			}
		}()
	}

	b.Modify(func() {
		shared.Store(42)
	})

	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()

	assert.Equal(t, int64(0), badObservations.Load())
	assert.Equal(t, int64(42), shared.Load())
}

func Test_StopMakesModifyNoop(t *testing.T) {
	b := New(2)
	b.Stop()

	ran := false
	b.Modify(func() { ran = true })
	assert.False(t, ran)
}
