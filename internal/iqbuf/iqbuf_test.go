package iqbuf

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_ProducerConsumerPartialFill(t *testing.T) {
	b := New(1, 100)

	var wg sync.WaitGroup
	wg.Add(1)
	seen := 0
	go func() {
		defer wg.Done()
		for !b.IsComplete() || b.NSamples() > seen {
			if n := b.NSamples(); n > seen {
				seen = n
			}
			if b.IsComplete() && seen == b.Cap() {
				return
			}
		}
	}()

	b.Append(make([]Sample, 40))
	b.Append(make([]Sample, 60))
	b.MarkComplete()

	wg.Wait()
	assert.Equal(t, 100, seen)
	assert.True(t, b.IsComplete())
	assert.Len(t, b.Samples(), 100)
}

func Test_SeqTagging(t *testing.T) {
	b := New(42, 10)
	assert.Equal(t, uint64(42), b.Seq)
}
