package nettap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0sdr/corenet/internal/packet"
)

func pkt(tag string) *packet.Packet {
	return &packet.Packet{Payload: []byte(tag)}
}

func Test_PushPullIsFIFO(t *testing.T) {
	q := NewQueue()
	q.Push(pkt("a"))
	q.Push(pkt("b"))

	p1, err := q.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", string(p1.Payload))

	p2, err := q.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", string(p2.Payload))
}

func Test_PushHiInsertsAtHead(t *testing.T) {
	q := NewQueue()
	q.Push(pkt("a"))
	q.PushHi(pkt("hi"))

	p, err := q.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hi", string(p.Payload))
}

func Test_RepushInsertsAtHead(t *testing.T) {
	q := NewQueue()
	q.Push(pkt("a"))
	q.Repush(pkt("retransmit"))

	p, err := q.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "retransmit", string(p.Payload))
}

func Test_PullBlocksUntilPush(t *testing.T) {
	q := NewQueue()
	result := make(chan *packet.Packet, 1)
	go func() {
		p, err := q.Pull(context.Background())
		assert.NoError(t, err)
		result <- p
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(pkt("late"))

	select {
	case p := <-result:
		assert.Equal(t, "late", string(p.Payload))
	case <-time.After(time.Second):
		t.Fatal("Pull never returned")
	}
}

func Test_KickWakesPullWithNoPacket(t *testing.T) {
	q := NewQueue()
	done := make(chan struct{})
	var gotPkt *packet.Packet
	var gotErr error
	go func() {
		gotPkt, gotErr = q.Pull(context.Background())
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	q.Kick()

	select {
	case <-done:
		assert.NoError(t, gotErr)
		assert.Nil(t, gotPkt)
	case <-time.After(time.Second):
		t.Fatal("Pull never woke on Kick")
	}
}

func Test_StopClosesQueue(t *testing.T) {
	q := NewQueue()
	q.Push(pkt("a"))
	q.Stop()

	_, err := q.Pull(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, q.Len())
}

func Test_PullRespectsContextCancellation(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Pull(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
