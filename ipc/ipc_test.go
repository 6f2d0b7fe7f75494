package ipc_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/P1n3appl3/rtos-sub000/ipc"
	"github.com/P1n3appl3/rtos-sub000/sched"
)

func closed(ch <-chan struct{}) func() bool {
	return func() bool {
		select {
		case <-ch:
			return true
		default:
			return false
		}
	}
}

func TestMailboxRendezvousInOrder(t *testing.T) {
	k := sched.New(sched.Config{MaxThreads: 8, StackBytes: 256})
	box := ipc.NewMailbox(k)

	var mu sync.Mutex
	var got []uint32
	senderDone := make(chan struct{})
	receiverDone := make(chan struct{})

	k.AddThread(func() {
		box.Send(1)
		box.Send(2)
		close(senderDone)
		k.Kill()
	}, "sender", 0, 10)

	k.AddThread(func() {
		for i := 0; i < 2; i++ {
			v := box.Recv()
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
		}
		close(receiverDone)
		k.Kill()
	}, "receiver", 0, 10)

	k.Boot()

	require.Eventually(t, closed(senderDone), time.Second, time.Millisecond)
	require.Eventually(t, closed(receiverDone), time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint32{1, 2}, got)
}

func TestNewFIFORejectsNonPowerOfTwo(t *testing.T) {
	k := sched.New(sched.Config{MaxThreads: 4, StackBytes: 256})
	_, ok := ipc.NewFIFO(k, 3)
	assert.False(t, ok)
	_, ok = ipc.NewFIFO(k, 8)
	assert.True(t, ok)
}

func TestFIFOPutFullReturnsFalseAndCountsDropped(t *testing.T) {
	k := sched.New(sched.Config{MaxThreads: 4, StackBytes: 256})
	f, ok := ipc.NewFIFO(k, 2) // capacity 3, holds 2 values
	require.True(t, ok)

	assert.True(t, f.Put(1))
	assert.True(t, f.Put(2))
	assert.False(t, f.Put(3))
	assert.EqualValues(t, 1, f.Dropped())
	assert.Equal(t, 2, f.Size())
}

func TestFIFOGetBlocksUntilPut(t *testing.T) {
	k := sched.New(sched.Config{MaxThreads: 4, StackBytes: 256})
	f, ok := ipc.NewFIFO(k, 4)
	require.True(t, ok)

	got := make(chan uint32, 1)
	k.AddThread(func() {
		got <- f.Get()
		k.Kill()
	}, "consumer", 0, 10)
	k.Boot()

	select {
	case <-got:
		t.Fatal("Get returned before anything was put")
	case <-time.After(20 * time.Millisecond):
	}

	require.True(t, f.Put(42))

	select {
	case v := <-got:
		assert.EqualValues(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("Get never returned after Put")
	}
}
