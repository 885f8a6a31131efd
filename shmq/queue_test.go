package shmq_test

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/pool"
	"github.com/momentics/hioload-mq/shmq"
)

func uniqueName() string {
	return fmt.Sprintf("test-%d-%d", os.Getpid(), time.Now().UnixNano())
}

func TestQueuePushPop(t *testing.T) {
	q, err := shmq.New(4, 32)
	require.NoError(t, err)
	require.Equal(t, 4, q.Cap())
	require.Equal(t, 32, q.ElemSize())

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Push([]byte{byte(i), 0xAA}))
	}
	err = q.Push([]byte{9})
	require.ErrorIs(t, err, api.ErrQueueFull)
	require.ErrorIs(t, err, api.ErrSlotExhausted)
	require.Equal(t, api.ErrCodeExhausted, api.Classify(err))
	require.Equal(t, 4, q.Len())
	require.Equal(t, 4, q.InUse())

	for i := 0; i < 4; i++ {
		s, buf, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, []byte{byte(i), 0xAA}, buf[:2])
		require.NoError(t, q.Dealloc(s))
	}
	_, _, ok := q.Pop()
	require.False(t, ok)
	require.Zero(t, q.InUse())
}

func TestQueueRejectsOversizedPayload(t *testing.T) {
	q, err := shmq.New(2, 8)
	require.NoError(t, err)
	require.ErrorIs(t, q.Push(make([]byte, 9)), api.ErrFrameTooLong)
	require.Zero(t, q.InUse())
}

func TestQueueZeroCopy(t *testing.T) {
	q, err := shmq.New(2, 16)
	require.NoError(t, err)
	s, buf, ok := q.Alloc()
	require.True(t, ok)
	copy(buf, "zero-copy")
	require.NoError(t, q.PushSlot(s))

	out := make([]pool.Slot, 4)
	require.Equal(t, 1, q.PopN(out))
	require.True(t, bytes.HasPrefix(q.Bytes(out[0]), []byte("zero-copy")))
	require.NoError(t, q.Dealloc(out[0]))
}

func TestQueueConcurrentProducers(t *testing.T) {
	q, err := shmq.New(64, 8)
	require.NoError(t, err)
	const per = 1000
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				for q.Push([]byte{1}) != nil {
					runtime.Gosched()
				}
			}
		}()
	}
	got := 0
	for got < 4*per {
		s, _, ok := q.Pop()
		if !ok {
			runtime.Gosched()
			continue
		}
		require.NoError(t, q.Dealloc(s))
		got++
	}
	wg.Wait()
	require.Zero(t, q.Len())
	require.Zero(t, q.InUse())
}

func TestSharedQueueCreateAttach(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shared mappings require unix")
	}
	name := uniqueName()
	owner, err := shmq.Create(name, 8, 64)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = owner.Close()
		_ = shmq.Remove(name)
	})

	_, err = shmq.Create(name, 8, 64)
	require.ErrorIs(t, err, api.ErrAlreadyExists)

	peer, err := shmq.Attach(name)
	require.NoError(t, err)
	defer peer.Close()
	require.Equal(t, 8, peer.Cap())
	require.Equal(t, 64, peer.ElemSize())

	require.NoError(t, peer.Push([]byte("from peer")))
	s, buf, ok := owner.Pop()
	require.True(t, ok)
	require.True(t, bytes.HasPrefix(buf, []byte("from peer")))
	require.NoError(t, owner.Dealloc(s))
	require.Zero(t, peer.InUse())
}

func TestSharedQueueAttachMissing(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shared mappings require unix")
	}
	_, err := shmq.Attach(uniqueName())
	require.ErrorIs(t, err, api.ErrNotFound)
}
