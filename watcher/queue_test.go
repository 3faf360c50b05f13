package watcher

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestJobQueueFIFO(t *testing.T) {
	q := newJobQueue(4)
	for i := 0; i < 3; i++ {
		q.enqueue(Job{BlockNumber: uint64(i)})
	}
	require.Equal(t, 3, q.len())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		job, ok := q.dequeue(ctx)
		require.True(t, ok)
		require.Equal(t, uint64(i), job.BlockNumber)
	}
}

func TestJobQueueOverflowDropsOldest(t *testing.T) {
	q := newJobQueue(2)
	q.enqueue(Job{BlockNumber: 1})
	q.enqueue(Job{BlockNumber: 2})
	q.enqueue(Job{BlockNumber: 3})
	require.Equal(t, 2, q.len())

	ctx := context.Background()
	job, ok := q.dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, uint64(2), job.BlockNumber)
	job, ok = q.dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, uint64(3), job.BlockNumber)
}

func TestJobQueueDequeueCancels(t *testing.T) {
	q := newJobQueue(2)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, ok := q.dequeue(ctx)
	require.False(t, ok)
}

func TestJobQueueDequeueWaitsForEnqueue(t *testing.T) {
	q := newJobQueue(2)
	escrow := common.HexToAddress("0x01")
	go func() {
		time.Sleep(30 * time.Millisecond)
		q.enqueue(Job{Escrow: escrow})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, ok := q.dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, escrow, job.Escrow)
}
