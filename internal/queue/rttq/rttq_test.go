package rttq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueue_PushAndTimestamp(t *testing.T) {
	q := New()
	t0 := time.Now()
	q.Push(10, t0)
	q.Push(11, t0.Add(time.Millisecond))

	ts, ok := q.Timestamp(10)
	assert.True(t, ok)
	assert.Equal(t, t0, ts)

	_, ok = q.Timestamp(999)
	assert.False(t, ok)
}

func TestQueue_Drop(t *testing.T) {
	q := New()
	now := time.Now()
	q.Push(1, now)
	q.Push(2, now)
	q.Push(3, now)

	q.Drop(2)
	assert.Equal(t, 1, q.Size())
	_, ok := q.Timestamp(3)
	assert.True(t, ok)
	_, ok = q.Timestamp(2)
	assert.False(t, ok)
}

func TestQueue_Flush(t *testing.T) {
	q := New()
	q.Push(1, time.Now())
	q.Flush()
	assert.Equal(t, 0, q.Size())
}
