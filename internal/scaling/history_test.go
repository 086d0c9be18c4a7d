// Copyright 2025 James Ross
package scaling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHistoryRecordsInOrder(t *testing.T) {
	h := NewHistory(10)
	h.Record(Event{WorkerType: "browser", Decision: ScaleUp, From: 1, To: 2})
	h.Record(Event{WorkerType: "browser", Decision: ScaleDown, From: 2, To: 1})

	snap := h.Snapshot()
	if assert.Len(t, snap, 2) {
		assert.Equal(t, ScaleUp, snap[0].Decision)
		assert.Equal(t, ScaleDown, snap[1].Decision)
	}
}

func TestHistoryDropsOldestBeyondCapacity(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Record(Event{WorkerType: "browser", From: i, To: i + 1})
	}
	snap := h.Snapshot()
	if assert.Len(t, snap, 3) {
		assert.Equal(t, 2, snap[0].From)
		assert.Equal(t, 4, snap[2].From)
	}
}

func TestHistoryDefaultsCapacityWhenNonPositive(t *testing.T) {
	h := NewHistory(0)
	assert.Equal(t, 1000, h.capacity)
}

func TestHistorySnapshotIsACopy(t *testing.T) {
	h := NewHistory(10)
	h.Record(Event{WorkerType: "browser", From: 0, To: 1})

	snap := h.Snapshot()
	snap[0].From = 99

	fresh := h.Snapshot()
	assert.Equal(t, 0, fresh[0].From, "mutating a snapshot must not affect stored history")
}

func TestHistoryRecordIsConcurrencySafe(t *testing.T) {
	h := NewHistory(1000)
	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func(n int) {
			h.Record(Event{WorkerType: "browser", From: n, To: n + 1, Timestamp: time.Now()})
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	assert.Len(t, h.Snapshot(), 20)
}
