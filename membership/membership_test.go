package membership

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(onJoin, onLeave func(Member)) *Watcher {
	return New(nil, "/services/echo", onJoin, onLeave)
}

func TestDecode_ValidRecord(t *testing.T) {
	w := newTestWatcher(nil, nil)
	shard := 3
	body, err := json.Marshal(struct {
		ServiceEndpoint     Endpoint            `json:"serviceEndpoint"`
		AdditionalEndpoints map[string]Endpoint `json:"additionalEndpoints"`
		Status              string              `json:"status"`
		Shard               *int                `json:"shard"`
	}{
		ServiceEndpoint:     Endpoint{Host: "10.0.0.1", Port: 9000},
		AdditionalEndpoints: map[string]Endpoint{"admin": {Host: "10.0.0.1", Port: 9001}},
		Status:              "ALIVE",
		Shard:               &shard,
	})
	require.NoError(t, err)

	m, ok := w.decode([]byte("/services/echo/member_0000000001"), body)
	require.True(t, ok)
	assert.Equal(t, "member_0000000001", m.ID)
	assert.Equal(t, "10.0.0.1", m.ServiceEndpoint.Host)
	assert.Equal(t, 9000, m.ServiceEndpoint.Port)
	assert.Equal(t, "ALIVE", m.Status)
	require.NotNil(t, m.Shard)
	assert.Equal(t, 3, *m.Shard)
	assert.Equal(t, 9001, m.AdditionalEndpoints["admin"].Port)
}

func TestDecode_MalformedRecordSkipped(t *testing.T) {
	w := newTestWatcher(nil, nil)
	_, ok := w.decode([]byte("/services/echo/member_x"), []byte("not json"))
	assert.False(t, ok)
}

func TestChildID_StripsPathPrefix(t *testing.T) {
	assert.Equal(t, "member_1", childID("/services/echo", "/services/echo/member_1"))
	// No matching prefix: returned as-is rather than panicking.
	assert.Equal(t, "/other/key", childID("/services/echo", "/other/key"))
}

// TestWorker_CoalescesLeaveThenJoinWithoutOverlap exercises spec.md §8
// scenario 6: a leave and a join for the same member queued before the
// worker drains must fire as one on_leave followed by one on_join, with
// callbacks never running concurrently.
func TestWorker_CoalescesLeaveThenJoinWithoutOverlap(t *testing.T) {
	var mu sync.Mutex
	var order []string
	var overlapping atomic.Bool
	var inCallback atomic.Bool

	onJoin := func(m Member) {
		if !inCallback.CompareAndSwap(false, true) {
			overlapping.Store(true)
		}
		defer inCallback.Store(false)
		mu.Lock()
		order = append(order, "join:"+m.ID)
		mu.Unlock()
	}
	onLeave := func(m Member) {
		if !inCallback.CompareAndSwap(false, true) {
			overlapping.Store(true)
		}
		defer inCallback.Store(false)
		mu.Lock()
		order = append(order, "leave:"+m.ID)
		mu.Unlock()
	}

	w := newTestWatcher(onJoin, onLeave)
	go w.worker()
	defer w.Stop()

	oldA := Member{ID: "A", Status: "ALIVE"}
	newA := Member{ID: "A", Status: "ALIVE", ServiceEndpoint: Endpoint{Host: "new", Port: 1}}

	w.notify <- delta{left: []Member{oldA}, joined: []Member{newA}}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"leave:A", "join:A"}, order)
	assert.False(t, overlapping.Load())
}

// TestForEach_BlocksWorkerDuringIteration is the CallbackBlocker
// reentrancy guard (spec.md §9): while ForEach is iterating, the worker
// must not apply a concurrently-queued delta.
func TestForEach_BlocksWorkerDuringIteration(t *testing.T) {
	var delivered atomic.Bool
	w := newTestWatcher(
		func(Member) { delivered.Store(true) },
		func(Member) {},
	)
	w.members["A"] = Member{ID: "A"}
	go w.worker()
	defer w.Stop()

	releaseIteration := make(chan struct{})
	iterating := make(chan struct{})
	go w.ForEach(func(Member) {
		close(iterating)
		<-releaseIteration
	})

	<-iterating
	w.notify <- delta{joined: []Member{{ID: "B"}}}

	// Give the worker a chance to run; it must be blocked by blocker.
	time.Sleep(20 * time.Millisecond)
	assert.False(t, delivered.Load())

	close(releaseIteration)

	require.Eventually(t, func() bool { return delivered.Load() }, time.Second, time.Millisecond)
}

func TestGetMembers_ReturnsStableSnapshot(t *testing.T) {
	w := newTestWatcher(nil, nil)
	w.members["A"] = Member{ID: "A", Status: "ALIVE"}

	snap := w.GetMembers()
	require.Len(t, snap, 1)

	w.mu.Lock()
	w.members["B"] = Member{ID: "B"}
	w.mu.Unlock()

	assert.Len(t, snap, 1, "snapshot must not observe later mutations")
}
