package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventMasksPHI(t *testing.T) {
	e := NewEvent(EventSessionStart, "CA1",
		WithPhone("+14155550123"),
		WithDOB("1980-04-12"),
		WithData(map[string]string{"patient_name": "Jane Doe", "stream": "MZ1"}),
		WithError(errors.New("lookup failed for 415-555-0123")),
		WithRequest("10.0.0.1:5000", string(make([]byte, 300))),
	)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "****0123", e.PhoneMasked)
	assert.Equal(t, "**/04/12", e.DOBMasked)
	assert.Equal(t, "J**** D****", e.Data["patient_name"])
	assert.Equal(t, "MZ1", e.Data["stream"])
	assert.False(t, e.Success)
	assert.NotContains(t, e.Error, "555-0123")
	assert.Len(t, e.UserAgent, maxUserAgent)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Record(ctx, NewEvent(EventSessionStart, "CA1", WithPhone("+14155550123"))))
	require.NoError(t, store.Record(ctx, NewEvent(EventSessionEnd, "CA1", WithData(map[string]string{"reason": "stop"}))))
	require.NoError(t, store.Record(ctx, NewEvent(EventSessionStart, "CA2")))

	events, err := store.ListByCall(ctx, "CA1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventSessionStart, events[0].Type)
	assert.Equal(t, "****0123", events[0].PhoneMasked)
	assert.True(t, events[0].Success)
	assert.Equal(t, map[string]string{"reason": "stop"}, events[1].Data)
}

func TestSQLiteStorePurge(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	old := NewEvent(EventSessionEnd, "CA1")
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.Record(ctx, old))
	require.NoError(t, store.Record(ctx, NewEvent(EventSessionEnd, "CA1")))

	n, err := store.Purge(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	got     []Event
}

func (b *blockingSink) Record(_ context.Context, e Event) error {
	<-b.release
	b.mu.Lock()
	b.got = append(b.got, e)
	b.mu.Unlock()
	return nil
}

func TestAsyncSinkNeverBlocks(t *testing.T) {
	next := &blockingSink{release: make(chan struct{})}
	s := NewAsyncSink(next, 2, time.Second)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = s.Record(context.Background(), NewEvent(EventBargeIn, "CA1"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a slow store")
	}

	close(next.release)
	s.Close()

	next.mu.Lock()
	written := len(next.got)
	next.mu.Unlock()
	assert.EqualValues(t, 10, int64(written)+s.Dropped())
	assert.GreaterOrEqual(t, s.Dropped(), int64(7))

	// Recording after Close is dropped, not a panic.
	assert.NoError(t, s.Record(context.Background(), NewEvent(EventSessionEnd, "CA1")))
	s.Close()
}
