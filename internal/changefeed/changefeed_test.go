package changefeed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lydiehq/lydie-sub006/internal/store"
)

func receive(t *testing.T, sub *Subscription) (Change, bool) {
	t.Helper()
	select {
	case change, ok := <-sub.C:
		return change, ok
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
		return Change{}, false
	}
}

func TestPublishFiltersAndPreservesOrder(t *testing.T) {
	feed := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := feed.Subscribe(ctx, func(c Change) bool { return c.TenantID == "orgA" })
	require.NoError(t, err)

	feed.Publish(
		Change{Table: store.TableDocuments, Op: OpInsert, TenantID: "orgA", ID: "d1"},
		Change{Table: store.TableDocuments, Op: OpInsert, TenantID: "orgB", ID: "d2"},
		Change{Table: store.TableDocuments, Op: OpUpdate, TenantID: "orgA", ID: "d1"},
	)

	first, ok := receive(t, sub)
	require.True(t, ok)
	assert.Equal(t, OpInsert, first.Op)
	second, ok := receive(t, sub)
	require.True(t, ok)
	assert.Equal(t, OpUpdate, second.Op)
	assert.Equal(t, "d1", second.ID)
}

func TestCancelClosesSubscription(t *testing.T) {
	feed := New()
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := feed.Subscribe(ctx, nil)
	require.NoError(t, err)

	cancel()
	_, ok := receive(t, sub)
	assert.False(t, ok)
	assert.False(t, sub.Overflowed())
	assert.Eventually(t, func() bool { return feed.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSlowSubscriberIsCutOff(t *testing.T) {
	feed := NewWithBuffer(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := feed.Subscribe(ctx, nil)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		feed.Publish(Change{Op: OpInsert, ID: "d"})
	}

	drained := 0
	for {
		_, ok := receive(t, sub)
		if !ok {
			break
		}
		drained++
	}
	assert.Equal(t, 2, drained)
	assert.True(t, sub.Overflowed())
}

func TestShutdownRejectsSubscribers(t *testing.T) {
	feed := New()
	feed.Shutdown()
	_, err := feed.Subscribe(context.Background(), nil)
	assert.ErrorIs(t, err, ErrClosed)
}
