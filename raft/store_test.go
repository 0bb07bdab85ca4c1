package raft

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devadigapratham/spoolshare/api/models"
	"github.com/devadigapratham/spoolshare/metrics"
)

type sample struct {
	Name   string   `json:"name"`
	Weight int      `json:"weight"`
	Tags   []string `json:"tags"`
}

func TestStoreSetGetDataTo(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore()

	require.NoError(t, s.Set(ctx, "things/t1", sample{Name: "spool", Weight: 750, Tags: []string{"pla"}}))

	doc, err := s.Get(ctx, "things/t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", doc.ID())

	var out sample
	require.NoError(t, doc.DataTo(&out))
	assert.Equal(t, sample{Name: "spool", Weight: 750, Tags: []string{"pla"}}, out)

	_, err = s.Get(ctx, "things/none")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStoreWriteOptions(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore()

	require.NoError(t, s.Set(ctx, "things/t1", sample{Name: "a"}, IfMissing()))
	assert.ErrorIs(t, s.Set(ctx, "things/t1", sample{Name: "b"}, IfMissing()), models.ErrConflict)

	doc, err := s.Get(ctx, "things/t1")
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, "things/t1", map[string]interface{}{"name": "c"}, IfVersion(doc.Version)))
	assert.ErrorIs(t, s.Update(ctx, "things/t1", map[string]interface{}{"name": "d"}, IfVersion(doc.Version)), models.ErrConflict)

	assert.ErrorIs(t, s.ArrayUnion(ctx, "things/none", "tags", []interface{}{"x"}, IfExists()), models.ErrNotFound)
	assert.NoError(t, s.Delete(ctx, "things/none"))
}

func TestStoreQueryNormalizesValue(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore()
	require.NoError(t, s.Set(ctx, "things/t1", sample{Weight: 5}))
	require.NoError(t, s.Set(ctx, "things/t2", sample{Weight: 6}))

	docs, err := s.Query(ctx, "things", "weight", 5)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "things/t1", docs[0].Path)
}

func TestStoreSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewLocalStore()

	sub, err := s.Subscribe(ctx, "things/t1")
	require.NoError(t, err)

	first := receive(t, sub.Events())
	assert.False(t, first.Exists(), "initial event reports the missing document")

	require.NoError(t, s.Set(ctx, "things/t1", sample{Name: "a"}))
	ev := receive(t, sub.Events())
	require.True(t, ev.Exists())
	assert.Equal(t, "a", ev.Doc.Fields["name"])

	require.NoError(t, s.Set(ctx, "things/other", sample{Name: "ignored"}))
	require.NoError(t, s.Delete(ctx, "things/t1"))
	ev = receive(t, sub.Events())
	assert.False(t, ev.Exists())

	sub.Close()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Events():
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestStoreSubscribeCollection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewLocalStore()
	require.NoError(t, s.Set(ctx, "things/b", sample{}))
	require.NoError(t, s.Set(ctx, "things/a", sample{}))

	sub, err := s.SubscribeCollection(ctx, "things")
	require.NoError(t, err)
	assert.Equal(t, "things/a", receive(t, sub.Events()).Path)
	assert.Equal(t, "things/b", receive(t, sub.Events()).Path)

	require.NoError(t, s.Set(ctx, "things/c/nested/x", sample{}))
	require.NoError(t, s.Set(ctx, "things/c", sample{}))
	assert.Equal(t, "things/c", receive(t, sub.Events()).Path)

	cancel()
	assert.Eventually(t, func() bool {
		_, ok := <-sub.Events()
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestStoreCountsOperations(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore()
	before := testutil.ToFloat64(metrics.StoreOperations.WithLabelValues("SET", metrics.ResultConflict))

	require.NoError(t, s.Set(ctx, "things/t1", sample{}, IfMissing()))
	require.Error(t, s.Set(ctx, "things/t1", sample{}, IfMissing()))

	after := testutil.ToFloat64(metrics.StoreOperations.WithLabelValues("SET", metrics.ResultConflict))
	assert.Equal(t, before+1, after)
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}
