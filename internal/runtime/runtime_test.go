package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal(t *testing.T) {
	l := NewLocal("api1", "api2")
	ids, err := l.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"api1", "api2"}, ids)

	ctx := context.Background()
	require.NoError(t, l.NotifyChanged(ctx))
	require.NoError(t, l.NotifyChanged(ctx))

	<-l.Changes()
	select {
	case <-l.Changes():
		t.Fatal("signals must coalesce")
	default:
	}
}

func TestLocal_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLocal("a").Discover(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeConn struct {
	mu        sync.Mutex
	reply     []byte
	replyErr  error
	published map[string][][]byte
	handlers  map[string]nats.MsgHandler
	drained   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{published: map[string][][]byte{}, handlers: map[string]nats.MsgHandler{}}
}

func (f *fakeConn) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	if f.replyErr != nil {
		return nil, f.replyErr
	}
	return &nats.Msg{Subject: subj, Data: f.reply}, nil
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	f.mu.Lock()
	f.published[subj] = append(f.published[subj], data)
	h := f.handlers[subj]
	f.mu.Unlock()
	if h != nil {
		h(&nats.Msg{Subject: subj, Data: data})
	}
	return nil
}

func (f *fakeConn) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[subj] = cb
	return nil, nil
}

func (f *fakeConn) FlushWithContext(context.Context) error { return nil }

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func TestNATS_Discover(t *testing.T) {
	fc := newFakeConn()
	fc.reply = []byte(`[{"id":"gateway"},{"id":"api1"},{"id":""},{"id":"api2"}]`)
	n, err := newNATS(fc, "platform.", "gateway", slog.Default())
	require.NoError(t, err)

	ids, err := n.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"api1", "api2"}, ids)

	fc.reply = []byte(`not json`)
	_, err = n.Discover(context.Background())
	assert.ErrorContains(t, err, "invalid reply")

	fc.replyErr = nats.ErrNoResponders
	_, err = n.Discover(context.Background())
	assert.True(t, errors.Is(err, nats.ErrNoResponders))
}

func TestNATS_NotifyChanged(t *testing.T) {
	fc := newFakeConn()
	n, err := newNATS(fc, "", "gw", slog.Default())
	require.NoError(t, err)

	require.NoError(t, n.NotifyChanged(context.Background()))

	msgs := fc.published["gateway.changed"]
	require.Len(t, msgs, 1)
	var ev changedEvent
	require.NoError(t, json.Unmarshal(msgs[0], &ev))
	assert.Equal(t, "gw", ev.Source)
	assert.False(t, ev.At.IsZero())

	// the subscription turns the published event into a local signal
	select {
	case <-n.Changes():
	default:
		t.Fatal("expected a change signal")
	}

	require.NoError(t, n.Close())
	assert.True(t, fc.drained)
}
