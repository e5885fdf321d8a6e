package distributed

import (
	"context"
	"testing"
	"time"

	"guffrelay/internal/core/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type delivery struct {
	address domain.Address
	payload []byte
}

// recordingDeliverer stands in for a local registry that knows a fixed set
// of addresses.
type recordingDeliverer struct {
	live       map[domain.Address]bool
	deliveries chan delivery
}

func newRecordingDeliverer(live ...domain.Address) *recordingDeliverer {
	d := &recordingDeliverer{live: map[domain.Address]bool{}, deliveries: make(chan delivery, 16)}
	for _, a := range live {
		d.live[a] = true
	}
	return d
}

func (d *recordingDeliverer) Deliver(_ context.Context, address domain.Address, payload []byte) domain.DeliveryResult {
	if !d.live[address] {
		return domain.RecipientGone
	}
	d.deliveries <- delivery{address: address, payload: payload}
	return domain.Delivered
}

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestDeliveryBus_LocalAddress(t *testing.T) {
	client, _ := newRedis(t)
	local := newRecordingDeliverer("a.1")
	bus := NewDeliveryBus(client, "a", "test:", local, zap.NewNop().Sugar())

	assert.Equal(t, domain.Delivered, bus.Deliver(context.Background(), "a.1", []byte(`{}`)))
	assert.Equal(t, domain.RecipientGone, bus.Deliver(context.Background(), "a.2", []byte(`{}`)))

	got := <-local.deliveries
	assert.Equal(t, domain.Address("a.1"), got.address)
}

func TestDeliveryBus_RemoteInstanceNotListening(t *testing.T) {
	client, _ := newRedis(t)
	bus := NewDeliveryBus(client, "a", "test:", newRecordingDeliverer(), zap.NewNop().Sugar())

	assert.Equal(t, domain.RecipientGone, bus.Deliver(context.Background(), "b.1", []byte(`{}`)))
}

func TestDeliveryBus_RemoteDelivery(t *testing.T) {
	client, mr := newRedis(t)
	logger := zap.NewNop().Sugar()

	remoteLocal := newRecordingDeliverer("b.1")
	remote := NewDeliveryBus(client, "b", "test:", remoteLocal, logger)
	sender := NewDeliveryBus(client, "a", "test:", newRecordingDeliverer(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- remote.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("test:deliver:b")["test:deliver:b"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	payload := []byte(`{ "signal_type" : "offer",  "sdp":"v=0\r\n" }`)
	assert.Equal(t, domain.Delivered, sender.Deliver(context.Background(), "b.1", payload))

	select {
	case got := <-remoteLocal.deliveries:
		assert.Equal(t, domain.Address("b.1"), got.address)
		assert.Equal(t, payload, got.payload)
	case <-time.After(2 * time.Second):
		t.Fatal("remote delivery not received")
	}
}

func TestDeliveryBus_RemoteResultReflectsSubscriberOnly(t *testing.T) {
	client, mr := newRedis(t)
	logger := zap.NewNop().Sugar()

	// The owning instance is listening but no longer holds b.gone.
	remoteLocal := newRecordingDeliverer("b.1")
	remote := NewDeliveryBus(client, "b", "test:", remoteLocal, logger)
	sender := NewDeliveryBus(client, "a", "test:", newRecordingDeliverer(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- remote.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("test:deliver:b")["test:deliver:b"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, domain.Delivered, sender.Deliver(context.Background(), "b.gone", []byte(`{}`)))

	// A follow-up to a live address arrives alone: the first payload was dropped.
	require.Equal(t, domain.Delivered, sender.Deliver(context.Background(), "b.1", []byte(`{"n":2}`)))
	select {
	case got := <-remoteLocal.deliveries:
		assert.Equal(t, domain.Address("b.1"), got.address)
		assert.Equal(t, []byte(`{"n":2}`), got.payload)
	case <-time.After(2 * time.Second):
		t.Fatal("remote delivery not received")
	}
	assert.Empty(t, remoteLocal.deliveries)
}
