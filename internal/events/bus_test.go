package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestEventBus_FiltersByType(t *testing.T) {
	bus := NewEventBus(DefaultConfig(), zerolog.Nop())

	trades, cancelTrades := bus.Subscribe(EventTradeExecuted)
	defer cancelTrades()
	all, cancelAll := bus.Subscribe()
	defer cancelAll()

	bus.PublishCycleStart(7)
	bus.PublishTradeExecuted("t-1", "o-1", "cmt_btcusdt", "LONG", 0.5, 60000, 3)

	ev := receive(t, all)
	assert.Equal(t, EventCycleStart, ev.Type)
	assert.Equal(t, int64(7), ev.Data["cycle"])
	assert.False(t, ev.Timestamp.IsZero())

	ev = receive(t, all)
	assert.Equal(t, EventTradeExecuted, ev.Type)

	ev = receive(t, trades)
	assert.Equal(t, EventTradeExecuted, ev.Type)
	assert.Equal(t, "cmt_btcusdt", ev.Data["symbol"])

	select {
	case extra := <-trades:
		t.Fatalf("unexpected event %s", extra.Type)
	default:
	}
}

func TestEventBus_FullSubscriberDropsWithoutBlocking(t *testing.T) {
	bus := NewEventBus(Config{Buffer: 1}, zerolog.Nop())
	stuck, cancelStuck := bus.Subscribe()
	defer cancelStuck()
	live, cancelLive := bus.Subscribe()
	defer cancelLive()

	start := time.Now()
	for i := int64(1); i <= 20; i++ {
		bus.PublishCycleStart(i)
		<-live
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond, "a stuck subscriber must not stall publishers")

	assert.Equal(t, uint64(19), bus.Dropped())
	first := <-stuck
	assert.Equal(t, int64(1), first.Data["cycle"])
}

func TestEventBus_CancelClosesChannel(t *testing.T) {
	bus := NewEventBus(DefaultConfig(), zerolog.Nop())
	ch, cancel := bus.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	// publishing after cancel must not panic
	bus.PublishStarted("op")
}

type fakeProducer struct {
	mu   sync.Mutex
	msgs []*sarama.ProducerMessage
	done chan struct{}
}

func (p *fakeProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	if len(p.msgs) == 1 {
		close(p.done)
	}
	return 0, int64(len(p.msgs)), nil
}

func (p *fakeProducer) Close() error { return nil }

func TestKafkaSink_ForwardsEvents(t *testing.T) {
	bus := NewEventBus(DefaultConfig(), zerolog.Nop())
	producer := &fakeProducer{done: make(chan struct{})}
	sink := NewKafkaSink(bus, producer, "autopilot.events", zerolog.Nop())
	defer sink.Close()

	bus.PublishEmergencyClose("BTC crash", []string{"cmt_btcusdt"}, nil)

	select {
	case <-producer.done:
	case <-time.After(time.Second):
		t.Fatal("sink did not forward event")
	}

	producer.mu.Lock()
	defer producer.mu.Unlock()
	msg := producer.msgs[0]
	assert.Equal(t, "autopilot.events", msg.Topic)

	key, err := msg.Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, string(EventEmergencyClose), string(key))

	value, err := msg.Value.Encode()
	require.NoError(t, err)
	var decoded Event
	require.NoError(t, json.Unmarshal(value, &decoded))
	assert.Equal(t, EventEmergencyClose, decoded.Type)
	assert.Equal(t, "BTC crash", decoded.Data["reason"])
}

func TestEventBus_TradeClosed(t *testing.T) {
	bus := NewEventBus(DefaultConfig(), zerolog.Nop())
	closed, cancel := bus.Subscribe(EventTradeClosed)
	defer cancel()

	bus.PublishTradeClosed("t-9", "cmt_ethusdt", "SHORT", "TP", 12.5)

	ev := receive(t, closed)
	assert.Equal(t, "t-9", ev.Data["trade_id"])
	assert.Equal(t, "TP", ev.Data["exit_reason"])
	assert.Equal(t, 12.5, ev.Data["realized_pnl"])
}
