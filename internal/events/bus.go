package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different types of events emitted by the engine
type EventType string

const (
	EventStarted             EventType = "STARTED"
	EventStopped             EventType = "STOPPED"
	EventCycleStart          EventType = "CYCLE_START"
	EventCycleComplete       EventType = "CYCLE_COMPLETE"
	EventCoinSelected        EventType = "COIN_SELECTED"
	EventSpecialistAnalysis  EventType = "SPECIALIST_ANALYSIS"
	EventTournamentComplete  EventType = "TOURNAMENT_COMPLETE"
	EventRiskCouncilDecision EventType = "RISK_COUNCIL_DECISION"
	EventTradeExecuted       EventType = "TRADE_EXECUTED"
	EventEmergencyClose      EventType = "EMERGENCY_CLOSE"
	EventTradeClosed         EventType = "TRADE_CLOSED"
)

// Event represents an engine event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Config tunes per-subscriber delivery
type Config struct {
	Buffer int
}

func DefaultConfig() Config {
	return Config{Buffer: 256}
}

type subscription struct {
	ch    chan Event
	types map[EventType]struct{} // nil means every type
}

func (s *subscription) wants(t EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// EventBus fans events out to bounded per-subscriber channels. Publish never
// blocks: a subscriber whose buffer is full loses that event.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	nextID  uint64
	cfg     Config
	dropped atomic.Uint64
	logger  zerolog.Logger
}

// NewEventBus creates a new event bus
func NewEventBus(cfg Config, logger zerolog.Logger) *EventBus {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultConfig().Buffer
	}
	return &EventBus{
		subs:   make(map[uint64]*subscription),
		cfg:    cfg,
		logger: logger.With().Str("component", "EventBus").Logger(),
	}
}

// Subscribe returns a channel receiving the given event types (all types when
// none are given) and a cancel func that closes it.
func (eb *EventBus) Subscribe(types ...EventType) (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, eb.cfg.Buffer)}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	eb.subs[id] = sub
	eb.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			eb.mu.Lock()
			delete(eb.subs, id)
			close(sub.ch)
			eb.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// SubscribeFunc runs handler on its own goroutine for every matching event
func (eb *EventBus) SubscribeFunc(handler Subscriber, types ...EventType) func() {
	ch, cancel := eb.Subscribe(types...)
	go func() {
		for event := range ch {
			handler(event)
		}
	}()
	return cancel
}

// Publish sends an event to all matching subscribers
func (eb *EventBus) Publish(event Event) {
	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, sub := range eb.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			eb.dropped.Add(1)
			eb.logger.Warn().Str("event", string(event.Type)).Msg("Subscriber full, event dropped")
		}
	}
}

// Dropped returns how many deliveries were abandoned
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}

// PublishStarted publishes an engine started event
func (eb *EventBus) PublishStarted(operatorID string) {
	eb.Publish(Event{
		Type: EventStarted,
		Data: map[string]interface{}{
			"operator_id": operatorID,
		},
	})
}

// PublishStopped publishes an engine stopped event. reason is empty on a normal stop.
func (eb *EventBus) PublishStopped(operatorID, reason string) {
	data := map[string]interface{}{
		"operator_id": operatorID,
	}
	if reason != "" {
		data["reason"] = reason
	}
	eb.Publish(Event{Type: EventStopped, Data: data})
}

// PublishCycleStart publishes a cycle start event
func (eb *EventBus) PublishCycleStart(cycleNumber int64) {
	eb.Publish(Event{
		Type: EventCycleStart,
		Data: map[string]interface{}{
			"cycle": cycleNumber,
		},
	})
}

// PublishCycleComplete publishes the finished cycle record
func (eb *EventBus) PublishCycleComplete(cycleNumber int64, tradesExecuted, debatesRun int, symbols, errs []string, duration time.Duration) {
	eb.Publish(Event{
		Type: EventCycleComplete,
		Data: map[string]interface{}{
			"cycle":           cycleNumber,
			"trades_executed": tradesExecuted,
			"debates_run":     debatesRun,
			"symbols":         symbols,
			"errors":          errs,
			"duration_ms":     duration.Milliseconds(),
		},
	})
}

// PublishCoinSelected publishes the symbol chosen for analysis
func (eb *EventBus) PublishCoinSelected(symbol, direction, reason string) {
	eb.Publish(Event{
		Type: EventCoinSelected,
		Data: map[string]interface{}{
			"symbol":    symbol,
			"direction": direction,
			"reason":    reason,
		},
	})
}

// PublishSpecialistAnalysis publishes one specialist's verdict
func (eb *EventBus) PublishSpecialistAnalysis(agentID, symbol, recommendation string, confidence float64) {
	eb.Publish(Event{
		Type: EventSpecialistAnalysis,
		Data: map[string]interface{}{
			"agent_id":       agentID,
			"symbol":         symbol,
			"recommendation": recommendation,
			"confidence":     confidence,
		},
	})
}

// PublishTournamentComplete publishes the adjudication result
func (eb *EventBus) PublishTournamentComplete(symbol, direction, winningAgentID string, confidence float64, found bool) {
	eb.Publish(Event{
		Type: EventTournamentComplete,
		Data: map[string]interface{}{
			"symbol":           symbol,
			"direction":        direction,
			"winning_agent_id": winningAgentID,
			"confidence":       confidence,
			"champion":         found,
		},
	})
}

// PublishRiskCouncilDecision publishes the risk review verdict
func (eb *EventBus) PublishRiskCouncilDecision(symbol string, approved bool, vetoReason string) {
	eb.Publish(Event{
		Type: EventRiskCouncilDecision,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"approved":    approved,
			"veto_reason": vetoReason,
		},
	})
}

// PublishTradeExecuted publishes a placed order
func (eb *EventBus) PublishTradeExecuted(tradeID, orderID, symbol, side string, size, entryPrice float64, leverage int) {
	eb.Publish(Event{
		Type: EventTradeExecuted,
		Data: map[string]interface{}{
			"trade_id":    tradeID,
			"order_id":    orderID,
			"symbol":      symbol,
			"side":        side,
			"size":        size,
			"entry_price": entryPrice,
			"leverage":    leverage,
		},
	})
}

// PublishEmergencyClose publishes a RED-level liquidation attempt
func (eb *EventBus) PublishEmergencyClose(reason string, symbols, failed []string) {
	eb.Publish(Event{
		Type: EventEmergencyClose,
		Data: map[string]interface{}{
			"reason":  reason,
			"symbols": symbols,
			"failed":  failed,
		},
	})
}

// PublishTradeClosed publishes a closure booked by reconciliation
func (eb *EventBus) PublishTradeClosed(tradeID, symbol, side, exitReason string, realizedPnL float64) {
	eb.Publish(Event{
		Type: EventTradeClosed,
		Data: map[string]interface{}{
			"trade_id":     tradeID,
			"symbol":       symbol,
			"side":         side,
			"exit_reason":  exitReason,
			"realized_pnl": realizedPnL,
		},
	})
}
