// Package bridge implements the MQTT bridge engine (spec.md §4.3): it owns
// two MQTT sessions, local and remote, and forwards messages between them
// according to a fixed set of rewrite rules loaded at startup.
package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tedge-io/tedge-agent/internal/mqttclient"
	"github.com/tedge-io/tedge-agent/internal/telemetry"
	"github.com/tedge-io/tedge-agent/pkg/model"
)

// Session is the subset of mqttclient.Client the engine needs from each
// side of the bridge; it is an interface so tests can substitute a fake.
type Session interface {
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
	Subscribe(ctx context.Context, filter string, qos byte) (<-chan mqttclient.Message, error)
}

// Side identifies which session a forwarded message is headed to.
type Side int

const (
	Local Side = iota
	Remote
)

// HealthPublisher publishes the bridge's own liveness; normally backed by
// the local Session, kept separate so tests don't need a live broker.
type HealthPublisher interface {
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
}

// Counters is the minimal counter-increment surface the engine reports
// diagnostics to; satisfied by *diagnostics.Counters. Wiring is optional.
type Counters interface {
	Inc(name string)
}

// Engine forwards messages between a local and a remote MQTT session per a
// fixed rule set. Rules are immutable for the engine's lifetime (spec.md §3).
type Engine struct {
	local  Session
	remote Session

	rules []model.Rule

	healthTopic  string
	healthPub    HealthPublisher
	sysAllowedBy map[int]bool // per-rule index: '#'/system-topic opt-in

	mu         sync.Mutex
	loopGuards map[string]struct{} // fully-qualified topics to suppress, per forwarded side

	counters Counters
}

// SetCounters wires diagnostics counters in. Optional; nil (the default)
// means forwards simply aren't counted.
func (e *Engine) SetCounters(c Counters) { e.counters = c }

func (e *Engine) incCounter(name string) {
	if e.counters != nil {
		e.counters.Inc(name)
	}
}

// NewEngine constructs a bridge engine over already-connected sessions.
// Rule validation must have already happened (spec.md: rule parsing
// failures are fatal at startup, not at the engine).
func NewEngine(local, remote Session, rules []model.Rule, healthTopic string, healthPub HealthPublisher) *Engine {
	return &Engine{
		local:       local,
		remote:      remote,
		rules:       rules,
		healthTopic: healthTopic,
		healthPub:   healthPub,
		loopGuards:  make(map[string]struct{}),
	}
}

func (e *Engine) Name() string { return "bridge" }

// Run subscribes both sessions to every filter the rule set references and
// forwards matching messages until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	localFilters, remoteFilters := e.filtersBySide()

	localIn, err := e.subscribeAll(ctx, e.local, localFilters)
	if err != nil {
		return fmt.Errorf("bridge: subscribe local: %w", err)
	}
	remoteIn, err := e.subscribeAll(ctx, e.remote, remoteFilters)
	if err != nil {
		return fmt.Errorf("bridge: subscribe remote: %w", err)
	}

	if e.healthPub != nil && e.healthTopic != "" {
		if err := e.healthPub.Publish(ctx, e.healthTopic, 1, true, []byte("up")); err != nil {
			log.Warn().Err(err).Msg("bridge: failed to publish health status")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-localIn:
			if !ok {
				localIn = nil
				continue
			}
			e.forward(ctx, msg, model.DirectionLocalToRemote, e.remote)
		case msg, ok := <-remoteIn:
			if !ok {
				remoteIn = nil
				continue
			}
			e.forward(ctx, msg, model.DirectionRemoteToLocal, e.local)
		}
	}
}

func (e *Engine) filtersBySide() (local, remote []string) {
	seenLocal := map[string]struct{}{}
	seenRemote := map[string]struct{}{}
	for _, r := range e.rules {
		switch r.Direction {
		case model.DirectionLocalToRemote:
			if _, ok := seenLocal[r.Filter]; !ok {
				seenLocal[r.Filter] = struct{}{}
				local = append(local, r.Filter)
			}
		case model.DirectionRemoteToLocal:
			if _, ok := seenRemote[r.Filter]; !ok {
				seenRemote[r.Filter] = struct{}{}
				remote = append(remote, r.Filter)
			}
		}
	}
	return local, remote
}

func (e *Engine) subscribeAll(ctx context.Context, s Session, filters []string) (<-chan mqttclient.Message, error) {
	out := make(chan mqttclient.Message, 64)
	var wg sync.WaitGroup
	for _, f := range filters {
		ch, err := s.Subscribe(ctx, f, 1)
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", f, err)
		}
		wg.Add(1)
		go func(ch <-chan mqttclient.Message) {
			defer wg.Done()
			for msg := range ch {
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// forward applies the first matching rule for dir and publishes on dest,
// unless the loop-suppression guard recognizes the rewritten topic as one
// the engine itself already forwarded in the opposite direction.
func (e *Engine) forward(ctx context.Context, msg mqttclient.Message, dir model.Direction, dest Session) {
	for i, r := range e.rules {
		if r.Direction != dir {
			continue
		}
		if !r.Matches(msg.Topic, e.sysTopicsAllowed(i)) {
			continue
		}
		if e.isLoop(msg.Topic) {
			log.Debug().Str("topic", msg.Topic).Msg("bridge: suppressing forward loop")
			e.incCounter("bridge_loops_suppressed_total")
			return
		}
		rewritten, ok := r.Apply(msg.Topic)
		if !ok {
			continue
		}
		if r.Bidirectional != "" {
			e.markForwarded(rewritten)
		}
		spanCtx, span := telemetry.StartBridgeSpan(ctx, string(dir), rewritten)
		if err := dest.Publish(spanCtx, rewritten, msg.QoS, msg.Retained, msg.Payload); err != nil {
			log.Warn().Str("topic", rewritten).Err(err).Msg("bridge: publish failed, message dropped")
			e.incCounter("bridge_publish_errors_total")
		} else {
			e.incCounter("bridge_forwards_total")
		}
		span.End()
		return // first match wins (spec.md §7 rule-conflict policy)
	}
}

func (e *Engine) sysTopicsAllowed(ruleIdx int) bool {
	return e.sysAllowedBy[ruleIdx]
}

func (e *Engine) isLoop(topic string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.loopGuards[topic]
	if ok {
		delete(e.loopGuards, topic)
	}
	return ok
}

func (e *Engine) markForwarded(topic string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loopGuards[topic] = struct{}{}
}

// WithSystemTopicsAllowed marks rule index i as permitted to match
// "$SYS/..." topics even under a "#" filter (spec.md §8 boundary case).
func (e *Engine) WithSystemTopicsAllowed(i int) {
	if e.sysAllowedBy == nil {
		e.sysAllowedBy = make(map[int]bool)
	}
	e.sysAllowedBy[i] = true
}

// IsSystemTopic reports whether topic is a broker-internal "$SYS" topic.
func IsSystemTopic(topic string) bool {
	return strings.HasPrefix(topic, "$SYS/")
}
