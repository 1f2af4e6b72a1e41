package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tedge-io/tedge-agent/internal/children"
	"github.com/tedge-io/tedge-agent/internal/entity"
	"github.com/tedge-io/tedge-agent/internal/mqttclient"
	"github.com/tedge-io/tedge-agent/internal/operations"
	"github.com/tedge-io/tedge-agent/pkg/model"
)

// dispatcher is the topic-routing actor C11 inserts between the local MQTT
// session and C7/C8: it subscribes the local command-status tree and each
// cloud's downstream request topics, decodes just enough to route each
// message, and forwards it to the right actor's inbound channel. Grounded
// on bridge.Engine's own subscribeAll fan-in (internal/bridge/engine.go):
// the same "one goroutine per filter, merge into a single channel" shape,
// here feeding actor mailboxes instead of a second MQTT session.
type dispatcher struct {
	local       *mqttclient.Client
	schema      entity.Schema
	registry    *operations.Registry
	coordinator *children.Coordinator
	clouds      []string
	primary     string
}

func newDispatcher(local *mqttclient.Client, schema entity.Schema, registry *operations.Registry, coordinator *children.Coordinator, clouds []string, primary string) *dispatcher {
	return &dispatcher{local: local, schema: schema, registry: registry, coordinator: coordinator, clouds: clouds, primary: primary}
}

func (d *dispatcher) Name() string { return "dispatcher" }

func (d *dispatcher) Run(ctx context.Context) error {
	statusCh, err := d.local.Subscribe(ctx, d.schema.Root()+"/+/+/+/+/cmd/+/+", mqttclient.DefaultQoS)
	if err != nil {
		return fmt.Errorf("dispatcher: subscribe command tree: %w", err)
	}

	entityCh, err := d.local.Subscribe(ctx, d.schema.Root()+"/+/+/+/+", mqttclient.DefaultQoS)
	if err != nil {
		return fmt.Errorf("dispatcher: subscribe entity metadata: %w", err)
	}

	type cloudMsg struct {
		cloud string
		msg   mqttclient.Message
	}
	cloudCh := make(chan cloudMsg, 64)
	var wg sync.WaitGroup
	for _, cloud := range d.clouds {
		for _, filter := range []string{cloud + "/s/ds", cloud + "/s/ds/+"} {
			ch, err := d.local.Subscribe(ctx, filter, mqttclient.DefaultQoS)
			if err != nil {
				return fmt.Errorf("dispatcher: subscribe %s: %w", filter, err)
			}
			wg.Add(1)
			go func(cloud string, ch <-chan mqttclient.Message) {
				defer wg.Done()
				for msg := range ch {
					select {
					case cloudCh <- cloudMsg{cloud: cloud, msg: msg}:
					case <-ctx.Done():
						return
					}
				}
			}(cloud, ch)
		}
	}
	go func() {
		wg.Wait()
		close(cloudCh)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-statusCh:
			if !ok {
				statusCh = nil
				continue
			}
			d.routeStatus(ctx, msg)
		case msg, ok := <-entityCh:
			if !ok {
				entityCh = nil
				continue
			}
			d.routeEntityMetadata(ctx, msg)
		case cm, ok := <-cloudCh:
			if !ok {
				cloudCh = nil
				continue
			}
			d.routeCloudRequest(ctx, cm.cloud, cm.msg)
		}
	}
}

func (d *dispatcher) routeStatus(ctx context.Context, msg mqttclient.Message) {
	id, ch, ok := d.schema.Parse(msg.Topic)
	if !ok || ch.Kind != model.ChannelCommand {
		return
	}
	if len(msg.Payload) == 0 {
		return // retained-clear tombstone, not a status update
	}
	var payload model.CommandPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		log.Warn().Err(err).Str("topic", msg.Topic).Msg("dispatcher: failed to decode command payload")
		return
	}

	if id.IsChild() {
		select {
		case d.coordinator.InboundStatus() <- children.Status{Entity: id, OpType: ch.OpType, CmdID: ch.CmdID, Payload: payload}:
		case <-ctx.Done():
		}
		return
	}
	select {
	case d.registry.InboundLocalStatus() <- operations.LocalStatus{Entity: id, OpType: ch.OpType, CmdID: ch.CmdID, Payload: payload}:
	case <-ctx.Done():
	}
}

// routeEntityMetadata recognizes a child device or service announcing itself
// (a retained message on its own four-segment topic, no command tail) and
// registers it with C7's entity registry so later operations may target it.
func (d *dispatcher) routeEntityMetadata(ctx context.Context, msg mqttclient.Message) {
	id, ch, ok := d.schema.Parse(msg.Topic)
	if !ok || ch.Kind != model.ChannelEntityMetadata {
		return
	}
	if len(msg.Payload) == 0 {
		return // retained-clear tombstone, not a registration
	}
	select {
	case d.registry.InboundEntityRegistration() <- id:
	case <-ctx.Done():
	}
}

func (d *dispatcher) routeCloudRequest(ctx context.Context, cloud string, msg mqttclient.Message) {
	req := operations.CloudRequest{CloudID: cloud, Topic: msg.Topic, Payload: msg.Payload}
	select {
	case d.registry.InboundCloudRequests() <- req:
	case <-ctx.Done():
	}
}
