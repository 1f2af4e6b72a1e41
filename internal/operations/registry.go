// Package operations implements the operation registry and state machine
// (spec.md §4.7): it decodes cloud requests, drives each operation's local
// command topic, relays status transitions back to the cloud, and keeps
// the per-entity supported-operations list in sync.
package operations

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tedge-io/tedge-agent/internal/entity"
	"github.com/tedge-io/tedge-agent/internal/protocol/c8y"
	"github.com/tedge-io/tedge-agent/internal/protocol/smartrest"
	"github.com/tedge-io/tedge-agent/internal/telemetry"
	"github.com/tedge-io/tedge-agent/pkg/model"
)

// LocalPublisher publishes the retained local command topics the device
// and child handlers observe.
type LocalPublisher interface {
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
}

// Counters is the minimal counter-increment surface this registry reports
// diagnostics to; satisfied by *diagnostics.Counters. Wiring is optional
// (SetCounters), so tests that don't care about metrics need not supply one.
type Counters interface {
	Inc(name string)
}

// CloudPublisher publishes line-protocol records to a cloud topic.
type CloudPublisher interface {
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
}

// CloudRequest is a raw inbound cloud message, not yet decoded.
type CloudRequest struct {
	CloudID string // cloud the request arrived from; not consulted: replies always use the default cloud's topic roots
	Topic   string // arrival topic; distinguishes SmartREST vs JSON dialect
	Payload []byte
}

// LocalStatus is an observed status transition on a command topic,
// already parsed into entity + channel by C10.
type LocalStatus struct {
	Entity  model.EntityID
	OpType  model.OperationType
	CmdID   string
	Payload model.CommandPayload
}

// CapabilityChange notifies the registry that the set of operation types
// enabled for Entity changed (from the filesystem-watched operations
// directory); it triggers a "114" republish.
type CapabilityChange struct {
	Entity model.EntityID
	Types  []string
}

// CloudTopic resolves the outgoing cloud topic for a target entity, e.g.
// "c8y/s/us" for the main device or "c8y/s/us/<child>" for a child.
type CloudTopic func(cloudID string, target model.EntityID) string

// ChildDispatcher hands a child-targeted operation off to C8 (the
// child-device coordinator), which owns staging and per-key timeouts
// that a plain main-device operation doesn't need (spec.md §4.7 vs
// §4.8). The registry itself never tracks a child operation to
// completion; SetChildDispatcher wires this for every entity whose
// EntityID.IsChild() is true.
type ChildDispatcher interface {
	Start(ctx context.Context, op *model.Operation) error
}

// Registry is the C7 actor.
type Registry struct {
	schema   entity.Schema
	local    LocalPublisher
	cloud    CloudPublisher
	topic    CloudTopic
	children ChildDispatcher
	entities *entity.Registry
	counters Counters

	cloudReq    chan CloudRequest
	localStatus chan LocalStatus
	capability  chan CapabilityChange
	bridgeReady chan struct{}
	entityReg   chan model.EntityID

	ops          map[string]map[string]*model.Operation // entity string -> cmd id -> op
	supportedOps map[string][]string                    // entity string -> enabled operation type names
}

// SetChildDispatcher wires the child-device coordinator in. Must be
// called before Run; calling it is optional (a deployment with no child
// devices configured can leave it nil, and child-targeted requests will
// be handled as ordinary operations instead).
func (r *Registry) SetChildDispatcher(d ChildDispatcher) { r.children = d }

// SetCounters wires diagnostics counters in. Optional; nil (the default)
// means operation transitions simply aren't counted.
func (r *Registry) SetCounters(c Counters) { r.counters = c }

func (r *Registry) incCounter(name string) {
	if r.counters != nil {
		r.counters.Inc(name)
	}
}

// NewRegistry constructs a Registry for the gateway's own mainDeviceID.
// Callers feed CloudRequest/LocalStatus/CapabilityChange/bridge-ready/
// entity-registration events in from C2/C3/C4/C10 via the returned
// channels (Inbound* accessors). mainDeviceID seeds the entity registry
// (spec.md §9's "unknown entity" resolution, see handleCloudRequest):
// the main device is always known; child devices become known only once
// their entity-metadata message has been observed.
func NewRegistry(schema entity.Schema, local LocalPublisher, cloud CloudPublisher, topic CloudTopic, mainDeviceID string) *Registry {
	return &Registry{
		schema:       schema,
		local:        local,
		cloud:        cloud,
		topic:        topic,
		entities:     entity.NewRegistry(model.MainDevice(mainDeviceID)),
		cloudReq:     make(chan CloudRequest, 32),
		localStatus:  make(chan LocalStatus, 32),
		capability:   make(chan CapabilityChange, 8),
		bridgeReady:  make(chan struct{}, 1),
		entityReg:    make(chan model.EntityID, 16),
		ops:          make(map[string]map[string]*model.Operation),
		supportedOps: make(map[string][]string),
	}
}

func (r *Registry) Name() string { return "operations" }

func (r *Registry) InboundCloudRequests() chan<- CloudRequest        { return r.cloudReq }
func (r *Registry) InboundLocalStatus() chan<- LocalStatus           { return r.localStatus }
func (r *Registry) InboundCapabilityChange() chan<- CapabilityChange { return r.capability }
func (r *Registry) InboundBridgeReady() chan<- struct{}              { return r.bridgeReady }
func (r *Registry) InboundEntityRegistration() chan<- model.EntityID { return r.entityReg }

// Run is the registry's sole loop, handling every inbound message kind
// until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-r.cloudReq:
			if !ok {
				return nil
			}
			r.handleCloudRequest(ctx, req)
		case status, ok := <-r.localStatus:
			if !ok {
				return nil
			}
			r.handleLocalStatus(ctx, status)
		case change, ok := <-r.capability:
			if !ok {
				return nil
			}
			r.handleCapabilityChange(ctx, change)
		case _, ok := <-r.bridgeReady:
			if !ok {
				return nil
			}
			r.handleBridgeReady(ctx)
		case id, ok := <-r.entityReg:
			if !ok {
				return nil
			}
			r.entities.Register(id)
		}
	}
}

func (r *Registry) handleBridgeReady(ctx context.Context) {
	topic := r.topic("", model.MainDevice(""))
	if err := r.cloud.Publish(ctx, topic, 1, false, []byte("500")); err != nil {
		log.Warn().Err(err).Msg("operations: failed to request pending-operations dump")
	}
}

func (r *Registry) handleCapabilityChange(ctx context.Context, change CapabilityChange) {
	key := change.Entity.String()
	r.supportedOps[key] = change.Types
	rec, err := smartrest.Encode([][]string{smartrest.SupportedOperationsRecord(change.Types)})
	if err != nil {
		log.Warn().Err(err).Msg("operations: failed to encode 114 record")
		return
	}
	topic := r.topic("", change.Entity)
	if err := r.cloud.Publish(ctx, topic, 1, false, rec); err != nil {
		log.Warn().Err(err).Msg("operations: failed to publish 114 record")
	}
}

func (r *Registry) handleCloudRequest(ctx context.Context, req CloudRequest) {
	decoded, err := decodeRequest(req)
	if err != nil {
		log.Warn().Err(err).Str("topic", req.Topic).Msg("operations: decode error, dropping message")
		r.incCounter("operations_decode_errors_total")
		return
	}
	for _, op := range decoded {
		if !r.entities.IsKnown(op.Target) {
			r.rejectUnknownEntity(ctx, op)
			continue
		}
		if op.Target.IsChild() && r.children != nil {
			if err := r.children.Start(ctx, op); err != nil {
				log.Warn().Err(err).Str("child", op.Target.ChildID()).Msg("operations: failed to hand off child operation")
			}
			continue
		}
		r.startOrSkip(ctx, op)
	}
}

// rejectUnknownEntity implements spec.md §9's "unknown entity" resolution:
// a cloud request naming an entity this gateway has never seen register
// itself is rejected with a canonical executing+failed pair rather than
// silently ignored or left to hang — the topic-scheme-unparseable case
// (the other half of that resolution) is handled further upstream, in
// entity.Schema.Parse returning ok=false for local status observations.
func (r *Registry) rejectUnknownEntity(ctx context.Context, op *model.Operation) {
	log.Warn().Str("entity", op.Target.String()).Str("type", string(op.Type)).
		Msg("operations: rejecting operation for an unregistered entity")
	r.incCounter("operations_rejected_unknown_entity_total")
	r.publishCloud(ctx, op, smartrest.ExecutingRecord(string(op.Type), op.CloudOpID))
	r.publishCloud(ctx, op, smartrest.FailedRecord(string(op.Type), op.CloudOpID, "unknown entity: "+op.Target.String()))
}

// startOrSkip begins tracking op unless an operation of the same type is
// already active for the same target (sync-on-restart reconciliation:
// "operations already recorded locally ... are left alone").
func (r *Registry) startOrSkip(ctx context.Context, op *model.Operation) {
	key := op.Target.String()
	if existing := r.ops[key]; existing != nil {
		for _, o := range existing {
			if o.Type == op.Type && !o.Status.IsTerminal() {
				log.Debug().Str("entity", key).Str("type", string(op.Type)).
					Msg("operations: operation already active, leaving it alone")
				return
			}
		}
	}

	if op.CmdID == "" {
		op.CmdID = uuid.NewString()
	}
	op.Status = model.StatusInit

	if r.ops[key] == nil {
		r.ops[key] = make(map[string]*model.Operation)
	}
	r.ops[key][op.CmdID] = op
	r.incCounter("operations_started_total")

	spanCtx, span := telemetry.StartOperationSpan(ctx, string(op.Type), op.CmdID, key)
	defer span.End()
	ctx = spanCtx

	payload := commandPayload(op)
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("operations: failed to marshal command payload")
		return
	}
	topic := r.schema.TopicOf(op.Target, model.Channel{Kind: model.ChannelCommand, OpType: op.Type, CmdID: op.CmdID})
	if err := r.local.Publish(ctx, topic, 1, true, body); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("operations: failed to publish init command")
	}
}

func (r *Registry) handleLocalStatus(ctx context.Context, status LocalStatus) {
	key := status.Entity.String()
	if r.ops[key] == nil {
		r.ops[key] = make(map[string]*model.Operation)
	}
	op, ok := r.ops[key][status.CmdID]
	if !ok {
		if status.Payload.Status.IsTerminal() {
			// Replay of an already-completed operation (e.g. a retained
			// message surviving a restart before our own clear landed).
			// Re-issue the clear, but do not relay to the cloud again.
			r.clearCommandTopic(ctx, status.Entity, status.OpType, status.CmdID)
			return
		}
		op = &model.Operation{
			Type:   status.OpType,
			CmdID:  status.CmdID,
			Target: status.Entity,
			Status: model.StatusInit,
		}
		r.ops[key][status.CmdID] = op
	}
	r.applyStatus(ctx, op, status.Payload)
}

// applyStatus enforces the {init,scheduled} -> executing* -> {successful,
// failed} monotonic progression, synthesizing an intermediate "executing"
// when a terminal status arrives without one (spec.md §4.7, §8).
func (r *Registry) applyStatus(ctx context.Context, op *model.Operation, payload model.CommandPayload) {
	newStatus := payload.Status
	if op.Status.IsTerminal() {
		// Duplicate terminal observation: idempotent, no further cloud output.
		r.clearCommandTopic(ctx, op.Target, op.Type, op.CmdID)
		return
	}

	switch newStatus {
	case model.StatusInit, model.StatusScheduled, model.StatusUnknown:
		op.Status = newStatus
		return

	case model.StatusExecuting:
		if op.Status != model.StatusExecuting {
			r.publishCloud(ctx, op, smartrest.ExecutingRecord(string(op.Type), op.CloudOpID))
		}
		op.Status = model.StatusExecuting
		return

	case model.StatusSuccessful, model.StatusFailed:
		if op.Status != model.StatusExecuting {
			r.publishCloud(ctx, op, smartrest.ExecutingRecord(string(op.Type), op.CloudOpID))
		}
		op.Status = newStatus
		op.Reason = payload.Reason
		op.Result = payload.Result
		if newStatus == model.StatusSuccessful {
			r.publishCloud(ctx, op, smartrest.SuccessRecord(string(op.Type), op.CloudOpID, op.Result))
			r.incCounter("operations_completed_total")
		} else {
			r.publishCloud(ctx, op, smartrest.FailedRecord(string(op.Type), op.CloudOpID, op.Reason))
			r.incCounter("operations_failed_total")
		}
		r.clearCommandTopic(ctx, op.Target, op.Type, op.CmdID)
		delete(r.ops[op.Target.String()], op.CmdID)
	}
}

func (r *Registry) publishCloud(ctx context.Context, op *model.Operation, record []string) {
	body, err := smartrest.Encode([][]string{record})
	if err != nil {
		log.Error().Err(err).Msg("operations: failed to encode cloud record")
		return
	}
	topic := r.topic("", op.Target)
	if err := r.cloud.Publish(ctx, topic, 1, false, body); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("operations: failed to publish cloud record")
	}
}

func (r *Registry) clearCommandTopic(ctx context.Context, target model.EntityID, opType model.OperationType, cmdID string) {
	topic := r.schema.TopicOf(target, model.Channel{Kind: model.ChannelCommand, OpType: opType, CmdID: cmdID})
	if err := r.local.Publish(ctx, topic, 1, true, nil); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("operations: failed to clear command topic")
	}
}

func commandPayload(op *model.Operation) model.CommandPayload {
	subtype := op.ConfigType
	if subtype == "" {
		subtype = op.LogType
	}
	return model.CommandPayload{
		Status:     op.Status,
		Type:       subtype,
		TedgeURL:   op.TedgeURL,
		RemoteURL:  op.RemoteURL,
		SearchText: op.SearchText,
		Lines:      op.MaxLines,
	}
}

func decodeRequest(req CloudRequest) ([]*model.Operation, error) {
	if isJSONPayload(req.Payload) {
		parsed, err := c8y.Decode(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("operations: %w", err)
		}
		return []*model.Operation{fromC8yRequest(parsed)}, nil
	}

	reqs, errs := smartrest.Decode(req.Payload)
	if len(errs) > 0 {
		log.Warn().Errs("decode_errors", errs).Msg("operations: some SmartREST records failed to decode")
	}
	var ops []*model.Operation
	for _, sr := range reqs {
		op, ok := fromSmartRESTRequest(sr)
		if ok {
			ops = append(ops, op)
		}
	}
	return ops, nil
}

func isJSONPayload(payload []byte) bool {
	for _, b := range payload {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

func fromC8yRequest(req c8y.Request) *model.Operation {
	op := &model.Operation{Target: model.ChildDevice(req.ExternalID)}
	switch req.FragmentName {
	case "c8y_DownloadConfigFile":
		op.Type = model.OpConfigUpdate
		op.ConfigType = req.FragmentString("type")
		op.RemoteURL = req.FragmentString("url")
	case "c8y_UploadConfigFile":
		op.Type = model.OpConfigSnapshot
		op.ConfigType = req.FragmentString("type")
		op.RemoteURL = req.FragmentString("url") // cloud-assigned binary upload target, if provided up front
	case "c8y_Firmware":
		op.Type = model.OpFirmwareUpdate
		op.Version = req.FragmentString("version")
		op.RemoteURL = req.FragmentString("url")
	case "c8y_SoftwareUpdate":
		op.Type = model.OpSoftwareUpdate
	case "c8y_Restart":
		op.Type = model.OpRestart
	default:
		op.Type = model.OpCustom
	}
	return op
}

func fromSmartRESTRequest(req smartrest.Request) (*model.Operation, bool) {
	field := func(i int) string {
		if i < len(req.Fields) {
			return req.Fields[i]
		}
		return ""
	}

	switch req.TemplateID {
	case smartrest.TemplateConfigUpload:
		return &model.Operation{
			Type:       model.OpConfigSnapshot,
			Target:     model.MainDevice(field(0)),
			ConfigType: field(1),
		}, true
	case smartrest.TemplateConfigDownload:
		return &model.Operation{
			Type:       model.OpConfigUpdate,
			Target:     model.MainDevice(field(0)),
			ConfigType: field(1),
			RemoteURL:  field(2),
		}, true
	case smartrest.TemplateSoftwareUpdate:
		return &model.Operation{
			Type:   model.OpSoftwareUpdate,
			Target: model.MainDevice(field(0)),
		}, true
	case smartrest.TemplateLogRequest:
		return &model.Operation{
			Type:       model.OpLogUpload,
			Target:     model.MainDevice(field(0)),
			LogType:    field(1),
			SearchText: field(4),
		}, true
	case smartrest.TemplateFirmware:
		return &model.Operation{
			Type:   model.OpFirmwareUpdate,
			Target: model.MainDevice(field(0)),
			Module: field(1),
			Version: field(2),
		}, true
	default:
		return nil, false
	}
}
