// Package children implements the child-device operation coordinator
// (spec.md §4.8): for operations targeting a child device it stages a
// file-transfer artifact, starts a per-key timeout, and enforces at most
// one active operation per (child, op-type, subtype) key.
package children

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tedge-io/tedge-agent/internal/entity"
	"github.com/tedge-io/tedge-agent/internal/protocol/smartrest"
	"github.com/tedge-io/tedge-agent/internal/transfer"
	"github.com/tedge-io/tedge-agent/pkg/model"

	"sync"
)

// DefaultFirmwareTimeout is the per-key expiry for firmware operations,
// which can legitimately run long on constrained child devices.
const DefaultFirmwareTimeout = time.Hour

// DefaultTimeout is the per-key expiry for every other operation type.
const DefaultTimeout = 10 * time.Minute

// TimeoutFor returns the configured per-key timeout for opType.
func TimeoutFor(opType model.OperationType) time.Duration {
	if opType == model.OpFirmwareUpdate {
		return DefaultFirmwareTimeout
	}
	return DefaultTimeout
}

// LocalPublisher publishes the retained local command topic a child
// device's handler observes.
type LocalPublisher interface {
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
}

// CloudPublisher publishes line-protocol records to a cloud topic.
type CloudPublisher interface {
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
}

// CloudTopic resolves the outgoing cloud topic for a child target.
type CloudTopic func(cloudID string, target model.EntityID) string

// Counters is the minimal counter-increment surface the coordinator
// reports diagnostics to; satisfied by *diagnostics.Counters. Wiring is
// optional.
type Counters interface {
	Inc(name string)
}

// Transfer is the subset of internal/transfer.Service the coordinator
// needs to move bytes between a staged local artifact and the cloud's
// binary URL: C5 handles the gateway<->cloud leg, while the child device
// only ever talks HTTP to this gateway's local file-transfer endpoint
// (internal/filetransfer), never directly to the cloud.
type Transfer interface {
	Download(ctx context.Context, info transfer.DownloadInfo) error
	Upload(ctx context.Context, sourcePath string, info transfer.UploadInfo) error
}

// StartRequest asks the coordinator to begin a child-targeted operation.
// Op.Target must be a child device (model.EntityID.IsChild()).
type StartRequest struct {
	Op *model.Operation
}

// Status is an observed response from the child device on its command
// topic, already parsed into entity + channel by C10.
type Status struct {
	Entity  model.EntityID
	OpType  model.OperationType
	CmdID   string
	Payload model.CommandPayload
}

type tracked struct {
	op       *model.Operation
	timer    *time.Timer
	artifact string
}

// Coordinator is the C8 actor.
type Coordinator struct {
	schema   entity.Schema
	local    LocalPublisher
	cloud    CloudPublisher
	topic    CloudTopic
	staging  *Staging
	transfer Transfer

	start        chan StartRequest
	status       chan Status
	expired      chan model.Key
	downloadDone chan downloadResult

	mu  sync.Mutex
	ops map[model.Key]*tracked

	counters Counters
}

// SetCounters wires diagnostics counters in. Optional; nil (the default)
// means operation outcomes simply aren't counted.
func (c *Coordinator) SetCounters(cn Counters) { c.counters = cn }

func (c *Coordinator) incCounter(name string) {
	if c.counters != nil {
		c.counters.Inc(name)
	}
}

type downloadResult struct {
	key model.Key
	err error
}

// NewCoordinator constructs a Coordinator. Callers feed start requests and
// child status observations in via the Inbound* channels. xfer performs
// the gateway<->cloud leg of a download/upload operation (internal/transfer);
// passing nil disables it and leaves a staged download empty until the
// child itself would have to fetch from RemoteURL directly, which callers
// should avoid in production wiring.
func NewCoordinator(schema entity.Schema, local LocalPublisher, cloud CloudPublisher, topic CloudTopic, staging *Staging, xfer Transfer) *Coordinator {
	return &Coordinator{
		schema:   schema,
		local:    local,
		cloud:    cloud,
		topic:    topic,
		staging:  staging,
		transfer: xfer,
		start:        make(chan StartRequest, 16),
		status:       make(chan Status, 32),
		expired:      make(chan model.Key, 16),
		downloadDone: make(chan downloadResult, 16),
		ops:          make(map[model.Key]*tracked),
	}
}

func (c *Coordinator) Name() string { return "children" }

func (c *Coordinator) InboundStart() chan<- StartRequest { return c.start }
func (c *Coordinator) InboundStatus() chan<- Status      { return c.status }

// Run is the coordinator's sole loop, handling start requests, child status
// observations, and timer expiries until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-c.start:
			if !ok {
				return nil
			}
			c.handleStart(ctx, req.Op)
		case st, ok := <-c.status:
			if !ok {
				return nil
			}
			c.handleStatus(ctx, st)
		case key, ok := <-c.expired:
			if !ok {
				return nil
			}
			c.handleTimeout(ctx, key)
		case res, ok := <-c.downloadDone:
			if !ok {
				return nil
			}
			c.handleDownloadResult(ctx, res)
		}
	}
}

// fetchDownload runs C5's gateway<->cloud leg for a download operation:
// it pulls op.RemoteURL into the path Staging already reserved, so the
// child device's subsequent HTTP GET against the local file-transfer
// endpoint serves real content rather than a 404.
func (c *Coordinator) fetchDownload(ctx context.Context, key model.Key, artifact, remoteURL string) {
	err := c.transfer.Download(ctx, transfer.DownloadInfo{URL: remoteURL, TargetPath: artifact})
	select {
	case c.downloadDone <- downloadResult{key: key, err: err}:
	case <-ctx.Done():
	}
}

func (c *Coordinator) handleDownloadResult(ctx context.Context, res downloadResult) {
	if res.err == nil {
		return
	}
	c.mu.Lock()
	t, ok := c.ops[res.key]
	c.mu.Unlock()
	if !ok {
		return
	}
	log.Warn().Err(res.err).Str("child", res.key.ChildID).Msg("children: failed to stage download from cloud, failing operation")
	c.finish(ctx, res.key, t, model.StatusFailed, "failed to fetch artifact from cloud: "+res.err.Error(), "")
}

func isDownload(opType model.OperationType) bool {
	switch opType {
	case model.OpConfigUpdate, model.OpFirmwareUpdate, model.OpSoftwareUpdate:
		return true
	default:
		return false
	}
}

func isUpload(opType model.OperationType) bool {
	switch opType {
	case model.OpConfigSnapshot, model.OpLogUpload:
		return true
	default:
		return false
	}
}

// handleStart enforces at-most-one-per-key: a second request for an
// already-active key is rejected with a canonical executing+failed pair
// (spec.md §4.8) rather than starting alongside the active operation.
func (c *Coordinator) handleStart(ctx context.Context, op *model.Operation) {
	key := op.Key()

	c.mu.Lock()
	if _, active := c.ops[key]; active {
		c.mu.Unlock()
		log.Warn().Str("child", key.ChildID).Str("type", string(key.Type)).
			Msg("children: rejecting duplicate request for an already-active key")
		c.rejectDuplicate(ctx, op)
		return
	}

	op.CmdID = uuid.NewString()
	op.Status = model.StatusInit
	t := &tracked{op: op}
	c.ops[key] = t
	c.mu.Unlock()

	t.artifact = c.stageFor(op)
	c.armTimer(key, TimeoutFor(op.Type))

	if t.artifact != "" && isDownload(op.Type) && c.transfer != nil {
		go c.fetchDownload(ctx, key, t.artifact, op.RemoteURL)
	}

	payload := commandPayload(op)
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("children: failed to marshal command payload")
		return
	}
	topic := c.schema.TopicOf(op.Target, model.Channel{Kind: model.ChannelCommand, OpType: op.Type, CmdID: op.CmdID})
	if err := c.local.Publish(ctx, topic, 1, true, body); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("children: failed to publish init command")
	}
}

func (c *Coordinator) rejectDuplicate(ctx context.Context, op *model.Operation) {
	c.incCounter("children_rejected_duplicate_total")
	c.publishCloud(ctx, op, smartrest.ExecutingRecord(string(op.Type), op.CloudOpID))
	c.publishCloud(ctx, op, smartrest.FailedRecord(string(op.Type), op.CloudOpID, "operation already in progress for this device"))
}

// stageFor reserves the file-transfer artifact path for op, if its type
// needs one, and sets op.TedgeURL to the URL the child fetches or posts
// through. Staging failures are logged and leave TedgeURL empty; the
// command still proceeds; the child handler on an artifact-less URL will
// itself fail the operation.
func (c *Coordinator) stageFor(op *model.Operation) string {
	var (
		path string
		err  error
	)
	switch op.Type {
	case model.OpConfigUpdate, model.OpFirmwareUpdate, model.OpSoftwareUpdate:
		path, err = c.staging.ReserveDownload(op.Target.ChildID(), string(op.Type), op.RemoteURL)
	case model.OpConfigSnapshot, model.OpLogUpload:
		path, err = c.staging.ReserveUpload(op.Target.ChildID(), string(op.Type), op.CmdID)
	default:
		return ""
	}
	if err != nil {
		log.Warn().Err(err).Str("type", string(op.Type)).Msg("children: failed to reserve staging path")
		return ""
	}
	op.TedgeURL = c.staging.ServeURL(path)
	return path
}

// armTimer (re)schedules key's expiry d from now. Resetting an
// already-running timer rather than stopping and recreating it keeps a
// rapid run of "executing" responses from scheduling more than one expiry.
func (c *Coordinator) armTimer(key model.Key, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.ops[key]
	if !ok {
		return
	}
	if t.timer == nil {
		t.timer = time.AfterFunc(d, func() {
			select {
			case c.expired <- key:
			default:
				log.Warn().Str("child", key.ChildID).Msg("children: expiry channel full, dropping timeout")
			}
		})
		return
	}
	t.timer.Reset(d)
}

func (c *Coordinator) handleStatus(ctx context.Context, st Status) {
	key := model.Key{ChildID: st.Entity.ChildID(), Type: st.OpType, Subtype: st.Payload.Type}
	c.mu.Lock()
	t, ok := c.ops[key]
	c.mu.Unlock()
	if !ok {
		// No active operation for this key: a stale or duplicate response
		// after we already finished it. Ignored rather than tracked again.
		return
	}

	switch st.Payload.Status {
	case model.StatusExecuting:
		c.armTimer(key, TimeoutFor(t.op.Type))
		if t.op.Status != model.StatusExecuting {
			c.publishCloud(ctx, t.op, smartrest.ExecutingRecord(string(t.op.Type), t.op.CloudOpID))
		}
		t.op.Status = model.StatusExecuting
	case model.StatusSuccessful, model.StatusFailed:
		c.finish(ctx, key, t, st.Payload.Status, st.Payload.Reason, st.Payload.Result)
	}
}

func (c *Coordinator) handleTimeout(ctx context.Context, key model.Key) {
	c.mu.Lock()
	t, ok := c.ops[key]
	c.mu.Unlock()
	if !ok {
		return
	}
	log.Warn().Str("child", key.ChildID).Str("type", string(key.Type)).
		Msg("children: operation timed out waiting for child response")
	c.incCounter("children_timeouts_total")
	c.finish(ctx, key, t, model.StatusFailed, "timed out waiting for child device response", "")
}

// finish cancels key's timer, relays the terminal status to the cloud
// (synthesizing an intermediate "executing" record first if none was ever
// sent), clears the local command topic, and best-effort removes the
// staged artifact.
func (c *Coordinator) finish(ctx context.Context, key model.Key, t *tracked, status model.Status, reason, result string) {
	c.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	delete(c.ops, key)
	c.mu.Unlock()

	if t.op.Status != model.StatusExecuting {
		c.publishCloud(ctx, t.op, smartrest.ExecutingRecord(string(t.op.Type), t.op.CloudOpID))
	}

	if status == model.StatusSuccessful && isUpload(t.op.Type) && t.artifact != "" && t.op.RemoteURL != "" && c.transfer != nil {
		if err := c.transfer.Upload(ctx, t.artifact, transfer.UploadInfo{URL: t.op.RemoteURL, Method: transfer.MethodPUT}); err != nil {
			log.Warn().Err(err).Str("child", key.ChildID).Msg("children: failed to push staged artifact to cloud")
			status = model.StatusFailed
			reason = "failed to upload artifact to cloud: " + err.Error()
		}
	}

	t.op.Status = status
	t.op.Reason = reason
	t.op.Result = result
	if status == model.StatusSuccessful {
		c.publishCloud(ctx, t.op, smartrest.SuccessRecord(string(t.op.Type), t.op.CloudOpID, result))
		c.incCounter("children_completed_total")
	} else {
		c.publishCloud(ctx, t.op, smartrest.FailedRecord(string(t.op.Type), t.op.CloudOpID, reason))
		c.incCounter("children_failed_total")
	}
	c.clearCommandTopic(ctx, t.op)

	if t.artifact != "" {
		if err := c.staging.Cleanup(t.artifact); err != nil {
			log.Debug().Err(err).Str("path", t.artifact).Msg("children: best-effort artifact cleanup failed")
		}
	}
}

func (c *Coordinator) publishCloud(ctx context.Context, op *model.Operation, record []string) {
	body, err := smartrest.Encode([][]string{record})
	if err != nil {
		log.Error().Err(err).Msg("children: failed to encode cloud record")
		return
	}
	topic := c.topic("", op.Target)
	if err := c.cloud.Publish(ctx, topic, 1, false, body); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("children: failed to publish cloud record")
	}
}

func (c *Coordinator) clearCommandTopic(ctx context.Context, op *model.Operation) {
	topic := c.schema.TopicOf(op.Target, model.Channel{Kind: model.ChannelCommand, OpType: op.Type, CmdID: op.CmdID})
	if err := c.local.Publish(ctx, topic, 1, true, nil); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("children: failed to clear command topic")
	}
}

func commandPayload(op *model.Operation) model.CommandPayload {
	return model.CommandPayload{
		Status:     op.Status,
		Type:       op.ConfigType,
		TedgeURL:   op.TedgeURL,
		RemoteURL:  op.RemoteURL,
		SearchText: op.SearchText,
		Lines:      op.MaxLines,
	}
}
