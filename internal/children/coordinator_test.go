package children_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tedge-io/tedge-agent/internal/children"
	"github.com/tedge-io/tedge-agent/internal/entity"
	"github.com/tedge-io/tedge-agent/internal/transfer"
	"github.com/tedge-io/tedge-agent/pkg/model"
)

// fakePublisher records every publish so tests can assert on the resulting
// sequence of retained local commands or cloud records.
type fakePublisher struct {
	mu   sync.Mutex
	pubs []publishedMsg
}

type publishedMsg struct {
	topic   string
	payload []byte
	retain  bool
}

func (f *fakePublisher) Publish(_ context.Context, topic string, _ byte, retain bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubs = append(f.pubs, publishedMsg{topic: topic, payload: append([]byte(nil), payload...), retain: retain})
	return nil
}

func (f *fakePublisher) snapshot() []publishedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedMsg(nil), f.pubs...)
}

// fakeTransfer stands in for the gateway<->cloud leg: each call returns
// its preset error immediately and records the URL it was given, so tests
// can assert on which transfer the coordinator asked for.
type fakeTransfer struct {
	downloadErr error
	uploadErr   error

	mu          sync.Mutex
	uploadURL   string
	downloadURL string
}

func (f *fakeTransfer) Download(_ context.Context, info transfer.DownloadInfo) error {
	f.mu.Lock()
	f.downloadURL = info.URL
	f.mu.Unlock()
	return f.downloadErr
}
func (f *fakeTransfer) Upload(_ context.Context, _ string, info transfer.UploadInfo) error {
	f.mu.Lock()
	f.uploadURL = info.URL
	f.mu.Unlock()
	return f.uploadErr
}

func newCoordinatorForTest(t *testing.T, xfer children.Transfer) (*children.Coordinator, *fakePublisher, *fakePublisher) {
	t.Helper()
	local := &fakePublisher{}
	cloud := &fakePublisher{}
	schema := entity.NewSchema("te")
	staging := children.NewStaging(t.TempDir(), "http://localhost:8000/tedge/file-transfer")
	topic := func(cloudID string, target model.EntityID) string { return "c8y/s/us/" + target.ChildID() }
	c := children.NewCoordinator(schema, local, cloud, topic, staging, xfer)
	return c, local, cloud
}

func runCoordinator(ctx context.Context, c *children.Coordinator) {
	go c.Run(ctx)
}

func TestHandleStartStagesDownloadAndFetchesFromCloud(t *testing.T) {
	xfer := &fakeTransfer{}
	c, local, cloud := newCoordinatorForTest(t, xfer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runCoordinator(ctx, c)

	op := &model.Operation{Type: model.OpConfigUpdate, Target: model.ChildDevice("child1"), RemoteURL: "https://cloud.example/artifact.tar", ConfigType: "mosquitto"}
	c.InboundStart() <- children.StartRequest{Op: op}

	time.Sleep(20 * time.Millisecond)

	if len(local.snapshot()) == 0 {
		t.Fatal("expected an init command published to the local broker")
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	var fetched string
	for time.Now().Before(deadline) {
		xfer.mu.Lock()
		fetched = xfer.downloadURL
		xfer.mu.Unlock()
		if fetched != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if fetched != "https://cloud.example/artifact.tar" {
		t.Errorf("coordinator did not fetch the artifact from the cloud; downloadURL = %q", fetched)
	}
	_ = cloud // no terminal response expected yet
}

func TestHandleStartFailsOperationWhenDownloadFails(t *testing.T) {
	xfer := &fakeTransfer{downloadErr: errors.New("404 not found")}
	c, _, cloud := newCoordinatorForTest(t, xfer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runCoordinator(ctx, c)

	op := &model.Operation{Type: model.OpConfigUpdate, Target: model.ChildDevice("child1"), RemoteURL: "https://cloud.example/artifact.tar", CloudOpID: "42"}
	c.InboundStart() <- children.StartRequest{Op: op}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if len(cloud.snapshot()) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	pubs := cloud.snapshot()
	if len(pubs) < 2 {
		t.Fatalf("expected an executing+failed cloud record pair, got %d publishes", len(pubs))
	}
}

func TestDuplicateStartIsRejectedWithExecutingAndFailed(t *testing.T) {
	xfer := &fakeTransfer{}
	c, _, cloud := newCoordinatorForTest(t, xfer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runCoordinator(ctx, c)

	op1 := &model.Operation{Type: model.OpRestart, Target: model.ChildDevice("child1")}
	op2 := &model.Operation{Type: model.OpRestart, Target: model.ChildDevice("child1")}
	c.InboundStart() <- children.StartRequest{Op: op1}
	time.Sleep(10 * time.Millisecond)
	c.InboundStart() <- children.StartRequest{Op: op2}
	time.Sleep(20 * time.Millisecond)

	pubs := cloud.snapshot()
	if len(pubs) != 2 {
		t.Fatalf("expected exactly the rejection's executing+failed pair, got %d publishes", len(pubs))
	}
}

func TestFinishPushesStagedUploadToCloudOnSuccess(t *testing.T) {
	xfer := &fakeTransfer{}
	c, _, cloud := newCoordinatorForTest(t, xfer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runCoordinator(ctx, c)

	op := &model.Operation{Type: model.OpConfigSnapshot, Target: model.ChildDevice("child1"), RemoteURL: "https://cloud.example/upload", ConfigType: "mosquitto"}
	c.InboundStart() <- children.StartRequest{Op: op}
	time.Sleep(10 * time.Millisecond)

	c.InboundStatus() <- children.Status{
		Entity: model.ChildDevice("child1"),
		OpType: model.OpConfigSnapshot,
		CmdID:  op.CmdID,
		Payload: model.CommandPayload{
			Status: model.StatusSuccessful,
			Type:   "mosquitto",
		},
	}
	time.Sleep(20 * time.Millisecond)

	xfer.mu.Lock()
	got := xfer.uploadURL
	xfer.mu.Unlock()
	if got != "https://cloud.example/upload" {
		t.Errorf("coordinator did not push the staged artifact to the cloud; uploadURL = %q", got)
	}
	_ = cloud
}
