package actor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tedge-io/tedge-agent/internal/actor"
)

type fakeActor struct {
	name string
	fn   func(ctx context.Context) error
}

func (f *fakeActor) Name() string                 { return f.name }
func (f *fakeActor) Run(ctx context.Context) error { return f.fn(ctx) }

func TestRunPropagatesFirstError(t *testing.T) {
	wantErr := errors.New("boom")
	a1 := &fakeActor{name: "a1", fn: func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}}
	a2 := &fakeActor{name: "a2", fn: func(ctx context.Context) error {
		return wantErr
	}}

	err := actor.Run(context.Background(), a1, a2)
	if err == nil || !errors.Is(err, wantErr) {
		t.Fatalf("Run() error = %v, want wrapping %v", err, wantErr)
	}
}

func TestRunCleanShutdown(t *testing.T) {
	a := &fakeActor{name: "a", fn: func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := actor.Run(ctx, a); err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
}
