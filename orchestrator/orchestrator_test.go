package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name     string
	events   *[]string
	startErr error
	healthy  error
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Start(context.Context) error {
	if p.startErr != nil {
		return p.startErr
	}
	*p.events = append(*p.events, "start:"+p.name)
	return nil
}

func (p *fakeProvider) Stop(context.Context) error {
	*p.events = append(*p.events, "stop:"+p.name)
	return nil
}

func (p *fakeProvider) Health(context.Context) error { return p.healthy }

func TestStartStopOrder(t *testing.T) {
	var events []string
	o := New()
	for _, name := range []string{"a", "b", "c"} {
		o.Register(&fakeProvider{name: name, events: &events})
	}
	require.NoError(t, o.Start(context.Background(), []string{"a", "b", "c"}))
	require.NoError(t, o.Stop(context.Background()))
	assert.Equal(t, []string{"start:a", "start:b", "start:c", "stop:c", "stop:b", "stop:a"}, events)
}

func TestStartFailureRollsBack(t *testing.T) {
	var events []string
	o := New()
	o.Register(&fakeProvider{name: "a", events: &events})
	o.Register(&fakeProvider{name: "b", events: &events, startErr: errors.New("bind failed")})
	o.Register(&fakeProvider{name: "c", events: &events})

	err := o.Start(context.Background(), []string{"a", "b", "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start b")
	assert.Equal(t, []string{"start:a", "stop:a"}, events, "started prefix stopped in reverse, c never started")
}

func TestUnknownProvider(t *testing.T) {
	var events []string
	o := New()
	o.Register(&fakeProvider{name: "a", events: &events})
	err := o.Start(context.Background(), []string{"a", "ghost"})
	require.Error(t, err)
	assert.Equal(t, []string{"start:a", "stop:a"}, events)
}

func TestHealthSnapshot(t *testing.T) {
	var events []string
	bad := errors.New("listener gone")
	o := New()
	o.Register(&fakeProvider{name: "ok", events: &events})
	o.Register(&fakeProvider{name: "sick", events: &events, healthy: bad})
	require.NoError(t, o.Start(context.Background(), []string{"ok", "sick"}))

	snap := o.HealthSnapshot(context.Background())
	assert.NoError(t, snap["ok"])
	assert.ErrorIs(t, snap["sick"], bad)
}

func TestWaitForShutdownReleasedByShutdown(t *testing.T) {
	o := New()
	done := make(chan struct{})
	go func() {
		o.WaitForShutdown(context.Background())
		close(done)
	}()
	o.Shutdown()
	o.Shutdown()
	<-done
}
