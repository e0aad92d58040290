package upstream

import (
	"context"
	"fmt"

	"github.com/MrWong99/voxbridge/pkg/realtime"
)

var _ Adapter = (*rawAdapter)(nil)

// rawAdapter speaks the realtime event protocol directly: one event stream,
// mapped one to one.
type rawAdapter struct {
	*core
	conn *realtime.Conn
}

// NewRaw dials the upstream and configures the session over a bare
// [realtime.Conn].
func NewRaw(ctx context.Context, cfg Config) (Adapter, error) {
	conn, err := realtime.Dial(ctx, cfg.APIKey, cfg.dialOptions()...)
	if err != nil {
		return nil, fmt.Errorf("upstream: raw: %w", err)
	}
	if err := conn.UpdateSession(ctx, cfg.sessionParams()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("upstream: raw: session update: %w", err)
	}

	a := &rawAdapter{core: newCore(cfg, conn.Model()), conn: conn}
	go a.run()
	return a, nil
}

func (a *rawAdapter) run() {
	defer close(a.events)
	for evt := range a.conn.Events() {
		e, ok := a.translate(evt)
		if !ok {
			continue
		}
		if !a.emit(e) {
			return
		}
	}
}

// AppendAudio implements [Adapter].
func (a *rawAdapter) AppendAudio(ctx context.Context, pcm []byte, commit bool) error {
	if err := a.conn.AppendAudio(ctx, pcm); err != nil {
		return err
	}
	if commit {
		return a.conn.CommitAudio(ctx)
	}
	return nil
}

// Interrupt implements [Adapter].
func (a *rawAdapter) Interrupt(ctx context.Context) error {
	return a.cancel(originInterrupt, func() error { return a.conn.CancelResponse(ctx) })
}

// CancelResponse implements [Adapter].
func (a *rawAdapter) CancelResponse(ctx context.Context) error {
	return a.cancel(originClient, func() error { return a.conn.CancelResponse(ctx) })
}

// CreateResponse implements [Adapter].
func (a *rawAdapter) CreateResponse(ctx context.Context, instructions string) error {
	return a.conn.CreateResponse(ctx, instructions)
}

// Err implements [Adapter].
func (a *rawAdapter) Err() error { return a.conn.Err() }

// Close implements [Adapter].
func (a *rawAdapter) Close() error {
	a.stop()
	return a.conn.Close()
}
