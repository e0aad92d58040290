package upstream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxbridge/pkg/realtime"
)

var _ Adapter = (*sdkAdapter)(nil)

// sdkAdapter consumes a [realtime.Session], which delivers assistant audio
// on two channels at once. Transport events are authoritative; a
// conversation update is relayed only when its delta was not already handled
// on the transport channel, and vice versa, so every delta goes out once.
type sdkAdapter struct {
	*core
	sess *realtime.Session

	// mark is the highest delta serial handled on the transport channel.
	// Transport copies arrive in serial order, so any update at or below mark
	// has had its twin handled already.
	mark uint64
	// ahead holds serials relayed from the update channel before their
	// transport twin was read. Entries are removed by that twin, so every
	// serial in ahead is above mark.
	ahead map[uint64]struct{}
}

// NewSDK dials the upstream through an SDK-style [realtime.Session].
func NewSDK(ctx context.Context, cfg Config) (Adapter, error) {
	sess, err := realtime.Connect(ctx, cfg.APIKey, realtime.Config{Params: cfg.sessionParams()}, cfg.dialOptions()...)
	if err != nil {
		return nil, fmt.Errorf("upstream: sdk: %w", err)
	}

	a := &sdkAdapter{
		core:  newCore(cfg, sess.Info().Model),
		sess:  sess,
		ahead: make(map[uint64]struct{}),
	}
	go a.run()
	return a, nil
}

func (a *sdkAdapter) run() {
	defer close(a.events)

	events, updates := a.sess.Events(), a.sess.Updates()
	for events != nil || updates != nil {
		// Drain the transport channel first. The session publishes a delta's
		// transport copy before its update copy, so an update usually arrives
		// after its twin; takeUpdate handles the case where it does not.
		if events != nil {
			select {
			case evt, ok := <-events:
				if !ok {
					events = nil
				} else if !a.handleEvent(evt) {
					return
				}
				continue
			default:
			}
		}

		select {
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !a.handleEvent(evt) {
				return
			}
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if !a.handleUpdate(u) {
				return
			}
		case <-a.done:
			return
		}
	}
}

func (a *sdkAdapter) handleEvent(evt realtime.Event) bool {
	if evt.Type == realtime.EventAudioDelta {
		if !a.takeTransport(evt.Key) {
			return true
		}
		pcm, ok := decodeAudio(evt.ServerEvent)
		if !ok {
			return true
		}
		return a.emit(Event{Kind: KindAudioDelta, ResponseID: evt.ResponseID, ItemID: evt.ItemID, Audio: pcm})
	}

	e, ok := a.translate(evt.ServerEvent)
	if !ok {
		return true
	}
	return a.emit(e)
}

// handleUpdate relays conversation-level audio not yet delivered by the
// transport channel. Transcript updates duplicate transport events and are
// dropped.
func (a *sdkAdapter) handleUpdate(u realtime.Update) bool {
	if u.Kind != realtime.UpdateAudio || len(u.Audio) == 0 {
		return true
	}
	if !a.takeUpdate(u.Key) {
		return true
	}
	slog.Debug("upstream: sdk: delta relayed from conversation channel", "item_id", u.ItemID, "serial", u.Key.Serial)
	return a.emit(Event{Kind: KindAudioDelta, ResponseID: u.ResponseID, ItemID: u.ItemID, Audio: u.Audio})
}

// takeTransport advances the transport mark to k and reports whether the
// transport copy of k should be relayed.
func (a *sdkAdapter) takeTransport(k realtime.DeltaKey) bool {
	a.mark = max(a.mark, k.Serial)
	if _, ok := a.ahead[k.Serial]; ok {
		delete(a.ahead, k.Serial)
		return false
	}
	return true
}

// takeUpdate reports whether the update copy of k should be relayed.
func (a *sdkAdapter) takeUpdate(k realtime.DeltaKey) bool {
	if k.Serial <= a.mark {
		return false
	}
	if _, ok := a.ahead[k.Serial]; ok {
		return false
	}
	a.ahead[k.Serial] = struct{}{}
	return true
}

// AppendAudio implements [Adapter].
func (a *sdkAdapter) AppendAudio(ctx context.Context, pcm []byte, commit bool) error {
	return a.sess.SendAudio(ctx, pcm, commit)
}

// Interrupt implements [Adapter].
func (a *sdkAdapter) Interrupt(ctx context.Context) error {
	return a.cancel(originInterrupt, func() error { return a.sess.Interrupt(ctx) })
}

// CancelResponse implements [Adapter].
func (a *sdkAdapter) CancelResponse(ctx context.Context) error {
	return a.cancel(originClient, func() error { return a.sess.Interrupt(ctx) })
}

// CreateResponse implements [Adapter].
func (a *sdkAdapter) CreateResponse(ctx context.Context, instructions string) error {
	return a.sess.CreateResponse(ctx, instructions)
}

// Err implements [Adapter].
func (a *sdkAdapter) Err() error { return a.sess.Err() }

// Close implements [Adapter].
func (a *sdkAdapter) Close() error {
	a.stop()
	return a.sess.Close()
}
