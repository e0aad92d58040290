// Package mock provides test doubles for the upstream package.
//
// Use Adapter to feed controlled upstream events into a relay session and to
// inspect which outbound operations it issued, in order. Use Dialer to hand
// a prepared Adapter to code that dials.
//
// Example:
//
//	a := mock.NewAdapter()
//	d := &mock.Dialer{Adapter: a}
//	a.Emit(upstream.Event{Kind: upstream.KindSessionReady})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxbridge/internal/upstream"
)

// Operation names recorded in Adapter.Calls.
const (
	OpAppend         = "append"
	OpInterrupt      = "interrupt"
	OpCancelResponse = "cancel_response"
	OpCreateResponse = "create_response"
	OpClose          = "close"
)

// AppendCall records a single invocation of Adapter.AppendAudio.
type AppendCall struct {
	// PCM is a copy of the bytes passed to AppendAudio.
	PCM []byte
	// Commit is the commit flag passed to AppendAudio.
	Commit bool
}

// Adapter is a mock implementation of upstream.Adapter.
type Adapter struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events(). It is closed by Close
	// or End.
	EventsCh chan upstream.Event

	// SessionInfo is returned by Info.
	SessionInfo upstream.SessionInfo

	// --- Configurable errors ---

	AppendAudioErr    error
	InterruptErr      error
	CancelResponseErr error
	CreateResponseErr error
	CloseErr          error
	TransportErr      error

	// --- Call records ---

	// Calls lists every outbound operation in call order.
	Calls []string

	// AppendCalls records every call to AppendAudio in order.
	AppendCalls []AppendCall

	// CreateResponseCalls records the instructions of every CreateResponse.
	CreateResponseCalls []string

	InterruptCallCount      int
	CancelResponseCallCount int
	CloseCallCount          int

	endOnce sync.Once
}

// NewAdapter returns an Adapter with a buffered event channel.
func NewAdapter() *Adapter {
	return &Adapter{EventsCh: make(chan upstream.Event, 64)}
}

var _ upstream.Adapter = (*Adapter)(nil)

// Emit delivers e on the event channel.
func (a *Adapter) Emit(e upstream.Event) { a.EventsCh <- e }

// End closes the event channel, simulating the upstream going away.
func (a *Adapter) End() {
	a.endOnce.Do(func() { close(a.EventsCh) })
}

// Events returns EventsCh.
func (a *Adapter) Events() <-chan upstream.Event { return a.EventsCh }

// AppendAudio records the call and returns AppendAudioErr.
func (a *Adapter) AppendAudio(_ context.Context, pcm []byte, commit bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	a.Calls = append(a.Calls, OpAppend)
	a.AppendCalls = append(a.AppendCalls, AppendCall{PCM: cp, Commit: commit})
	return a.AppendAudioErr
}

// Interrupt records the call and returns InterruptErr.
func (a *Adapter) Interrupt(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls = append(a.Calls, OpInterrupt)
	a.InterruptCallCount++
	return a.InterruptErr
}

// CancelResponse records the call and returns CancelResponseErr.
func (a *Adapter) CancelResponse(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls = append(a.Calls, OpCancelResponse)
	a.CancelResponseCallCount++
	return a.CancelResponseErr
}

// CreateResponse records the call and returns CreateResponseErr.
func (a *Adapter) CreateResponse(_ context.Context, instructions string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls = append(a.Calls, OpCreateResponse)
	a.CreateResponseCalls = append(a.CreateResponseCalls, instructions)
	return a.CreateResponseErr
}

// Info returns SessionInfo.
func (a *Adapter) Info() upstream.SessionInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.SessionInfo
}

// Err returns TransportErr.
func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.TransportErr
}

// Close records the call, ends the event stream and returns CloseErr.
func (a *Adapter) Close() error {
	a.mu.Lock()
	a.Calls = append(a.Calls, OpClose)
	a.CloseCallCount++
	err := a.CloseErr
	a.mu.Unlock()
	a.End()
	return err
}

// Snapshot returns copies of the recorded calls. Thread-safe.
func (a *Adapter) Snapshot() (calls []string, appends []AppendCall) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.Calls...), append([]AppendCall(nil), a.AppendCalls...)
}

// Dialer is a mock dialer returning Adapter.
type Dialer struct {
	mu sync.Mutex

	// Adapter is returned by Dial. If nil, a fresh Adapter is created.
	Adapter *Adapter

	// DialErr, if non-nil, is returned by Dial.
	DialErr error

	// DialCalls records the config of every Dial call.
	DialCalls []upstream.Config
}

// Dial records the call and returns Adapter, DialErr.
func (d *Dialer) Dial(_ context.Context, cfg upstream.Config) (upstream.Adapter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialCalls = append(d.DialCalls, cfg)
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if d.Adapter == nil {
		d.Adapter = NewAdapter()
	}
	return d.Adapter, nil
}

// Func adapts d to an upstream.DialFunc for registration via
// upstream.WithMode.
func (d *Dialer) Func() upstream.DialFunc { return d.Dial }

// Calls returns a copy of the recorded dial configs. Thread-safe.
func (d *Dialer) Calls() []upstream.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]upstream.Config(nil), d.DialCalls...)
}
