package smana

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// States and events
// ============================================================================

type PushState string

const (
	PushUnregistered      PushState = "unregistered"
	PushWorkerRegistered  PushState = "worker-registered"
	PushPermissionPending PushState = "permission-pending"
	PushPermissionDenied  PushState = "permission-denied"
	PushPermissionGranted PushState = "permission-granted"
	PushSubscribed        PushState = "subscribed"
	PushStale             PushState = "stale"
)

const (
	pushEventRegister   = "register"
	pushEventPrompt     = "prompt"
	pushEventGrant      = "grant"
	pushEventDeny       = "deny"
	pushEventSubscribe  = "subscribe"
	pushEventInvalidate = "invalidate"
	pushEventRecover    = "recover"
	pushEventLogout     = "logout"
)

func pushTransitions() fsm.Events {
	return fsm.Events{
		{Name: pushEventRegister, Src: []string{string(PushUnregistered)}, Dst: string(PushWorkerRegistered)},
		{Name: pushEventPrompt, Src: []string{string(PushWorkerRegistered)}, Dst: string(PushPermissionPending)},
		{Name: pushEventGrant, Src: []string{string(PushWorkerRegistered), string(PushPermissionPending), string(PushPermissionDenied)}, Dst: string(PushPermissionGranted)},
		{Name: pushEventDeny, Src: []string{string(PushWorkerRegistered), string(PushPermissionPending)}, Dst: string(PushPermissionDenied)},
		{Name: pushEventSubscribe, Src: []string{string(PushPermissionGranted)}, Dst: string(PushSubscribed)},
		{Name: pushEventInvalidate, Src: []string{string(PushPermissionGranted), string(PushSubscribed)}, Dst: string(PushStale)},
		{Name: pushEventRecover, Src: []string{string(PushStale)}, Dst: string(PushPermissionGranted)},
		{Name: pushEventLogout, Src: []string{string(PushPermissionGranted), string(PushSubscribed), string(PushStale)}, Dst: string(PushWorkerRegistered)},
	}
}

// ============================================================================
// Collaborators
// ============================================================================

// PushPlatform is the device side of push delivery: the background worker,
// the OS permission and the delivery credential.
type PushPlatform interface {
	RegisterWorker(ctx context.Context) error
	// Permission reads the current permission without prompting.
	Permission() PermissionState
	// RequestPermission shows the one-time OS prompt.
	RequestPermission(ctx context.Context) (PermissionState, error)
	// NeedsServerKey reports whether Credential needs the backend's public key.
	NeedsServerKey() bool
	Credential(ctx context.Context, serverKey string) (PushCredential, error)
	// DiscardCredential drops a credential the backend no longer accepts.
	DiscardCredential(ctx context.Context) error
}

// PushBackend registers credentials with the backend. *PushClient
// implements it.
type PushBackend interface {
	PublicKey(ctx context.Context) (string, error)
	Subscribe(ctx context.Context, cred PushCredential) error
	Unsubscribe(ctx context.Context, cred PushCredential) error
}

// StaticPushPlatform is a platform with a fixed permission and credential,
// for headless hosts that receive pushes through a relay.
type StaticPushPlatform struct {
	Perm PermissionState
	Cred PushCredential
	// Prompted counts RequestPermission calls.
	Prompted int
	mu       sync.Mutex
}

func (p *StaticPushPlatform) RegisterWorker(context.Context) error { return nil }

func (p *StaticPushPlatform) Permission() PermissionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Perm == "" {
		return PermissionDefault
	}
	return p.Perm
}

func (p *StaticPushPlatform) RequestPermission(context.Context) (PermissionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Prompted++
	if p.Perm == PermissionDefault || p.Perm == "" {
		p.Perm = PermissionGranted
	}
	return p.Perm, nil
}

func (p *StaticPushPlatform) NeedsServerKey() bool { return p.Cred.Endpoint != "" }

func (p *StaticPushPlatform) Credential(context.Context, string) (PushCredential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Cred, nil
}

func (p *StaticPushPlatform) DiscardCredential(context.Context) error { return nil }

// ============================================================================
// Pipeline
// ============================================================================

// PushPipelineOptions configures a PushPipeline.
type PushPipelineOptions struct {
	// UnsubscribeTimeout bounds the best-effort deregistration on logout.
	UnsubscribeTimeout time.Duration
	// Registered is a credential an earlier process registered, so that
	// Deactivate can remove it without a fresh Activate.
	Registered PushCredential
	Logger     *zerolog.Logger
}

func (o *PushPipelineOptions) defaults() {
	if o.UnsubscribeTimeout == 0 {
		o.UnsubscribeTimeout = 3 * time.Second
	}
	if o.Logger == nil {
		l := log.Logger.With().Str("component", "push").Logger()
		o.Logger = &l
	}
}

// PushPipeline drives a device from no worker to a registered push
// credential. Every failure is logged and leaves the pipeline inactive; none
// is returned to the caller.
type PushPipeline struct {
	platform PushPlatform
	backend  PushBackend
	opts     *PushPipelineOptions
	logger   zerolog.Logger
	machine  *fsm.FSM

	mu         sync.Mutex
	credential PushCredential

	listenersMu sync.RWMutex
	listeners   []func(from, to PushState)
}

func NewPushPipeline(platform PushPlatform, backend PushBackend, opts *PushPipelineOptions) *PushPipeline {
	if opts == nil {
		opts = &PushPipelineOptions{}
	}
	opts.defaults()
	p := &PushPipeline{
		platform:   platform,
		backend:    backend,
		opts:       opts,
		logger:     *opts.Logger,
		credential: opts.Registered,
	}
	p.machine = fsm.NewFSM(
		string(PushUnregistered),
		pushTransitions(),
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				p.logger.Debug().Str("from", e.Src).Str("to", e.Dst).Msg("push state")
				p.listenersMu.RLock()
				listeners := append([]func(from, to PushState){}, p.listeners...)
				p.listenersMu.RUnlock()
				for _, fn := range listeners {
					fn(PushState(e.Src), PushState(e.Dst))
				}
			},
		},
	)
	return p
}

func (p *PushPipeline) State() PushState {
	return PushState(p.machine.Current())
}

// OnTransition registers a listener for state changes.
func (p *PushPipeline) OnTransition(fn func(from, to PushState)) {
	p.listenersMu.Lock()
	p.listeners = append(p.listeners, fn)
	p.listenersMu.Unlock()
}

// Credential returns the credential last registered with the backend.
func (p *PushPipeline) Credential() PushCredential {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.credential
}

func (p *PushPipeline) fire(ctx context.Context, event string) bool {
	if err := p.machine.Event(ctx, event); err != nil {
		var noop fsm.NoTransitionError
		if !errors.As(err, &noop) {
			p.logger.Warn().Err(err).Str("event", event).Msg("push transition rejected")
			return false
		}
	}
	return true
}

// Activate runs the pipeline as far as it can for id. Call it after every
// login: registration is an upsert on the backend.
func (p *PushPipeline) Activate(ctx context.Context, id Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !id.Valid() {
		p.logger.Debug().Msg("no identity, push stays inactive")
		return nil
	}

	if p.State() == PushUnregistered {
		if err := p.platform.RegisterWorker(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("worker registration failed, push disabled for this session")
			return nil
		}
		p.fire(ctx, pushEventRegister)
	}

	switch p.State() {
	case PushPermissionDenied:
		// only a settings change can lift a denial; never prompt again
		if p.platform.Permission() != PermissionGranted {
			p.logger.Info().Msg("notification permission denied, not prompting")
			return nil
		}
		p.fire(ctx, pushEventGrant)
	case PushWorkerRegistered, PushPermissionPending:
		if !p.resolvePermission(ctx) {
			return nil
		}
	}

	p.subscribe(ctx, id, true)
	return nil
}

func (p *PushPipeline) resolvePermission(ctx context.Context) bool {
	switch p.platform.Permission() {
	case PermissionDenied:
		p.fire(ctx, pushEventDeny)
		return false
	case PermissionGranted:
		return p.fire(ctx, pushEventGrant)
	}

	if p.State() == PushWorkerRegistered {
		p.fire(ctx, pushEventPrompt)
	}
	result, err := p.platform.RequestPermission(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("permission prompt failed")
		return false
	}
	switch result {
	case PermissionGranted:
		return p.fire(ctx, pushEventGrant)
	case PermissionDenied:
		p.fire(ctx, pushEventDeny)
	default:
		p.logger.Info().Msg("permission prompt dismissed")
	}
	return false
}

// subscribe acquires a credential and registers it. A stale credential is
// discarded and the step re-run once when retry is set.
func (p *PushPipeline) subscribe(ctx context.Context, id Identity, retry bool) {
	state := p.State()
	if state == PushStale {
		p.fire(ctx, pushEventRecover)
	}
	if state != PushPermissionGranted && state != PushSubscribed && state != PushStale {
		return
	}

	cred, err := p.acquire(ctx)
	if err == nil {
		err = p.backend.Subscribe(ctx, cred)
		if err == nil {
			p.credential = cred
			if p.State() != PushSubscribed {
				p.fire(ctx, pushEventSubscribe)
			}
			p.logger.Info().Str("user_id", id.ID).Msg("push credential registered")
			return
		}
	}

	if !isStaleCredential(err) {
		// transport trouble: keep the state and try again on the next login
		p.logger.Warn().Err(err).Msg("push registration failed")
		return
	}

	p.logger.Info().Err(err).Msg("push credential stale")
	p.credential = PushCredential{}
	p.fire(ctx, pushEventInvalidate)
	if derr := p.platform.DiscardCredential(ctx); derr != nil {
		p.logger.Debug().Err(derr).Msg("discard credential")
	}
	if retry {
		p.subscribe(ctx, id, false)
	}
}

var errEmptyCredential = errors.New("platform returned an empty push credential")

func (p *PushPipeline) acquire(ctx context.Context) (PushCredential, error) {
	var key string
	if p.platform.NeedsServerKey() {
		k, err := p.backend.PublicKey(ctx)
		if err != nil {
			return PushCredential{}, errors.Wrap(err, "fetch server key")
		}
		key = k
	}
	cred, err := p.platform.Credential(ctx, key)
	if err != nil {
		return PushCredential{}, errors.Wrap(err, "acquire credential")
	}
	if cred.Empty() {
		return PushCredential{}, errEmptyCredential
	}
	return cred, nil
}

func isStaleCredential(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errEmptyCredential) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusNotFound, http.StatusGone:
			return true
		}
		switch apiErr.Code {
		case "INVALID_TOKEN", "STALE_TOKEN":
			return true
		}
	}
	return false
}

// Deactivate removes the registered credential from the backend. It is
// best-effort and bounded by UnsubscribeTimeout.
func (p *PushPipeline) Deactivate(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cred := p.credential
	p.credential = PushCredential{}
	if !cred.Empty() {
		uctx, cancel := context.WithTimeout(ctx, p.opts.UnsubscribeTimeout)
		if err := p.backend.Unsubscribe(uctx, cred); err != nil {
			p.logger.Warn().Err(err).Msg("push unsubscribe failed")
		}
		cancel()
	}
	if p.machine.Can(pushEventLogout) {
		p.fire(ctx, pushEventLogout)
	}
}
