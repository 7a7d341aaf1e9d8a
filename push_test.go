package smana

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakePushBackend struct {
	mu            sync.Mutex
	key           string
	subscribed    []PushCredential
	unsubscribed  []PushCredential
	subscribeErrs []error
	keyCalls      int
}

func (b *fakePushBackend) PublicKey(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keyCalls++
	return b.key, nil
}

func (b *fakePushBackend) Subscribe(_ context.Context, cred PushCredential) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subscribeErrs) > 0 {
		err := b.subscribeErrs[0]
		b.subscribeErrs = b.subscribeErrs[1:]
		if err != nil {
			return err
		}
	}
	b.subscribed = append(b.subscribed, cred)
	return nil
}

func (b *fakePushBackend) Unsubscribe(_ context.Context, cred PushCredential) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribed = append(b.unsubscribed, cred)
	return nil
}

// rotatingPlatform hands out a new credential after each discard.
type rotatingPlatform struct {
	StaticPushPlatform
	creds      []PushCredential
	discarded  int
	failWorker bool
}

func (p *rotatingPlatform) RegisterWorker(context.Context) error {
	if p.failWorker {
		return errors.New("service workers unsupported")
	}
	return nil
}

func (p *rotatingPlatform) Credential(context.Context, string) (PushCredential, error) {
	return p.creds[p.discarded], nil
}

func (p *rotatingPlatform) DiscardCredential(context.Context) error {
	p.discarded++
	return nil
}

var frontDesk = Identity{ID: "u7", Role: RoleReceptionist, Token: "tok-7"}

func TestPushActivateSubscribes(t *testing.T) {
	platform := &StaticPushPlatform{Perm: PermissionGranted, Cred: PushCredential{Token: "fcm-1"}}
	backend := &fakePushBackend{}
	p := NewPushPipeline(platform, backend, nil)

	var transitions []PushState
	p.OnTransition(func(_, to PushState) { transitions = append(transitions, to) })

	require.NoError(t, p.Activate(context.Background(), frontDesk))
	require.Equal(t, PushSubscribed, p.State())
	require.Equal(t, []PushCredential{{Token: "fcm-1"}}, backend.subscribed)
	require.Zero(t, backend.keyCalls, "FCM tokens need no server key")
	require.Zero(t, platform.Prompted)
	require.Equal(t, []PushState{PushWorkerRegistered, PushPermissionGranted, PushSubscribed}, transitions)

	// every login registers again
	require.NoError(t, p.Activate(context.Background(), frontDesk))
	require.Len(t, backend.subscribed, 2)
}

func TestPushWebPushFetchesServerKey(t *testing.T) {
	platform := &StaticPushPlatform{Perm: PermissionGranted, Cred: PushCredential{Endpoint: "https://push.example/abc", P256dh: "k", Auth: "a"}}
	backend := &fakePushBackend{key: "BPublicKey"}
	p := NewPushPipeline(platform, backend, nil)

	require.NoError(t, p.Activate(context.Background(), frontDesk))
	require.Equal(t, 1, backend.keyCalls)
	require.Equal(t, PushSubscribed, p.State())
}

func TestPushPromptsOnce(t *testing.T) {
	platform := &StaticPushPlatform{Perm: PermissionDefault, Cred: PushCredential{Token: "fcm-1"}}
	p := NewPushPipeline(platform, &fakePushBackend{}, nil)

	require.NoError(t, p.Activate(context.Background(), frontDesk))
	require.Equal(t, 1, platform.Prompted)
	require.Equal(t, PushSubscribed, p.State())
}

func TestPushDeniedNeverPrompts(t *testing.T) {
	platform := &StaticPushPlatform{Perm: PermissionDenied, Cred: PushCredential{Token: "fcm-1"}}
	backend := &fakePushBackend{}
	p := NewPushPipeline(platform, backend, nil)

	require.NoError(t, p.Activate(context.Background(), frontDesk))
	require.Equal(t, PushPermissionDenied, p.State())
	require.NoError(t, p.Activate(context.Background(), frontDesk))
	require.Equal(t, PushPermissionDenied, p.State())
	require.Zero(t, platform.Prompted)
	require.Empty(t, backend.subscribed)

	// the user re-enables notifications in system settings
	platform.mu.Lock()
	platform.Perm = PermissionGranted
	platform.mu.Unlock()
	require.NoError(t, p.Activate(context.Background(), frontDesk))
	require.Equal(t, PushSubscribed, p.State())
	require.Zero(t, platform.Prompted)
}

func TestPushWorkerFailureIsNonFatal(t *testing.T) {
	platform := &rotatingPlatform{failWorker: true}
	p := NewPushPipeline(platform, &fakePushBackend{}, nil)

	require.NoError(t, p.Activate(context.Background(), frontDesk))
	require.Equal(t, PushUnregistered, p.State())
}

func TestPushStaleCredentialRecovers(t *testing.T) {
	t.Run("backend rejects the credential", func(t *testing.T) {
		platform := &rotatingPlatform{
			StaticPushPlatform: StaticPushPlatform{Perm: PermissionGranted},
			creds:              []PushCredential{{Token: "old"}, {Token: "new"}},
		}
		backend := &fakePushBackend{subscribeErrs: []error{&APIError{Status: http.StatusGone}}}
		p := NewPushPipeline(platform, backend, nil)

		var transitions []PushState
		p.OnTransition(func(_, to PushState) { transitions = append(transitions, to) })

		require.NoError(t, p.Activate(context.Background(), frontDesk))
		require.Equal(t, PushSubscribed, p.State())
		require.Equal(t, []PushCredential{{Token: "new"}}, backend.subscribed)
		require.Equal(t, PushCredential{Token: "new"}, p.Credential())
		require.Contains(t, transitions, PushStale)
	})

	t.Run("platform returns nothing", func(t *testing.T) {
		platform := &rotatingPlatform{
			StaticPushPlatform: StaticPushPlatform{Perm: PermissionGranted},
			creds:              []PushCredential{{}, {Token: "fresh"}},
		}
		backend := &fakePushBackend{}
		p := NewPushPipeline(platform, backend, nil)

		require.NoError(t, p.Activate(context.Background(), frontDesk))
		require.Equal(t, PushSubscribed, p.State())
		require.Equal(t, 1, platform.discarded)
	})

	t.Run("recovery is attempted once", func(t *testing.T) {
		platform := &rotatingPlatform{
			StaticPushPlatform: StaticPushPlatform{Perm: PermissionGranted},
			creds:              []PushCredential{{Token: "a"}, {Token: "b"}, {Token: "c"}},
		}
		backend := &fakePushBackend{subscribeErrs: []error{
			&APIError{Status: http.StatusBadRequest, Code: "INVALID_TOKEN"},
			&APIError{Status: http.StatusNotFound},
		}}
		p := NewPushPipeline(platform, backend, nil)

		require.NoError(t, p.Activate(context.Background(), frontDesk))
		require.Equal(t, PushStale, p.State())
		require.Equal(t, 2, platform.discarded)
		require.Empty(t, backend.subscribed)
	})
}

func TestPushTransportErrorKeepsState(t *testing.T) {
	platform := &StaticPushPlatform{Perm: PermissionGranted, Cred: PushCredential{Token: "fcm-1"}}
	backend := &fakePushBackend{subscribeErrs: []error{errors.New("connection reset")}}
	p := NewPushPipeline(platform, backend, nil)

	require.NoError(t, p.Activate(context.Background(), frontDesk))
	require.Equal(t, PushPermissionGranted, p.State())
	require.NoError(t, p.Activate(context.Background(), frontDesk))
	require.Equal(t, PushSubscribed, p.State())
}

func TestPushDeactivate(t *testing.T) {
	platform := &StaticPushPlatform{Perm: PermissionGranted, Cred: PushCredential{Token: "fcm-1"}}
	backend := &fakePushBackend{}
	p := NewPushPipeline(platform, backend, nil)

	require.NoError(t, p.Activate(context.Background(), frontDesk))
	p.Deactivate(context.Background())

	require.Equal(t, []PushCredential{{Token: "fcm-1"}}, backend.unsubscribed)
	require.Equal(t, PushWorkerRegistered, p.State())
	require.True(t, p.Credential().Empty())

	// nothing registered: nothing to remove
	p.Deactivate(context.Background())
	require.Len(t, backend.unsubscribed, 1)
}

func TestPushIgnoresMissingIdentity(t *testing.T) {
	p := NewPushPipeline(&StaticPushPlatform{Perm: PermissionGranted}, &fakePushBackend{}, nil)
	require.NoError(t, p.Activate(context.Background(), Identity{}))
	require.Equal(t, PushUnregistered, p.State())
}
