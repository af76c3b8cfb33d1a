package connmgr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aetherhub/aether/common/retry"
	"github.com/aetherhub/aether/common/spec/envelope"
	"github.com/aetherhub/aether/internal/aether/audit"
	"github.com/aetherhub/aether/internal/aether/gateway"
	"github.com/aetherhub/aether/internal/aether/gateway/gatewaytest"
	"github.com/aetherhub/aether/internal/aether/health"
)

type fakeEndpoints map[string]health.Endpoint

func (f fakeEndpoints) Endpoint(_ context.Context, id string) (health.Endpoint, error) {
	ep, ok := f[id]
	if !ok {
		return health.Endpoint{}, fmt.Errorf("deployment %s is not running (status: configured)", id)
	}
	return ep, nil
}

func fastConfig() Config {
	reconnect := retry.Config{MaxAttempts: 2, InitialDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 1}
	return Config{
		LocalReconnect:  reconnect,
		RemoteReconnect: reconnect,
		RequestTimeout:  2 * time.Second,
		Chat: gateway.ChatOptions{
			Timeout:         3 * time.Second,
			PollInterval:    10 * time.Millisecond,
			PollStep:        5 * time.Millisecond,
			MaxPollInterval: 20 * time.Millisecond,
			IdlePolls:       3,
		},
	}
}

func localGateway(t *testing.T) (*gatewaytest.Server, fakeEndpoints) {
	t.Helper()
	srv := gatewaytest.New(gatewaytest.Options{Token: "local-token", ClientID: envelope.ClientIDLocal})
	t.Cleanup(srv.Close)
	eps := fakeEndpoints{"dep1": {Host: srv.Host(), Port: srv.Port(), Token: "local-token"}}
	return srv, eps
}

func newManager(t *testing.T, eps Endpoints, rec *audit.Recorder) *Manager {
	t.Helper()
	deps := Deps{Endpoints: eps}
	if rec != nil {
		deps.Notifier = rec
	}
	m := New(fastConfig(), deps)
	t.Cleanup(m.Close)
	return m
}

func TestConnectLocal(t *testing.T) {
	srv, eps := localGateway(t)
	rec := audit.NewRecorder(16)
	m := newManager(t, eps, rec)

	info, err := m.ConnectLocal(context.Background(), "dep1", "")
	if err != nil {
		t.Fatalf("ConnectLocal: %v", err)
	}
	if !info.Connected || info.DeploymentID != "dep1" || info.Port != srv.Port() {
		t.Errorf("info = %+v", info)
	}
	if info.SessionName == "" || info.SessionKey != gateway.DefaultSessionKey {
		t.Errorf("session = %q / %q", info.SessionName, info.SessionKey)
	}
	if info.Protocol != 3 || info.Health == nil {
		t.Errorf("protocol = %d, health = %s", info.Protocol, info.Health)
	}
	if got := srv.LastConnect().Client.ID; got != envelope.ClientIDLocal {
		t.Errorf("client id = %q", got)
	}

	evts := rec.Events()
	if len(evts) != 1 || evts[0].Kind != audit.KindGatewayConnected || evts[0].Target != "local" {
		t.Errorf("audit = %+v", evts)
	}
}

func TestConnectLocal_NotRunning(t *testing.T) {
	m := newManager(t, fakeEndpoints{}, nil)
	if _, err := m.ConnectLocal(context.Background(), "missing", "s"); err == nil {
		t.Fatal("expected error for a deployment that is not running")
	}
	info, _ := m.Info(context.Background(), RoleLocal)
	if info.Connected {
		t.Error("role should stay disconnected")
	}
}

func TestConnectLocal_AuthRejected(t *testing.T) {
	srv := gatewaytest.New(gatewaytest.Options{Token: "right"})
	defer srv.Close()
	m := newManager(t, fakeEndpoints{"dep1": {Host: srv.Host(), Port: srv.Port(), Token: "wrong"}}, nil)

	_, err := m.ConnectLocal(context.Background(), "dep1", "s")
	if !gateway.IsAuthError(err) {
		t.Fatalf("err = %v, want auth error", err)
	}
	if _, err := m.Send(context.Background(), RoleLocal, "hi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send err = %v, want ErrNotConnected", err)
	}
}

func TestConnectRemote(t *testing.T) {
	srv := gatewaytest.New(gatewaytest.Options{Token: "remote-token", ClientID: envelope.ClientIDRemote})
	defer srv.Close()
	m := newManager(t, nil, nil)

	info, err := m.ConnectRemote(context.Background(), RemoteConfig{
		URL:            srv.HTTPURL() + "/some/path",
		Token:          "remote-token",
		SessionKey:     "agent:ops:main",
		CFClientID:     "cf-id",
		CFClientSecret: "cf-secret",
	})
	if err != nil {
		t.Fatalf("ConnectRemote: %v", err)
	}
	if info.URL != srv.URL() || info.SessionKey != "agent:ops:main" {
		t.Errorf("info = %+v", info)
	}
	if got := srv.LastConnect().Client.ID; got != envelope.ClientIDRemote {
		t.Errorf("client id = %q", got)
	}
}

func TestConnectRemote_Validation(t *testing.T) {
	m := newManager(t, nil, nil)
	if _, err := m.ConnectRemote(context.Background(), RemoteConfig{URL: "ftp://x", Token: "t"}); !errors.Is(err, ErrInvalidRemote) {
		t.Error("expected scheme error")
	}
	if _, err := m.ConnectRemote(context.Background(), RemoteConfig{URL: "gw.example.com:18789"}); !errors.Is(err, ErrInvalidRemote) {
		t.Error("expected missing token error")
	}
}

func TestRolesAreIndependent(t *testing.T) {
	_, eps := localGateway(t)
	remote := gatewaytest.New(gatewaytest.Options{})
	defer remote.Close()
	m := newManager(t, eps, nil)
	ctx := context.Background()

	if _, err := m.ConnectLocal(ctx, "dep1", "Alpha"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ConnectRemote(ctx, RemoteConfig{URL: remote.URL(), Token: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Disconnect(ctx, RoleRemote); err != nil {
		t.Fatal(err)
	}
	local, _ := m.Info(ctx, RoleLocal)
	rem, _ := m.Info(ctx, RoleRemote)
	if !local.Connected || rem.Connected {
		t.Errorf("local = %v, remote = %v", local.Connected, rem.Connected)
	}
}

func TestReconnectReplacesPreviousClient(t *testing.T) {
	srv, eps := localGateway(t)
	m := newManager(t, eps, nil)
	ctx := context.Background()

	if _, err := m.ConnectLocal(ctx, "dep1", "First"); err != nil {
		t.Fatal(err)
	}
	sub, err := m.Subscribe(RoleLocal, 4)
	if err != nil {
		t.Fatal(err)
	}
	info, err := m.ConnectLocal(ctx, "dep1", "Second")
	if err != nil {
		t.Fatal(err)
	}
	if info.SessionName != "Second" {
		t.Errorf("session name = %q", info.SessionName)
	}

	// The old client's subscription is closed by the teardown.
	if !drained(sub, 2*time.Second) {
		t.Fatal("old subscription was not closed")
	}
	if srv.Connects() != 2 {
		t.Errorf("connects = %d", srv.Connects())
	}
}

func drained(sub *gateway.Subscription, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case _, ok := <-sub.States():
			if !ok {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

func TestSendAndHistory(t *testing.T) {
	srv, eps := localGateway(t)
	m := newManager(t, eps, nil)
	ctx := context.Background()
	if _, err := m.ConnectLocal(ctx, "dep1", "Crimson Falcon"); err != nil {
		t.Fatal(err)
	}

	reply, err := m.Send(ctx, RoleLocal, "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	want := ChatMessage{Role: "agent", Name: "Crimson Falcon", Content: "echo: hello", Model: "test-model"}
	if *reply != want {
		t.Errorf("reply = %+v", reply)
	}

	srv.AppendHistory(gateway.DefaultSessionKey, map[string]any{
		"role":    "assistant",
		"content": []map[string]string{{"type": "text", "text": "part one"}, {"type": "text", "text": "part two"}},
	})
	hist, err := m.History(ctx, RoleLocal)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("history = %+v", hist)
	}
	if hist[0].Role != "user" || hist[0].Name != "" || hist[0].Content != "hello" {
		t.Errorf("user entry = %+v", hist[0])
	}
	if hist[2].Role != "agent" || hist[2].Content != "part one\npart two" {
		t.Errorf("agent entry = %+v", hist[2])
	}
}

func TestSend_ProviderError(t *testing.T) {
	srv := gatewaytest.New(gatewaytest.Options{
		Reply: func(string) map[string]any {
			return map[string]any{"role": "assistant", "stopReason": "error", "errorMessage": "402 insufficient credits"}
		},
	})
	defer srv.Close()
	m := newManager(t, nil, nil)
	if _, err := m.ConnectRemote(context.Background(), RemoteConfig{URL: srv.URL(), Token: "x"}); err != nil {
		t.Fatal(err)
	}
	_, err := m.Send(context.Background(), RoleRemote, "hi")
	var pe *gateway.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProviderError", err)
	}
}

func TestConnectionLostIsAudited(t *testing.T) {
	srv, eps := localGateway(t)
	rec := audit.NewRecorder(16)
	m := newManager(t, eps, rec)
	if _, err := m.ConnectLocal(context.Background(), "dep1", "s"); err != nil {
		t.Fatal(err)
	}
	rec.Events()

	srv.RejectAll("UNAVAILABLE")
	srv.DropConnections()

	deadline := time.Now().Add(5 * time.Second)
	for {
		var lost bool
		for _, e := range rec.Events() {
			if e.Kind == audit.KindGatewayLost && e.Target == "local" {
				lost = true
			}
		}
		if lost {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no gateway.lost notice")
		}
		time.Sleep(10 * time.Millisecond)
	}
	info, _ := m.Info(context.Background(), RoleLocal)
	if info.Connected || info.State != gateway.StateDisconnected {
		t.Errorf("info = %+v", info)
	}
}

func TestUnknownRole(t *testing.T) {
	m := newManager(t, nil, nil)
	if _, err := m.Info(context.Background(), Role("bogus")); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("err = %v", err)
	}
	if _, err := ParseRole("remote"); err != nil {
		t.Errorf("ParseRole(remote) = %v", err)
	}
}

func TestClose(t *testing.T) {
	_, eps := localGateway(t)
	m := New(fastConfig(), Deps{Endpoints: eps})
	if _, err := m.ConnectLocal(context.Background(), "dep1", "s"); err != nil {
		t.Fatal(err)
	}
	m.Close()
	if _, err := m.ConnectLocal(context.Background(), "dep1", "s"); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
