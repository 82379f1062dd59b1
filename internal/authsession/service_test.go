package authsession

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/polydev/master-controller/internal/agent"
	"github.com/polydev/master-controller/internal/apperr"
	"github.com/polydev/master-controller/internal/auth"
	"github.com/polydev/master-controller/internal/clock"
	"github.com/polydev/master-controller/internal/config"
	"github.com/polydev/master-controller/internal/db"
	"github.com/polydev/master-controller/internal/models"
	"github.com/polydev/master-controller/internal/signaling"
	"github.com/polydev/master-controller/internal/vm"
)

type delivery struct {
	ip       string
	provider models.Provider
	payload  string
}

type fakeTransferer struct {
	mu         sync.Mutex
	deliveries []delivery
	fail       error
}

func (f *fakeTransferer) Deliver(_ context.Context, ip string, p models.Provider, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.deliveries = append(f.deliveries, delivery{ip, p, string(payload)})
	return nil
}

func (f *fakeTransferer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deliveries)
}

type fakeAgent struct {
	mu     sync.Mutex
	calls  []string
	status int
}

func (f *fakeAgent) reply(call string) (*agent.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	return &agent.Response{Status: status, ContentType: "application/json", Body: []byte(`{"ok":true}`)}, nil
}

func (f *fakeAgent) OAuthURL(_ context.Context, ip, id string) (*agent.Response, error) {
	return f.reply("oauth-url " + ip)
}

func (f *fakeAgent) OpenURL(_ context.Context, ip, id, target string) (*agent.Response, error) {
	return f.reply("open-url " + target)
}

func (f *fakeAgent) CredentialStatus(_ context.Context, ip, id string) (*agent.Response, error) {
	return f.reply("credentials-status " + ip)
}

func (f *fakeAgent) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	svc     *Service
	vms     *vm.Manager
	relay   *signaling.Relay
	store   db.Store
	clock   *clock.FakeClock
	handoff *fakeTransferer
	agent   *fakeAgent
}

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, store db.Store, timeout time.Duration) *fixture {
	t.Helper()
	cfg := &config.Config{
		JWTSecret:          "secret",
		VMSubnet:           "192.168.100.0/24",
		CLIVCPUs:           1,
		CLIMemoryMB:        256,
		BrowserVCPUs:       2,
		BrowserMemoryMB:    2048,
		VMStaleAfter:       5 * time.Minute,
		VMProvisionTimeout: 2 * time.Minute,
		NoVNCURLTemplate:   "/vnc/{sessionId}",
	}
	box, err := auth.NewBox(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	clk := clock.Fake(testStart)
	mgr := vm.NewManager(store, vm.NopHypervisor{}, clk, cfg)
	relay := signaling.NewRelay(clk, time.Minute, nil, store)
	f := &fixture{
		vms:     mgr,
		relay:   relay,
		store:   store,
		clock:   clk,
		handoff: &fakeTransferer{},
		agent:   &fakeAgent{},
	}
	f.svc = NewService(store, mgr, relay, f.agent, f.handoff, box, clk, Options{
		Timeout:  timeout,
		NoVNCURL: cfg.NoVNCURL,
	})
	return f
}

func stores(t *testing.T) map[string]db.Store {
	t.Helper()
	sqlite, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(sqlite.Close)
	return map[string]db.Store{"memory": db.NewMemoryStore(), "sqlite": sqlite}
}

// boot simule le premier heartbeat de l'agent d'une VM.
func (f *fixture) boot(t *testing.T, id, ip string) {
	t.Helper()
	if _, err := f.vms.RecordHeartbeat(context.Background(), id, models.Heartbeat{IP: ip}); err != nil {
		t.Fatalf("RecordHeartbeat %s: %v", id, err)
	}
}

// started ouvre une session et démarre ses deux VMs.
func (f *fixture) started(t *testing.T, userID string) *models.AuthSession {
	t.Helper()
	res, err := f.svc.StartSession(context.Background(), userID, "claude_code")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	as := res.Session
	f.boot(t, *as.CLIVMID, "192.168.100.10")
	f.boot(t, *as.VMID, "192.168.100.11")
	return as
}

func TestStartSession(t *testing.T) {
	f := newFixture(t, db.NewMemoryStore(), 10*time.Minute)
	ctx := context.Background()

	res, err := f.svc.StartSession(ctx, "u1", "claude_code")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	as := res.Session
	if as.Status != models.AuthPending || as.VMID == nil || as.CLIVMID == nil {
		t.Fatalf("session = %+v", as)
	}
	if !as.TimeoutAt.Equal(testStart.Add(10 * time.Minute)) {
		t.Fatalf("timeout_at = %v", as.TimeoutAt)
	}
	if res.NoVNCURL != "/vnc/"+as.ID || res.BrowserIP != "" {
		t.Fatalf("novnc = %q, ip = %q", res.NoVNCURL, res.BrowserIP)
	}
	if got := f.relay.Stats().ActiveSessions; got != 1 {
		t.Fatalf("active exchanges = %d", got)
	}
	if _, err := f.vms.FindActiveByUser(ctx, "u1", models.VMTypeCLI); err != nil {
		t.Fatalf("CLI VM not ensured: %v", err)
	}

	again, err := f.svc.StartSession(ctx, "u1", "codex")
	if err != nil {
		t.Fatalf("second StartSession: %v", err)
	}
	if *again.Session.VMID != *as.VMID || again.Session.Provider != models.ProviderCodexCLI {
		t.Fatalf("browser VM not reused: %+v", again.Session)
	}

	if _, err := f.svc.StartSession(ctx, "u1", "cursor"); !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("unknown provider err = %v", err)
	}
}

func TestTransitionsAreMonotonic(t *testing.T) {
	f := newFixture(t, db.NewMemoryStore(), 10*time.Minute)
	ctx := context.Background()
	as := f.started(t, "u1")

	got, err := f.svc.TransitionToAwaitingAuth(ctx, as.ID)
	if err != nil || got.Status != models.AuthAwaitingUserAuth || got.StartedAt == nil {
		t.Fatalf("awaiting = %+v, %v", got, err)
	}
	started := *got.StartedAt

	f.clock.Advance(time.Second)
	if got, err = f.svc.TransitionToAwaitingAuth(ctx, as.ID); err != nil || got.Status != models.AuthAwaitingUserAuth {
		t.Fatalf("repeated awaiting = %+v, %v", got, err)
	}
	if got, err = f.svc.MarkInProgress(ctx, as.ID); err != nil || got.Status != models.AuthInProgress {
		t.Fatalf("in progress = %+v, %v", got, err)
	}
	if !got.StartedAt.Equal(started) {
		t.Fatalf("started_at moved from %v to %v", started, got.StartedAt)
	}
	if _, err = f.svc.TransitionToAwaitingAuth(ctx, as.ID); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("backward transition err = %v", err)
	}

	if got, err = f.svc.Fail(ctx, as.ID, "provider refused"); err != nil || got.Status != models.AuthFailed {
		t.Fatalf("Fail = %+v, %v", got, err)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "provider refused" {
		t.Fatalf("error_message = %v", got.ErrorMessage)
	}
	if _, err = f.svc.Cancel(ctx, as.ID); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("Cancel after Fail err = %v", err)
	}
	if _, err = f.svc.Heartbeat(ctx, as.ID); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("Heartbeat after Fail err = %v", err)
	}
}

func TestConcurrentComplete(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, store, 10*time.Minute)
			ctx := context.Background()
			as := f.started(t, "u1")
			if _, err := f.svc.TransitionToAwaitingAuth(ctx, as.ID); err != nil {
				t.Fatalf("awaiting: %v", err)
			}

			payloads := []string{`{"token":"a"}`, `{"token":"b"}`}
			errs := make([]error, len(payloads))
			var wg sync.WaitGroup
			for i, p := range payloads {
				wg.Add(1)
				go func(i int, p string) {
					defer wg.Done()
					_, errs[i] = f.svc.Complete(ctx, as.ID, json.RawMessage(p))
				}(i, p)
			}
			wg.Wait()

			var ok, conflicts int
			for _, err := range errs {
				switch {
				case err == nil:
					ok++
				case errors.Is(err, apperr.ErrConflict):
					conflicts++
				default:
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if ok != 1 || conflicts != 1 {
				t.Fatalf("ok=%d conflicts=%d", ok, conflicts)
			}

			got, err := f.svc.Get(ctx, as.ID)
			if err != nil || got.Status != models.AuthCompleted || got.CompletedAt == nil {
				t.Fatalf("Get = %+v, %v", got, err)
			}
			creds, err := f.svc.Credentials(ctx, "u1")
			if err != nil || len(creds) != 1 || creds[0].SessionID != as.ID {
				t.Fatalf("credentials = %+v, %v", creds, err)
			}
			if n := f.handoff.count(); n != 1 {
				t.Fatalf("deliveries = %d", n)
			}
			d := f.handoff.deliveries[0]
			if d.ip != "192.168.100.10" || d.provider != models.ProviderClaudeCode {
				t.Fatalf("delivery = %+v", d)
			}

			browser, err := f.vms.GetVM(ctx, *as.VMID)
			if err != nil || !browser.Destroyed() {
				t.Fatalf("browser VM not destroyed: %+v, %v", browser, err)
			}
			cli, err := f.vms.GetVM(ctx, *as.CLIVMID)
			if err != nil || cli.Destroyed() {
				t.Fatalf("CLI VM should survive: %+v, %v", cli, err)
			}
			if got := f.relay.Stats().ActiveSessions; got != 0 {
				t.Fatalf("exchange still open: %d", got)
			}
		})
	}
}

func TestCompleteRequiresBrowserStep(t *testing.T) {
	f := newFixture(t, db.NewMemoryStore(), 10*time.Minute)
	as := f.started(t, "u1")

	if _, err := f.svc.Complete(context.Background(), as.ID, json.RawMessage(`{}`)); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("Complete from pending err = %v", err)
	}
	if _, err := f.svc.Complete(context.Background(), as.ID, json.RawMessage(`not json`)); !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("Complete with bad payload err = %v", err)
	}
}

func TestHandoffFailureKeepsCompletion(t *testing.T) {
	f := newFixture(t, db.NewMemoryStore(), 10*time.Minute)
	ctx := context.Background()
	f.handoff.fail = errors.New("ssh: handshake failed")
	as := f.started(t, "u1")
	if _, err := f.svc.MarkInProgress(ctx, as.ID); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}

	got, err := f.svc.Complete(ctx, as.ID, json.RawMessage(`{"token":"a"}`))
	if err != nil || got.Status != models.AuthCompleted {
		t.Fatalf("Complete = %+v, %v", got, err)
	}
	stored, err := f.svc.Get(ctx, as.ID)
	if err != nil || stored.HandoffError == nil || !strings.Contains(*stored.HandoffError, "handshake") {
		t.Fatalf("handoff_error = %+v, %v", stored, err)
	}
}

func TestHandoffWithoutCLIAddress(t *testing.T) {
	f := newFixture(t, db.NewMemoryStore(), 10*time.Minute)
	ctx := context.Background()
	res, err := f.svc.StartSession(ctx, "u1", "gemini_cli")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := f.svc.TransitionToAwaitingAuth(ctx, res.Session.ID); err != nil {
		t.Fatalf("awaiting: %v", err)
	}

	if _, err := f.svc.Complete(ctx, res.Session.ID, json.RawMessage(`{"token":"a"}`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	stored, _ := f.svc.Get(ctx, res.Session.ID)
	if stored.HandoffError == nil || !strings.Contains(*stored.HandoffError, "no IP") {
		t.Fatalf("handoff_error = %v", stored.HandoffError)
	}
	if f.handoff.count() != 0 {
		t.Fatal("nothing should have been delivered")
	}
}

func TestLazyExpiry(t *testing.T) {
	f := newFixture(t, db.NewMemoryStore(), time.Second)
	ctx := context.Background()
	as := f.started(t, "u1")

	if _, err := f.svc.Heartbeat(ctx, as.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	hb, _ := f.svc.Get(ctx, as.ID)
	if !hb.TimeoutAt.Equal(as.TimeoutAt) || hb.LastHeartbeat == nil {
		t.Fatalf("heartbeat changed timeout_at or was not recorded: %+v", hb)
	}

	f.clock.Advance(2 * time.Second)

	if _, err := f.svc.TransitionToAwaitingAuth(ctx, as.ID); !errors.Is(err, apperr.ErrTimeout) {
		t.Fatalf("late transition err = %v", err)
	}
	got, err := f.svc.Get(ctx, as.ID)
	if err != nil || got.Status != models.AuthExpired {
		t.Fatalf("Get = %+v, %v", got, err)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "session timed out" {
		t.Fatalf("error_message = %v", got.ErrorMessage)
	}
	browser, _ := f.vms.GetVM(ctx, *as.VMID)
	if !browser.Destroyed() {
		t.Fatal("browser VM should be released on expiry")
	}
}

func TestListByUserExpires(t *testing.T) {
	f := newFixture(t, db.NewMemoryStore(), time.Second)
	ctx := context.Background()
	f.started(t, "u1")
	f.clock.Advance(2 * time.Second)

	sessions, err := f.svc.ListByUser(ctx, "u1")
	if err != nil || len(sessions) != 1 || sessions[0].Status != models.AuthExpired {
		t.Fatalf("ListByUser = %+v, %v", sessions, err)
	}
}

func TestOverdueExpire(t *testing.T) {
	f := newFixture(t, db.NewMemoryStore(), time.Minute)
	ctx := context.Background()
	as := f.started(t, "u1")

	if overdue, _ := f.svc.Overdue(ctx); len(overdue) != 0 {
		t.Fatalf("overdue too early: %d", len(overdue))
	}
	f.clock.Advance(2 * time.Minute)
	overdue, err := f.svc.Overdue(ctx)
	if err != nil || len(overdue) != 1 || overdue[0].ID != as.ID {
		t.Fatalf("Overdue = %+v, %v", overdue, err)
	}
	if err := f.svc.ExpireSession(ctx, overdue[0].ID); err != nil {
		t.Fatalf("ExpireSession: %v", err)
	}
	// Une seconde expiration sur une session déjà terminale est sans effet.
	if err := f.svc.ExpireSession(ctx, overdue[0].ID); err != nil {
		t.Fatalf("second ExpireSession: %v", err)
	}
	if got, _ := f.store.GetAuthSession(ctx, as.ID); got.Status != models.AuthExpired {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestCancelKeepsSharedBrowserVM(t *testing.T) {
	f := newFixture(t, db.NewMemoryStore(), 10*time.Minute)
	ctx := context.Background()
	first := f.started(t, "u1")
	second, err := f.svc.StartSession(ctx, "u1", "gemini_cli")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	got, err := f.svc.Cancel(ctx, first.ID)
	if err != nil || got.Status != models.AuthCancelled || *got.ErrorMessage != "cancelled by user" {
		t.Fatalf("Cancel = %+v, %v", got, err)
	}
	browser, _ := f.vms.GetVM(ctx, *first.VMID)
	if browser.Destroyed() {
		t.Fatal("browser VM destroyed while another session uses it")
	}

	if _, err := f.svc.Cancel(ctx, second.Session.ID); err != nil {
		t.Fatalf("Cancel second: %v", err)
	}
	browser, _ = f.vms.GetVM(ctx, *first.VMID)
	if !browser.Destroyed() {
		t.Fatal("browser VM should be destroyed with its last session")
	}
	if _, err := f.svc.SessionVM(ctx, first.ID); !errors.Is(err, apperr.ErrGone) {
		t.Fatalf("SessionVM err = %v", err)
	}
}

func TestAgentProxy(t *testing.T) {
	f := newFixture(t, db.NewMemoryStore(), 10*time.Minute)
	ctx := context.Background()

	res, err := f.svc.StartSession(ctx, "u1", "claude_code")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	id := res.Session.ID
	_, err = f.svc.OAuthURL(ctx, id)
	if !errors.Is(err, apperr.ErrConflict) || !strings.Contains(err.Error(), "IP not yet available") {
		t.Fatalf("OAuthURL without IP err = %v", err)
	}

	f.boot(t, *res.Session.CLIVMID, "192.168.100.10")
	f.boot(t, *res.Session.VMID, "192.168.100.11")

	resp, err := f.svc.OAuthURL(ctx, id)
	if err != nil || resp.Status != http.StatusOK {
		t.Fatalf("OAuthURL = %+v, %v", resp, err)
	}
	if got, _ := f.svc.Get(ctx, id); got.Status != models.AuthAwaitingUserAuth {
		t.Fatalf("status after oauth-url = %s", got.Status)
	}
	if _, err := f.svc.OpenURL(ctx, id, "https://claude.ai/oauth"); err != nil {
		t.Fatalf("OpenURL: %v", err)
	}
	if got, _ := f.svc.Get(ctx, id); got.Status != models.AuthInProgress {
		t.Fatalf("status after open-url = %s", got.Status)
	}
	if _, err := f.svc.CredentialStatus(ctx, id); err != nil {
		t.Fatalf("CredentialStatus: %v", err)
	}

	if _, err := f.svc.Complete(ctx, id, json.RawMessage(`{"token":"a"}`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	calls := f.agent.callCount()
	resp, err = f.svc.CredentialStatus(ctx, id)
	if err != nil || !strings.Contains(string(resp.Body), `"source":"database"`) {
		t.Fatalf("CredentialStatus after completion = %+v, %v", resp, err)
	}
	if f.agent.callCount() != calls {
		t.Fatal("completed session should not reach the agent")
	}
	if _, err := f.svc.OAuthURL(ctx, id); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("OAuthURL on completed session err = %v", err)
	}
}

func TestAgentErrorDoesNotAdvance(t *testing.T) {
	f := newFixture(t, db.NewMemoryStore(), 10*time.Minute)
	ctx := context.Background()
	as := f.started(t, "u1")
	f.agent.status = http.StatusServiceUnavailable

	resp, err := f.svc.OAuthURL(ctx, as.ID)
	if err != nil || resp.Status != http.StatusServiceUnavailable {
		t.Fatalf("OAuthURL = %+v, %v", resp, err)
	}
	if got, _ := f.svc.Get(ctx, as.ID); got.Status != models.AuthPending {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestValidate(t *testing.T) {
	store := db.NewMemoryStore()
	f := newFixture(t, store, 10*time.Minute)
	ctx := context.Background()

	v, err := f.svc.Validate(ctx, "u1", "claude_code")
	if err != nil || v.Valid || v.Reason != "not_found" {
		t.Fatalf("Validate empty = %+v, %v", v, err)
	}
	if _, err := f.svc.Validate(ctx, "u1", "cursor"); !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("unknown provider err = %v", err)
	}

	as := f.started(t, "u1")
	f.svc.TransitionToAwaitingAuth(ctx, as.ID)
	future := testStart.Add(time.Hour).Format(time.RFC3339)
	if _, err := f.svc.Complete(ctx, as.ID, json.RawMessage(`{"expires_at":"`+future+`"}`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	v, err = f.svc.Validate(ctx, "u1", "claude_code")
	if err != nil || !v.Valid || v.ExpiresAt == nil {
		t.Fatalf("Validate = %+v, %v", v, err)
	}

	f.clock.Advance(2 * time.Hour)
	if v, _ = f.svc.Validate(ctx, "u1", "claude_code"); v.Valid || v.Reason != "expired" {
		t.Fatalf("Validate after expiry = %+v", v)
	}

	otherKey := make([]byte, 32)
	otherKey[0] = 1
	box, _ := auth.NewBox(otherKey)
	other := NewService(store, f.vms, f.relay, f.agent, f.handoff, box, f.clock, Options{Timeout: time.Minute})
	if v, _ = other.Validate(ctx, "u1", "claude_code"); v.Valid || v.Reason != "decrypt_failed" {
		t.Fatalf("Validate with wrong key = %+v", v)
	}
}

func TestExpiryFormats(t *testing.T) {
	tests := []struct {
		doc  string
		want time.Time
		ok   bool
	}{
		{`{"expires_at":"2026-03-01T13:00:00Z"}`, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), true},
		{`{"expiresAt":1772370000}`, time.Unix(1772370000, 0).UTC(), true},
		{`{"expiresAt":1772370000000}`, time.UnixMilli(1772370000000).UTC(), true},
		{`{"token":"x"}`, time.Time{}, false},
		{`{"expires_at":"tomorrow"}`, time.Time{}, false},
		{`[1,2]`, time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := expiry([]byte(tt.doc))
		if ok != tt.ok || !got.Equal(tt.want) {
			t.Errorf("expiry(%s) = %v, %v; want %v, %v", tt.doc, got, ok, tt.want, tt.ok)
		}
	}
}

// gatedVMs retient StartSession après qu'il a trouvé la VM navigateur.
type gatedVMs struct {
	*vm.Manager
	found   chan struct{}
	release chan struct{}
}

func (g *gatedVMs) EnsureActive(ctx context.Context, userID string, vmType models.VMType) (*models.VM, error) {
	v, err := g.Manager.EnsureActive(ctx, userID, vmType)
	if vmType == models.VMTypeBrowser {
		close(g.found)
		<-g.release
	}
	return v, err
}

// signalingClose signale le début du teardown.
type signalingClose struct {
	*signaling.Relay
	closed chan string
}

func (c *signalingClose) Close(id string) bool {
	c.closed <- id
	return c.Relay.Close(id)
}

func TestTeardownWaitsForConcurrentStart(t *testing.T) {
	f := newFixture(t, db.NewMemoryStore(), 10*time.Minute)
	ctx := context.Background()
	first := f.started(t, "u1")

	box, err := auth.NewBox(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	gated := &gatedVMs{Manager: f.vms, found: make(chan struct{}), release: make(chan struct{})}
	exchanges := &signalingClose{Relay: f.relay, closed: make(chan string, 4)}
	svc := NewService(f.store, gated, exchanges, f.agent, f.handoff, box, f.clock, Options{Timeout: 10 * time.Minute})

	started := make(chan *StartResult, 1)
	go func() {
		res, err := svc.StartSession(ctx, "u1", "gemini_cli")
		if err != nil {
			t.Errorf("StartSession: %v", err)
		}
		started <- res
	}()
	<-gated.found

	cancelled := make(chan error, 1)
	go func() {
		_, err := svc.Cancel(ctx, first.ID)
		cancelled <- err
	}()
	if id := <-exchanges.closed; id != first.ID {
		t.Fatalf("closed exchange %s, want %s", id, first.ID)
	}
	// Le teardown ne doit pas détruire la VM tant que la session concurrente
	// n'est pas enregistrée.
	time.Sleep(20 * time.Millisecond)
	close(gated.release)

	res := <-started
	if err := <-cancelled; err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if res == nil {
		t.FailNow()
	}
	if *res.Session.VMID != *first.VMID {
		t.Fatalf("second session got browser VM %s, want shared %s", *res.Session.VMID, *first.VMID)
	}
	browser, err := f.vms.GetVM(ctx, *res.Session.VMID)
	if err != nil || browser.Destroyed() {
		t.Fatalf("browser VM of a live session destroyed: %+v, %v", browser, err)
	}
}
