package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/polydev/master-controller/internal/agent"
	"github.com/polydev/master-controller/internal/auth"
	"github.com/polydev/master-controller/internal/authsession"
	"github.com/polydev/master-controller/internal/clock"
	"github.com/polydev/master-controller/internal/config"
	"github.com/polydev/master-controller/internal/db"
	"github.com/polydev/master-controller/internal/handoff"
	"github.com/polydev/master-controller/internal/signaling"
	"github.com/polydev/master-controller/internal/vm"
)

const testSecret = "test-secret"

type stubAgent struct{}

func (stubAgent) OAuthURL(context.Context, string, string) (*agent.Response, error) {
	return &agent.Response{Status: http.StatusOK, Body: []byte(`{"url":"https://example.test/oauth"}`)}, nil
}

func (stubAgent) OpenURL(context.Context, string, string, string) (*agent.Response, error) {
	return &agent.Response{Status: http.StatusOK, Body: []byte(`{"success":true}`)}, nil
}

func (stubAgent) CredentialStatus(context.Context, string, string) (*agent.Response, error) {
	return &agent.Response{Status: http.StatusOK, Body: []byte(`{"status":"waiting"}`)}, nil
}

type testServer struct {
	handler http.Handler
	vms     *vm.Manager
	clock   *clock.FakeClock
}

func newTestServer(t *testing.T, rateLimit int) *testServer {
	t.Helper()
	cfg := &config.Config{
		JWTSecret:          testSecret,
		AllowedOrigins:     []string{"http://localhost:3000"},
		RateLimitPerMinute: rateLimit,
		VMSubnet:           "192.168.100.0/24",
		CLIVCPUs:           1,
		CLIMemoryMB:        256,
		BrowserVCPUs:       2,
		BrowserMemoryMB:    2048,
		VMStaleAfter:       5 * time.Minute,
		VMProvisionTimeout: 2 * time.Minute,
		VNCPort:            5901,
		VNCDialAttempts:    1,
		VNCDialTimeout:     time.Second,
		NoVNCURLTemplate:   "/vnc/{sessionId}",
	}
	store := db.NewMemoryStore()
	box, err := auth.NewBox(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	clk := clock.Fake(time.Now())
	vms := vm.NewManager(store, vm.NopHypervisor{}, clk, cfg)
	relay := signaling.NewRelay(clk, time.Minute, nil, store)
	sessions := authsession.NewService(store, vms, relay, stubAgent{}, handoff.Disabled{}, box, clk,
		authsession.Options{Timeout: 10 * time.Minute, NoVNCURL: cfg.NoVNCURL})

	return &testServer{
		handler: NewRouter(cfg, Services{VMs: vms, Sessions: sessions, Relay: relay}),
		vms:     vms,
		clock:   clk,
	}
}

func userToken(t *testing.T, userID string, admin bool) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken(testSecret, userID, admin)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	return tok
}

func agentToken(t *testing.T, vmID, userID string) string {
	t.Helper()
	tok, err := auth.GenerateAgentToken(testSecret, vmID, userID)
	if err != nil {
		t.Fatalf("GenerateAgentToken: %v", err)
	}
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, want, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, 1000)
	rec := s.do(t, http.MethodGet, "/health", "", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decode(t, rec)["status"]; got != "ok" {
		t.Errorf("status = %v, want ok", got)
	}
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t, 1000)

	expectStatus(t, s.do(t, http.MethodGet, "/api/users/u1/vms", "", nil), http.StatusUnauthorized)
	expectStatus(t, s.do(t, http.MethodGet, "/api/users/u1/vms", "not-a-jwt", nil), http.StatusUnauthorized)
	expectStatus(t, s.do(t, http.MethodGet, "/api/users/u1/vms", userToken(t, "u1", false), nil), http.StatusOK)

	// Le cookie est prioritaire sur l'en-tête.
	req := httptest.NewRequest(http.MethodGet, "/api/users/u1/vms", nil)
	req.AddCookie(&http.Cookie{Name: "access_token", Value: userToken(t, "u1", false)})
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusOK)
}

func TestUserScope(t *testing.T) {
	s := newTestServer(t, 1000)
	u1 := userToken(t, "u1", false)

	expectStatus(t, s.do(t, http.MethodGet, "/api/users/u1/vms", userToken(t, "u2", false), nil), http.StatusForbidden)
	expectStatus(t, s.do(t, http.MethodGet, "/api/users/u1/vms", u1, nil, "X-User-Id", "u2"), http.StatusForbidden)
	expectStatus(t, s.do(t, http.MethodGet, "/api/users/u1/vms", u1, nil, "X-User-Id", "u1"), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodGet, "/api/users/u1/vms", userToken(t, "admin", true), nil), http.StatusOK)
}

func TestCreateVMConflict(t *testing.T) {
	s := newTestServer(t, 1000)
	u1 := userToken(t, "u1", false)

	rec := s.do(t, http.MethodPost, "/api/users/u1/vm", u1, map[string]string{})
	expectStatus(t, rec, http.StatusCreated)
	created := decode(t, rec)["vm"].(map[string]interface{})
	if created["vm_type"] != "cli" || created["status"] != "provisioning" {
		t.Errorf("created vm = %v", created)
	}

	expectStatus(t, s.do(t, http.MethodPost, "/api/users/u1/vm", u1, nil), http.StatusConflict)
	expectStatus(t, s.do(t, http.MethodPost, "/api/users/u1/vm", u1, map[string]string{"vmType": "gpu"}), http.StatusBadRequest)
	expectStatus(t, s.do(t, http.MethodPost, "/api/users/u1/vm", u1, map[string]string{"vmType": "browser"}), http.StatusCreated)

	rec = s.do(t, http.MethodGet, "/api/users/u1/vms", u1, nil)
	expectStatus(t, rec, http.StatusOK)
	if n := len(decode(t, rec)["vms"].([]interface{})); n != 2 {
		t.Errorf("len(vms) = %d, want 2", n)
	}
}

func TestAgentHeartbeat(t *testing.T) {
	s := newTestServer(t, 1000)
	created, err := s.vms.CreateVM(context.Background(), "u1", "cli")
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	other, err := s.vms.CreateVM(context.Background(), "u2", "cli")
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	path := "/api/vms/" + created.ID + "/heartbeat"
	hb := map[string]interface{}{"ipAddress": "192.168.100.10", "cpuUsage": 12.5}

	expectStatus(t, s.do(t, http.MethodPost, path, agentToken(t, other.ID, "u2"), hb), http.StatusForbidden)

	rec := s.do(t, http.MethodPost, path, agentToken(t, created.ID, "u1"), hb)
	expectStatus(t, rec, http.StatusOK)
	if got := decode(t, rec)["status"]; got != "running" {
		t.Errorf("status = %v, want running", got)
	}

	bad := map[string]interface{}{"ipAddress": "10.0.0.1"}
	expectStatus(t, s.do(t, http.MethodPost, path, agentToken(t, created.ID, "u1"), bad), http.StatusBadRequest)

	// Un agent ne gère pas les VMs de son propriétaire par la route utilisateur.
	expectStatus(t, s.do(t, http.MethodGet, "/api/users/u1/vms", agentToken(t, created.ID, "u1"), nil), http.StatusForbidden)
}

func TestDestroyedVMIsGone(t *testing.T) {
	s := newTestServer(t, 1000)
	u1 := userToken(t, "u1", false)
	created, err := s.vms.CreateVM(context.Background(), "u1", "cli")
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	expectStatus(t, s.do(t, http.MethodDelete, "/api/vms/"+created.ID, u1, nil), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodDelete, "/api/vms/"+created.ID, u1, nil), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodPost, "/api/vms/"+created.ID+"/start", u1, nil), http.StatusGone)
	expectStatus(t, s.do(t, http.MethodGet, "/api/vms/"+created.ID+"/console", u1, nil), http.StatusGone)
	expectStatus(t, s.do(t, http.MethodGet, "/api/vms/unknown", u1, nil), http.StatusNotFound)
}

func startSession(t *testing.T, s *testServer, token string) (sessionID, browserVMID string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/auth/start", token, map[string]string{"provider": "claude_code"})
	expectStatus(t, rec, http.StatusOK)
	body := decode(t, rec)
	sessionID, _ = body["sessionId"].(string)
	if sessionID == "" {
		t.Fatalf("no sessionId in %v", body)
	}
	if got := body["novncURL"]; got != "/vnc/"+sessionID {
		t.Errorf("novncURL = %v", got)
	}

	rec = s.do(t, http.MethodGet, "/api/auth/session/"+sessionID, token, nil)
	expectStatus(t, rec, http.StatusOK)
	session := decode(t, rec)["session"].(map[string]interface{})
	browserVMID, _ = session["vm_id"].(string)
	if browserVMID == "" {
		t.Fatalf("session has no browser VM: %v", session)
	}
	return sessionID, browserVMID
}

func TestAuthSessionFlow(t *testing.T) {
	s := newTestServer(t, 1000)
	u1 := userToken(t, "u1", false)
	id, browserVM := startSession(t, s, u1)
	base := "/api/auth/session/" + id

	expectStatus(t, s.do(t, http.MethodPost, "/api/auth/start", u1, map[string]string{"provider": "nope"}), http.StatusBadRequest)
	expectStatus(t, s.do(t, http.MethodPost, "/api/auth/start", u1, map[string]string{}), http.StatusBadRequest)
	expectStatus(t, s.do(t, http.MethodGet, base, userToken(t, "u2", false), nil), http.StatusForbidden)

	// Les transitions de l'agent sont refusées au propriétaire.
	expectStatus(t, s.do(t, http.MethodPost, base+"/awaiting", u1, nil), http.StatusForbidden)

	ag := agentToken(t, browserVM, "u1")
	rec := s.do(t, http.MethodPost, base+"/awaiting", ag, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decode(t, rec)["session"].(map[string]interface{})["status"]; got != "awaiting_user_auth" {
		t.Errorf("status = %v, want awaiting_user_auth", got)
	}

	expectStatus(t, s.do(t, http.MethodPost, base+"/heartbeat", u1, nil), http.StatusOK)

	rec = s.do(t, http.MethodPost, base+"/cancel", u1, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decode(t, rec)["session"].(map[string]interface{})["status"]; got != "cancelled" {
		t.Errorf("status = %v, want cancelled", got)
	}

	expectStatus(t, s.do(t, http.MethodPost, base+"/progress", ag, nil), http.StatusConflict)
	expectStatus(t, s.do(t, http.MethodPost, base+"/cancel", u1, nil), http.StatusOK)

	rec = s.do(t, http.MethodGet, "/api/auth/sessions/u1", u1, nil)
	expectStatus(t, rec, http.StatusOK)
	if n := len(decode(t, rec)["sessions"].([]interface{})); n != 1 {
		t.Errorf("len(sessions) = %d, want 1", n)
	}
}

func TestCompleteStoresCredential(t *testing.T) {
	s := newTestServer(t, 1000)
	u1 := userToken(t, "u1", false)
	id, browserVM := startSession(t, s, u1)
	base := "/api/auth/session/" + id
	ag := agentToken(t, browserVM, "u1")

	// L'étape navigateur est requise avant la complétion.
	creds := map[string]interface{}{"credentials": map[string]string{"access_token": "tok"}}
	expectStatus(t, s.do(t, http.MethodPost, base+"/complete", ag, creds), http.StatusConflict)

	expectStatus(t, s.do(t, http.MethodPost, base+"/awaiting", ag, nil), http.StatusOK)
	rec := s.do(t, http.MethodPost, base+"/complete", ag, creds)
	expectStatus(t, rec, http.StatusOK)
	if got := decode(t, rec)["session"].(map[string]interface{})["status"]; got != "completed" {
		t.Errorf("status = %v, want completed", got)
	}

	rec = s.do(t, http.MethodGet, "/api/auth/validate/u1/claude_code", u1, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decode(t, rec)["valid"]; got != true {
		t.Errorf("valid = %v, want true (body %s)", got, rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, "/api/auth/credentials/u1", u1, nil)
	expectStatus(t, rec, http.StatusOK)
	list := decode(t, rec)["credentials"].([]interface{})
	if len(list) != 1 {
		t.Fatalf("len(credentials) = %d, want 1", len(list))
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("tok")) {
		t.Error("credential payload leaked in listing")
	}

	rec = s.do(t, http.MethodGet, base+"/credentials/status", u1, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decode(t, rec)["status"]; got != "ready" {
		t.Errorf("credential status = %v, want ready", got)
	}
}

func TestSignalingExchange(t *testing.T) {
	s := newTestServer(t, 1000)
	u1 := userToken(t, "u1", false)
	id, browserVM := startSession(t, s, u1)
	base := "/api/webrtc/session/" + id

	rec := s.do(t, http.MethodGet, base+"/answer", u1, nil)
	expectStatus(t, rec, http.StatusNotFound)
	if got := decode(t, rec)["retry"]; got != true {
		t.Errorf("retry = %v, want true", got)
	}

	expectStatus(t, s.do(t, http.MethodPost, base+"/offer", u1, map[string]string{}), http.StatusBadRequest)
	offer := map[string]interface{}{"offer": map[string]string{"type": "offer", "sdp": "v=0"}}
	expectStatus(t, s.do(t, http.MethodPost, base+"/offer", u1, offer), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodPost, base+"/offer", userToken(t, "u2", false), offer), http.StatusForbidden)

	ag := agentToken(t, browserVM, "u1")
	rec = s.do(t, http.MethodGet, base+"/offer", ag, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decode(t, rec)["offer"].(map[string]interface{})["sdp"]; got != "v=0" {
		t.Errorf("offer sdp = %v", got)
	}

	answer := map[string]interface{}{"answer": map[string]string{"type": "answer", "sdp": "v=0 answer"}}
	expectStatus(t, s.do(t, http.MethodPost, base+"/answer", ag, answer), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodGet, base+"/answer", u1, nil), http.StatusOK)

	cand := map[string]interface{}{"candidate": "candidate:1 1 udp 2122260223 192.168.100.5 50000 typ host", "sdpMid": "0"}
	expectStatus(t, s.do(t, http.MethodPost, base+"/candidate", u1, cand), http.StatusOK)
	vmCand := map[string]interface{}{
		"candidate": map[string]interface{}{"candidate": "candidate:2 1 udp 1 192.168.100.6 50001 typ host", "sdpMLineIndex": 0},
		"source":    "vm",
	}
	expectStatus(t, s.do(t, http.MethodPost, base+"/candidate", ag, vmCand), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodPost, base+"/candidate", u1, map[string]string{"source": "client"}), http.StatusBadRequest)

	rec = s.do(t, http.MethodGet, base+"/candidates/local", ag, nil)
	expectStatus(t, rec, http.StatusOK)
	if n := len(decode(t, rec)["candidates"].([]interface{})); n != 1 {
		t.Errorf("local candidates = %d, want 1", n)
	}
	rec = s.do(t, http.MethodGet, base+"/candidates/remote", u1, nil)
	expectStatus(t, rec, http.StatusOK)
	if n := len(decode(t, rec)["candidates"].([]interface{})); n != 1 {
		t.Errorf("remote candidates = %d, want 1", n)
	}
	expectStatus(t, s.do(t, http.MethodGet, base+"/candidates/sideways", u1, nil), http.StatusBadRequest)

	expectStatus(t, s.do(t, http.MethodDelete, base, u1, nil), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodGet, base+"/candidates/local", u1, nil), http.StatusNotFound)
}

func TestAdHocExchange(t *testing.T) {
	s := newTestServer(t, 1000)
	u1 := userToken(t, "u1", false)
	base := "/api/webrtc/session/adhoc-1"

	expectStatus(t, s.do(t, http.MethodGet, base+"/offer", u1, nil), http.StatusNotFound)
	offer := map[string]interface{}{"offer": map[string]string{"type": "offer", "sdp": "v=0"}}
	expectStatus(t, s.do(t, http.MethodPost, base+"/offer", u1, offer), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodGet, base+"/offer", userToken(t, "u2", false), nil), http.StatusOK)
}

func TestStatsRequiresAdmin(t *testing.T) {
	s := newTestServer(t, 1000)
	expectStatus(t, s.do(t, http.MethodGet, "/api/webrtc/stats", userToken(t, "u1", false), nil), http.StatusForbidden)
	rec := s.do(t, http.MethodGet, "/api/webrtc/stats", userToken(t, "admin", true), nil)
	expectStatus(t, rec, http.StatusOK)
	expectStatus(t, s.do(t, http.MethodGet, "/api/webrtc/ice-servers", userToken(t, "u1", false), nil), http.StatusOK)
}

func TestConsoleTargetOutsideSubnet(t *testing.T) {
	s := newTestServer(t, 1000)
	u1 := userToken(t, "u1", false)

	expectStatus(t, s.do(t, http.MethodGet, "/vnc/10.0.0.1", u1, nil), http.StatusForbidden)
	expectStatus(t, s.do(t, http.MethodGet, "/vnc/192.168.100.77", u1, nil), http.StatusNotFound)
	expectStatus(t, s.do(t, http.MethodGet, "/vnc/no-such-session", u1, nil), http.StatusNotFound)
	expectStatus(t, s.do(t, http.MethodGet, "/vnc/192.168.100.77", "", nil), http.StatusUnauthorized)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, 2)
	u1 := userToken(t, "u1", false)
	for i := 0; i < 2; i++ {
		expectStatus(t, s.do(t, http.MethodGet, "/api/users/u1/vms", u1, nil, "X-Real-IP", "203.0.113.7"), http.StatusOK)
	}
	expectStatus(t, s.do(t, http.MethodGet, "/api/users/u1/vms", u1, nil, "X-Real-IP", "203.0.113.7"), http.StatusTooManyRequests)
	expectStatus(t, s.do(t, http.MethodGet, "/api/users/u1/vms", u1, nil, "X-Real-IP", "203.0.113.8"), http.StatusOK)
	// /health n'est pas limité.
	expectStatus(t, s.do(t, http.MethodGet, "/health", "", nil, "X-Real-IP", "203.0.113.7"), http.StatusOK)
}

func TestExchangeCollectedAfterSessionEnds(t *testing.T) {
	offer := map[string]interface{}{"offer": map[string]string{"type": "offer", "sdp": "v=0"}}
	late := map[string]interface{}{"offer": map[string]string{"type": "offer", "sdp": "v=0 late"}}

	ends := map[string]func(t *testing.T, s *testServer, base, user, agent string){
		"cancel": func(t *testing.T, s *testServer, base, user, agent string) {
			expectStatus(t, s.do(t, http.MethodPost, base+"/cancel", user, nil), http.StatusOK)
		},
		"complete": func(t *testing.T, s *testServer, base, user, agent string) {
			expectStatus(t, s.do(t, http.MethodPost, base+"/awaiting", agent, nil), http.StatusOK)
			creds := map[string]interface{}{"credentials": map[string]string{"access_token": "tok"}}
			expectStatus(t, s.do(t, http.MethodPost, base+"/complete", agent, creds), http.StatusOK)
		},
		"expire": func(t *testing.T, s *testServer, base, user, agent string) {
			s.clock.Advance(11 * time.Minute)
			rec := s.do(t, http.MethodGet, base, user, nil)
			expectStatus(t, rec, http.StatusOK)
			if got := decode(t, rec)["session"].(map[string]interface{})["status"]; got != "expired" {
				t.Fatalf("status = %v, want expired", got)
			}
		},
	}

	for name, end := range ends {
		t.Run(name, func(t *testing.T) {
			s := newTestServer(t, 1000)
			u1 := userToken(t, "u1", false)
			id, browserVM := startSession(t, s, u1)
			ag := agentToken(t, browserVM, "u1")
			rtc := "/api/webrtc/session/" + id
			expectStatus(t, s.do(t, http.MethodPost, rtc+"/offer", u1, offer), http.StatusOK)

			end(t, s, "/api/auth/session/"+id, u1, ag)

			expectStatus(t, s.do(t, http.MethodPost, rtc+"/offer", u1, late), http.StatusNotFound)
			rec := s.do(t, http.MethodGet, rtc+"/offer", ag, nil)
			expectStatus(t, rec, http.StatusNotFound)
			if _, retry := decode(t, rec)["retry"]; retry {
				t.Error("collected exchange must not ask the client to retry")
			}
			answer := map[string]interface{}{"answer": map[string]string{"type": "answer", "sdp": "v=0"}}
			expectStatus(t, s.do(t, http.MethodPost, rtc+"/answer", ag, answer), http.StatusNotFound)
			expectStatus(t, s.do(t, http.MethodPost, rtc+"/candidate", ag, map[string]string{"candidate": "c", "source": "vm"}), http.StatusNotFound)
			expectStatus(t, s.do(t, http.MethodGet, rtc+"/candidates/local", u1, nil), http.StatusNotFound)

			rec = s.do(t, http.MethodGet, "/api/auth/session/"+id, u1, nil)
			expectStatus(t, rec, http.StatusOK)
			session := decode(t, rec)["session"].(map[string]interface{})
			if sdp := session["webrtc_offer"].(map[string]interface{})["sdp"]; sdp != "v=0" {
				t.Errorf("persisted offer sdp = %v, want v=0", sdp)
			}
			if session["webrtc_answer"] != nil || session["remote_candidates"] != nil {
				t.Errorf("terminal session mutated: %v", session)
			}
		})
	}
}

func TestHeartbeatRenewsAgentToken(t *testing.T) {
	s := newTestServer(t, 1000)
	created, err := s.vms.CreateVM(context.Background(), "u1", "cli")
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	path := "/api/vms/" + created.ID + "/heartbeat"
	hb := map[string]interface{}{"ipAddress": "192.168.100.10"}

	s.clock.Advance(6 * 24 * time.Hour)
	rec := s.do(t, http.MethodPost, path, agentToken(t, created.ID, "u1"), hb)
	expectStatus(t, rec, http.StatusOK)
	body := decode(t, rec)
	renewed, _ := body["agentToken"].(string)
	if renewed == "" {
		t.Fatalf("no agentToken in %v", body)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, body["agentTokenExpiresAt"].(string))
	if err != nil {
		t.Fatalf("agentTokenExpiresAt: %v", err)
	}
	if want := s.clock.Now().Add(auth.AgentTokenDuration); expiresAt.Before(want.Add(-time.Second)) {
		t.Errorf("expiresAt = %v, want about %v", expiresAt, want)
	}

	// Le jeton renouvelé reste valide après l'échéance du jeton de provisioning.
	claims, err := auth.ValidateTokenAt(testSecret, renewed, s.clock.Now().Add(2*24*time.Hour))
	if err != nil {
		t.Fatalf("renewed token: %v", err)
	}
	if claims.VMID != created.ID || claims.TokenType != auth.TokenAgent {
		t.Errorf("claims = %+v", claims)
	}
	expectStatus(t, s.do(t, http.MethodPost, path, renewed, hb), http.StatusOK)

	// Le propriétaire ne peut pas obtenir de jeton d'agent.
	rec = s.do(t, http.MethodPost, path, userToken(t, "u1", false), hb)
	expectStatus(t, rec, http.StatusOK)
	if _, ok := decode(t, rec)["agentToken"]; ok {
		t.Error("user heartbeat must not mint an agent token")
	}
}
