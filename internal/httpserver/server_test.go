package httpserver

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/config"
)

func startTestServer(t *testing.T, cfg config.Config) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv, err := New(cfg, log, build)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func baseConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func getWithOrigin(t *testing.T, method, url, origin string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type icePayload struct {
	ICEServers []struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username"`
		Credential string   `json:"credential"`
	} `json:"iceServers"`
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, baseConfig())

	t.Run("healthz", func(t *testing.T) {
		resp := getWithOrigin(t, http.MethodGet, baseURL+"/healthz", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("expected X-Request-ID response header")
		}
	})

	t.Run("readyz", func(t *testing.T) {
		resp := getWithOrigin(t, http.MethodGet, baseURL+"/readyz", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		resp := getWithOrigin(t, http.MethodGet, baseURL+"/version", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var got BuildInfo
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})

	t.Run("request id is echoed", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
		req.Header.Set("X-Request-ID", "req-123")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if got := resp.Header.Get("X-Request-ID"); got != "req-123" {
			t.Fatalf("X-Request-ID=%q, want req-123", got)
		}
	})
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := baseConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}

	baseURL := startTestServer(t, cfg)
	resp := getWithOrigin(t, http.MethodGet, baseURL+"/webrtc/ice", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control=%q, want no-store", got)
	}

	var payload icePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if got := payload.ICEServers[0].URLs; len(got) != 1 || got[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected urls on first server: %#v", got)
	}
	if payload.ICEServers[1].Username != "user" || payload.ICEServers[1].Credential != "pass" {
		t.Fatalf("static TURN credentials not returned: %#v", payload.ICEServers[1])
	}
}

func TestICEEndpoint_EmptyListEncodesAsArray(t *testing.T) {
	cfg := baseConfig()
	cfg.ICEServers = []webrtc.ICEServer{}

	baseURL := startTestServer(t, cfg)
	resp := getWithOrigin(t, http.MethodGet, baseURL+"/webrtc/ice", "")
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(body), `"iceServers":[]`) {
		t.Fatalf("body=%s, want empty iceServers array", body)
	}
}

func TestICEEndpoint_MintsTURNRESTCredentials(t *testing.T) {
	const secret = "s3cret"

	cfg := baseConfig()
	cfg.TURNREST = config.TurnRESTConfig{SharedSecret: secret, TTLSeconds: 600, UsernamePrefix: "calls"}
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"TURN:turn.example.com:3478"}},
	}

	baseURL := startTestServer(t, cfg)
	resp := getWithOrigin(t, http.MethodGet, baseURL+"/webrtc/ice", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var payload icePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if payload.ICEServers[0].Username != "" || payload.ICEServers[0].Credential != "" {
		t.Fatalf("STUN entry should not carry credentials: %#v", payload.ICEServers[0])
	}

	turn := payload.ICEServers[1]
	parts := strings.Split(turn.Username, ":")
	if len(parts) != 3 || parts[1] != "calls" || parts[2] == "" {
		t.Fatalf("unexpected TURN REST username %q", turn.Username)
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(turn.Username))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); turn.Credential != want {
		t.Fatalf("credential=%q, want %q", turn.Credential, want)
	}

	if cfg.ICEServers[1].Username != "" {
		t.Fatalf("configured ICE servers were mutated: %#v", cfg.ICEServers[1])
	}
}

func TestICEEndpoint_RejectsCrossOrigin(t *testing.T) {
	cfg := baseConfig()
	cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}

	baseURL := startTestServer(t, cfg)
	resp := getWithOrigin(t, http.MethodGet, baseURL+"/webrtc/ice", "https://evil.example.com")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestICEEndpoint_AllowsConfiguredOrigin(t *testing.T) {
	cfg := baseConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}

	baseURL := startTestServer(t, cfg)

	resp := getWithOrigin(t, http.MethodGet, baseURL+"/webrtc/ice", "https://app.example.com:443")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}

	req, _ := http.NewRequest(http.MethodOptions, baseURL+"/webrtc/ice", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	preflight, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer preflight.Body.Close()
	if preflight.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status=%d, want 204", preflight.StatusCode)
	}
	if got := preflight.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "GET") {
		t.Fatalf("Access-Control-Allow-Methods=%q", got)
	}
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("AERO_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL := startTestServer(t, cfg)

	resp := getWithOrigin(t, http.MethodGet, baseURL+"/readyz", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	ice := getWithOrigin(t, http.MethodGet, baseURL+"/webrtc/ice", "")
	if ice.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from /webrtc/ice, got %d", ice.StatusCode)
	}
}

func TestNew_RejectsInvalidTURNRESTConfig(t *testing.T) {
	cfg := baseConfig()
	cfg.TURNREST = config.TurnRESTConfig{SharedSecret: "s3cret", TTLSeconds: 0, UsernamePrefix: "calls"}

	if _, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), BuildInfo{}); err == nil {
		t.Fatalf("expected error")
	}
}
