// Command call-peers-go places a call between two in-process peers through a
// running relay and exits 0 once a DataChannel message crosses the resulting
// PeerConnection. It prints "OK" on success.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"golang.org/x/net/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/webrtcpeer"
)

func main() {
	signalURL := envOrDefault("RELAY_SIGNAL_URL", "ws://127.0.0.1:8080/signal")
	room := envOrDefault("ROOM", "e2e")
	timeout := envDurationOrDefault("TIMEOUT", 30*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := run(ctx, signalURL, room); err != nil {
		fmt.Fprintf(os.Stderr, "call failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func run(ctx context.Context, signalURL, room string) error {
	iceServers, err := fetchICEServers(ctx, signalURL)
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if os.Getenv("VERBOSE") != "" {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	api := webrtcpeer.NewAPI(webrtcpeer.APIConfig{Logger: log})

	caller, err := webrtcpeer.NewPeer(api, iceServers)
	if err != nil {
		return err
	}
	defer caller.Close()
	callee, err := webrtcpeer.NewPeer(api, iceServers)
	if err != nil {
		return err
	}
	defer callee.Close()

	received := make(chan string, 1)
	callee.PeerConnection().OnDataChannel(func(dc *webrtc.DataChannel) {
		if err := webrtcpeer.ValidateChatDataChannel(dc); err != nil {
			fmt.Fprintf(os.Stderr, "unexpected datachannel: %v\n", err)
			return
		}
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			select {
			case received <- string(msg.Data):
			default:
			}
		})
	})
	dc, err := webrtcpeer.CreateChatDataChannel(caller.PeerConnection())
	if err != nil {
		return err
	}
	dc.OnOpen(func() {
		_ = dc.SendText("ping")
	})

	alice, err := dialSignal(signalURL)
	if err != nil {
		return err
	}
	defer alice.Close()
	bob, err := dialSignal(signalURL)
	if err != nil {
		return err
	}
	defer bob.Close()

	if _, err := join(ctx, alice, "alice", room); err != nil {
		return err
	}
	bobID, err := join(ctx, bob, "bob", room)
	if err != nil {
		return err
	}

	offer, err := caller.CreateOffer(ctx)
	if err != nil {
		return err
	}
	if err := send(alice, relay.EventUserCall, map[string]any{"to": bobID, "offer": offer}); err != nil {
		return err
	}

	var incoming struct {
		From  relay.ConnID              `json:"from"`
		Offer webrtc.SessionDescription `json:"offer"`
	}
	if err := expect(ctx, bob, relay.EventIncomingCall, &incoming); err != nil {
		return err
	}
	answer, err := callee.AcceptOffer(ctx, incoming.Offer)
	if err != nil {
		return err
	}
	if err := send(bob, relay.EventCallAccepted, map[string]any{"to": incoming.From, "answer": answer}); err != nil {
		return err
	}

	var accepted struct {
		Answer webrtc.SessionDescription `json:"answer"`
	}
	if err := expect(ctx, alice, relay.EventCallAccepted, &accepted); err != nil {
		return err
	}
	if err := caller.AcceptAnswer(accepted.Answer); err != nil {
		return err
	}

	select {
	case msg := <-received:
		if msg != "ping" {
			return fmt.Errorf("unexpected datachannel message %q", msg)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for datachannel message: %w", ctx.Err())
	}
}

type event struct {
	Type    relay.EventType `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func dialSignal(signalURL string) (*websocket.Conn, error) {
	u, err := url.Parse(signalURL)
	if err != nil {
		return nil, err
	}
	// Same-host origin passes the relay's default policy.
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	ws, err := websocket.Dial(signalURL, "", scheme+"://"+u.Host)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", signalURL, err)
	}
	return ws, nil
}

func send(ws *websocket.Conn, typ relay.EventType, payload any) error {
	return websocket.JSON.Send(ws, map[string]any{"type": typ, "payload": payload})
}

// expect reads events until one of type typ arrives, decoding its payload into
// out.
func expect(ctx context.Context, ws *websocket.Conn, typ relay.EventType, out any) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	_ = ws.SetReadDeadline(deadline)
	for {
		var ev event
		if err := websocket.JSON.Receive(ws, &ev); err != nil {
			return fmt.Errorf("waiting for %s: %w", typ, err)
		}
		if ev.Type != typ {
			continue
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(ev.Payload, out)
	}
}

func join(ctx context.Context, ws *websocket.Conn, identity, room string) (relay.ConnID, error) {
	if err := send(ws, relay.EventRoomJoin, map[string]string{"identity": identity, "room": room}); err != nil {
		return "", err
	}
	var conf relay.JoinConfirmation
	if err := expect(ctx, ws, relay.EventRoomJoin, &conf); err != nil {
		return "", err
	}
	return conf.ConnectionID, nil
}

// fetchICEServers asks the relay's HTTP side for the ICE server list that sits
// next to the signaling endpoint.
func fetchICEServers(ctx context.Context, signalURL string) ([]webrtc.ICEServer, error) {
	u, err := url.Parse(signalURL)
	if err != nil {
		return nil, err
	}
	u.Scheme = strings.Replace(u.Scheme, "ws", "http", 1)
	u.Path = "/webrtc/ice"
	u.RawQuery = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ice servers: status %d", resp.StatusCode)
	}
	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}
	return body.ICEServers, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationOrDefault(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return fallback
}
