package signal

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Callkit/internal/adapters/profiles"
	"github.com/dkeye/Callkit/internal/adapters/store/memory"
	"github.com/dkeye/Callkit/internal/app/orch"
	"github.com/dkeye/Callkit/internal/core"
	"github.com/dkeye/Callkit/internal/domain"
	"github.com/dkeye/Callkit/internal/testutils"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"go.viam.com/test"
)

type harness struct {
	t     *testing.T
	ctl   *SignalWSController
	srv   *httptest.Server
	peers *testutils.PeerFactory
}

func newHarness(t *testing.T, limiter *CallRateLimiter) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir, err := profiles.New([]profiles.Entry{
		{ID: "alice", DisplayName: "Alice", AcceptsCalls: true},
		{ID: "bob", DisplayName: "Bob", AcceptsCalls: true},
		{ID: "carol", DisplayName: "Carol"},
	})
	test.That(t, err, test.ShouldBeNil)
	store := memory.New()
	t.Cleanup(func() { test.That(t, store.Close(), test.ShouldBeNil) })

	peers := &testutils.PeerFactory{Candidates: 1, AutoConnect: true, RemoteTracks: 2}
	ctl := NewSignalWSController(orch.Deps{
		Store:    store,
		Profiles: dir,
		Devices:  &testutils.Devices{},
		Peers:    peers,
	}, orch.Config{}, Options{ReadLimit: 1 << 16}, limiter)

	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		test.That(t, ctl.Shutdown(shutdownCtx), test.ShouldBeNil)
		test.That(t, ctl.Online(), test.ShouldBeEmpty)
		srv.Close()
	})
	return &harness{t: t, ctl: ctl, srv: srv, peers: peers}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (h *harness) dial() *wsClient {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	test.That(h.t, err, test.ShouldBeNil)
	h.t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: h.t, conn: conn}
}

func (c *wsClient) send(v map[string]any) {
	c.t.Helper()
	test.That(c.t, c.conn.WriteJSON(v), test.ShouldBeNil)
}

// next skips messages until one of type typ arrives.
func (c *wsClient) next(typ string) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		test.That(c.t, c.conn.SetReadDeadline(deadline), test.ShouldBeNil)
		kind, data, err := c.conn.ReadMessage()
		test.That(c.t, err, test.ShouldBeNil)
		if kind != websocket.TextMessage {
			continue
		}
		var msg map[string]any
		test.That(c.t, json.Unmarshal(data, &msg), test.ShouldBeNil)
		if msg["type"] == typ {
			return msg
		}
	}
}

// nextFrame skips text messages until a binary frame arrives.
func (c *wsClient) nextFrame() []byte {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		test.That(c.t, c.conn.SetReadDeadline(deadline), test.ShouldBeNil)
		kind, data, err := c.conn.ReadMessage()
		test.That(c.t, err, test.ShouldBeNil)
		if kind == websocket.BinaryMessage {
			return data
		}
	}
}

func (h *harness) register(id string) *wsClient {
	h.t.Helper()
	c := h.dial()
	c.send(map[string]any{"type": "register", "id": id})
	who := c.next("whoami")
	test.That(h.t, who["profile"].(map[string]any)["id"], test.ShouldEqual, id)
	return c
}

func callID(msg map[string]any) string {
	if call, ok := msg["call"].(map[string]any); ok {
		return call["id"].(string)
	}
	return msg["call_id"].(string)
}

func TestRegisterAndWhoAmI(t *testing.T) {
	h := newHarness(t, nil)

	c := h.dial()
	c.send(map[string]any{"type": "hangup"})
	test.That(t, c.next("error")["error"], test.ShouldEqual, "not_registered")

	c.send(map[string]any{"type": "register", "id": "dave"})
	test.That(t, c.next("error")["error"], test.ShouldEqual, "unknown_profile")

	c.send(map[string]any{"type": "register", "id": "alice"})
	who := c.next("whoami")
	test.That(t, who["profile"].(map[string]any)["display_name"], test.ShouldEqual, "Alice")
	test.That(t, who["call"], test.ShouldBeNil)
	test.That(t, h.ctl.Online(), test.ShouldResemble, []domain.ParticipantID{"alice"})

	c.send(map[string]any{"type": "register", "id": "bob"})
	test.That(t, c.next("error")["error"], test.ShouldEqual, "already_registered")

	c.send(map[string]any{"type": "ping"})
	c.next("pong")

	c.send(map[string]any{"type": "dance"})
	test.That(t, c.next("error")["error"], test.ShouldEqual, "unknown_type")
}

func TestSecondRegistrationTakesOver(t *testing.T) {
	h := newHarness(t, nil)
	first := h.register("alice")
	h.register("alice")

	test.That(t, first.conn.SetReadDeadline(time.Now().Add(5*time.Second)), test.ShouldBeNil)
	for {
		if _, _, err := first.conn.ReadMessage(); err != nil {
			break
		}
	}
	test.That(t, h.ctl.Online(), test.ShouldResemble, []domain.ParticipantID{"alice"})
}

func TestDeclineOverWebsocket(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.register("alice")
	bob := h.register("bob")

	alice.send(map[string]any{"type": "call", "callee": "bob"})
	id := callID(alice.next("call_created"))

	incoming := bob.next("incoming_call")
	test.That(t, callID(incoming), test.ShouldEqual, id)
	test.That(t, incoming["call"].(map[string]any)["callerName"], test.ShouldEqual, "Alice")

	bob.send(map[string]any{"type": "decline", "call_id": id})
	ended := alice.next("call_ended")
	test.That(t, callID(ended), test.ShouldEqual, id)
	test.That(t, ended["reason"], test.ShouldEqual, "declined")

	bob.send(map[string]any{"type": "decline", "call_id": id})
	test.That(t, bob.next("error")["error"], test.ShouldEqual, "not_ringing")
}

func TestAcceptAndHangupOverWebsocket(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.register("alice")
	bob := h.register("bob")

	alice.send(map[string]any{"type": "call", "callee": "bob"})
	id := callID(alice.next("call_created"))
	bob.next("incoming_call")

	bob.send(map[string]any{"type": "accept", "call_id": id})
	test.That(t, callID(alice.next("remote_connected")), test.ShouldEqual, id)
	test.That(t, callID(bob.next("remote_connected")), test.ShouldEqual, id)

	alice.send(map[string]any{"type": "whoami"})
	call := alice.next("whoami")["call"].(map[string]any)
	test.That(t, call["id"], test.ShouldEqual, id)
	test.That(t, call["role"], test.ShouldEqual, "caller")
	test.That(t, call["peer"], test.ShouldEqual, "bob")

	alice.send(map[string]any{"type": "mute", "muted": true})
	test.That(t, alice.conn.WriteMessage(websocket.BinaryMessage, []byte{frameAudio, 0xde, 0xad}), test.ShouldBeNil)

	alice.send(map[string]any{"type": "hangup"})
	test.That(t, alice.next("call_ended")["reason"], test.ShouldEqual, "hangup")
	test.That(t, bob.next("call_ended")["reason"], test.ShouldEqual, "remote_hangup")

	alice.send(map[string]any{"type": "hangup"})
	test.That(t, alice.next("error")["error"], test.ShouldEqual, "no_active_call")
}

func TestRemoteMediaIsForwarded(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.register("alice")
	bob := h.register("bob")

	alice.send(map[string]any{"type": "call", "callee": "bob"})
	id := callID(alice.next("call_created"))
	bob.next("incoming_call")
	bob.send(map[string]any{"type": "accept", "call_id": id})
	alice.next("remote_connected")
	bob.next("remote_connected")

	for _, p := range h.peers.Peers() {
		for _, tr := range p.RemoteTracks() {
			if tr.Kind() == core.KindAudio {
				tr.Send(&rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 7}, Payload: []byte{1, 2, 3}})
			}
		}
	}

	frame := alice.nextFrame()
	test.That(t, frame[0], test.ShouldEqual, frameAudio)
	var pkt rtp.Packet
	test.That(t, pkt.Unmarshal(frame[1:]), test.ShouldBeNil)
	test.That(t, pkt.SequenceNumber, test.ShouldEqual, uint16(7))
	test.That(t, pkt.Payload, test.ShouldResemble, []byte{1, 2, 3})
}

func TestCallerDisconnectEndsCall(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.register("alice")
	bob := h.register("bob")

	alice.send(map[string]any{"type": "call", "callee": "bob"})
	id := callID(alice.next("call_created"))
	bob.next("incoming_call")

	test.That(t, alice.conn.Close(), test.ShouldBeNil)
	withdrawn := bob.next("incoming_withdrawn")
	test.That(t, callID(withdrawn), test.ShouldEqual, id)
	testutils.WaitFor(t, "alice offline", func() bool {
		return len(h.ctl.Online()) == 1
	})
}

func TestCallIsRateLimited(t *testing.T) {
	h := newHarness(t, NewCallRateLimiter(1, time.Minute))
	alice := h.register("alice")

	alice.send(map[string]any{"type": "call", "callee": "carol"})
	test.That(t, alice.next("error")["error"], test.ShouldEqual, "not_reachable")

	alice.send(map[string]any{"type": "call", "callee": "bob"})
	test.That(t, alice.next("error")["error"], test.ShouldEqual, "rate_limited")
}

func TestCallRateLimiterWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewCallRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	test.That(t, rl.Allow("alice"), test.ShouldBeTrue)
	test.That(t, rl.Allow("alice"), test.ShouldBeTrue)
	test.That(t, rl.Allow("alice"), test.ShouldBeFalse)
	test.That(t, rl.Allow("bob"), test.ShouldBeTrue)

	now = now.Add(61 * time.Second)
	test.That(t, rl.Allow("alice"), test.ShouldBeTrue)

	var unlimited *CallRateLimiter
	test.That(t, unlimited.Allow("alice"), test.ShouldBeTrue)
}
