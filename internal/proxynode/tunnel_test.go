package proxynode

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/testutil"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()
	cases := []frame{
		{typ: FrameRequestHeaders, stream: 2, payload: []byte(`{"method":"POST"}`)},
		{typ: FrameEndStream, stream: 4},
		{typ: FramePing, stream: 0},
		{typ: FrameResponseBody, stream: 0xFFFFFFFE, payload: bytes.Repeat([]byte("x"), 4096)},
	}
	for _, want := range cases {
		var buf bytes.Buffer
		if err := writeFrame(&buf, want); err != nil {
			t.Fatalf("write %s: %v", want.typ, err)
		}
		got, err := readFrame(&buf)
		if err != nil {
			t.Fatalf("read %s: %v", want.typ, err)
		}
		if got.typ != want.typ || got.stream != want.stream || !bytes.Equal(got.payload, want.payload) {
			t.Fatalf("round trip mismatch for %s", want.typ)
		}
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	if _, err := readFrame(&buf); err == nil {
		t.Fatal("oversized frame accepted")
	}
}

// agentServe acts as the remote node end of a tunnel: it answers the first
// request stream with a scripted response.
func agentServe(t *testing.T, conn net.Conn, status int, body string) {
	t.Helper()
	go func() {
		var reqStream uint32
		for {
			f, err := readFrame(conn)
			if err != nil {
				return
			}
			switch f.typ {
			case FrameRequestHeaders:
				reqStream = f.stream
			case FrameEndStream:
				hdr, _ := json.Marshal(responseEnvelope{
					Status:  status,
					Headers: map[string][]string{"Content-Type": {"application/json"}},
				})
				writeFrame(conn, frame{typ: FrameResponseHeaders, stream: reqStream, payload: hdr})
				writeFrame(conn, frame{typ: FrameResponseBody, stream: reqStream, payload: []byte(body)})
				writeFrame(conn, frame{typ: FrameEndStream, stream: reqStream})
			}
		}
	}()
}

func TestRoundTripOverTunnel(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	m := NewManager(store, nil)

	server, agent := net.Pipe()
	t.Cleanup(func() { server.Close(); agent.Close() })
	m.Adopt("node-1", server)
	agentServe(t, agent, 200, `{"ok":true}`)

	if !m.Connected("node-1") {
		t.Fatal("node not connected after adopt")
	}

	req, _ := http.NewRequest(http.MethodPost, "https://api.example/v1/chat", strings.NewReader(`{"x":1}`))
	resp, err := m.RoundTrip(context.Background(), "node-1", req)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(got) != `{"ok":true}` {
		t.Fatalf("body = %s", got)
	}
}

func TestRoundTripNoLiveConn(t *testing.T) {
	t.Parallel()
	m := NewManager(testutil.NewFakeStore(), nil)
	req, _ := http.NewRequest(http.MethodGet, "https://api.example/", nil)
	if _, err := m.RoundTrip(context.Background(), "ghost", req); err == nil {
		t.Fatal("round trip through absent node succeeded")
	}
}

func TestHeartbeatUpdatesStoreAndAcks(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	store.Nodes["node-1"] = &gateway.ProxyNode{
		ID: "node-1", Name: "n1", TunnelMode: true,
		ConfigVersion: 3, RemoteConfig: json.RawMessage(`{"max":8}`),
	}
	m := NewManager(store, nil)

	server, agent := net.Pipe()
	t.Cleanup(func() { server.Close(); agent.Close() })
	m.Adopt("node-1", server)

	hb, _ := json.Marshal(heartbeatEnvelope{Stats: gateway.NodeStats{ActiveConnections: 5}})
	go writeFrame(agent, frame{typ: FrameHeartbeat, stream: 0, payload: hb})

	agent.SetReadDeadline(time.Now().Add(2 * time.Second))
	ack, err := readFrame(agent)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.typ != FrameHeartbeat {
		t.Fatalf("ack type = %s", ack.typ)
	}
	var payload heartbeatAck
	if err := json.Unmarshal(ack.payload, &payload); err != nil {
		t.Fatalf("ack payload: %v", err)
	}
	if payload.ConfigVersion != 3 {
		t.Fatalf("config version = %d", payload.ConfigVersion)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		node, err := store.GetNode(context.Background(), "node-1")
		if err == nil && node.Stats.ActiveConnections == 5 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("heartbeat stats never persisted")
}

func TestStreamIDsAreEvenAndSkipInFlight(t *testing.T) {
	t.Parallel()
	c := &Conn{streams: map[uint32]*tunnelStream{}, done: make(chan struct{})}
	s1, err := c.openStream()
	if err != nil {
		t.Fatal(err)
	}
	s2, _ := c.openStream()
	if s1.id != 2 || s2.id != 4 {
		t.Fatalf("ids = %d, %d", s1.id, s2.id)
	}

	// Wrap: in-flight ids are skipped.
	c.nextID = maxStreamID
	s3, _ := c.openStream()
	if s3.id != 6 { // 2 and 4 busy
		t.Fatalf("wrapped id = %d", s3.id)
	}
}

func TestPingGetsPong(t *testing.T) {
	t.Parallel()
	m := NewManager(testutil.NewFakeStore(), nil)
	server, agent := net.Pipe()
	t.Cleanup(func() { server.Close(); agent.Close() })
	m.Adopt("node-1", server)

	go writeFrame(agent, frame{typ: FramePing, stream: 0})
	agent.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := readFrame(agent)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if f.typ != FramePong {
		t.Fatalf("reply = %s", f.typ)
	}
}
