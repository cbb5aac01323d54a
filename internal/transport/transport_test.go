package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"
	"time"

	"Bitvault/internal/network"
	"Bitvault/internal/protocol"
	"Bitvault/internal/topology"
)

func testRequest(t *testing.T, to string) *protocol.Envelope {
	t.Helper()

	env, err := protocol.NewRequestEnvelope("op-1", "client", to, &protocol.GetFileIDsRequest{
		Header:     protocol.Header{Collection: "books"},
		MaxResults: 10,
	})
	if err != nil {
		t.Fatalf("NewRequestEnvelope failed: %v", err)
	}

	return env
}

// replies collects reply envelopes reported by a transport.
func replies(tr Transport) <-chan *protocol.Envelope {
	ch := make(chan *protocol.Envelope, 16)
	tr.OnReply(func(env *protocol.Envelope) { ch <- env })

	return ch
}

func waitReply(t *testing.T, ch <-chan *protocol.Envelope) *protocol.Envelope {
	t.Helper()

	select {
	case env := <-ch:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
		return nil
	}
}

// echo answers every request COMPLETE with the request's kind as info.
var echo = EndpointFunc(func(_ context.Context, req *protocol.Envelope, reply func(*protocol.Envelope)) {
	reply(protocol.NewReplyEnvelope(req, req.To, protocol.Complete(req.Kind.String())))
})

func TestLocalRoundTrip(t *testing.T) {
	l := NewLocal()
	defer l.Close()

	l.Attach("a", echo)
	ch := replies(l)

	if err := l.Send(context.Background(), testRequest(t, "a")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	env := waitReply(t, ch)
	if env.CorrelationID != "op-1" || env.From != "a" || env.To != "client" {
		t.Errorf("reply envelope = %+v", env)
	}

	r, err := env.Reply()
	if err != nil || r.Info != "GET_FILE_IDS" {
		t.Errorf("reply = %+v, %v", r, err)
	}
}

func TestLocalFaults(t *testing.T) {
	l := NewLocal()
	defer l.Close()

	l.Attach("a", echo)
	ch := replies(l)

	if err := l.Send(context.Background(), testRequest(t, "nobody")); !errors.Is(err, ErrUnreachable) {
		t.Errorf("Send to unattached pillar = %v", err)
	}

	l.SetFault("a", Fault{Unreachable: true})
	if err := l.Send(context.Background(), testRequest(t, "a")); !errors.Is(err, ErrUnreachable) {
		t.Errorf("Send to unreachable pillar = %v", err)
	}

	l.SetFault("a", Fault{DropRequests: true})
	if err := l.Send(context.Background(), testRequest(t, "a")); err != nil {
		t.Errorf("dropped Send = %v", err)
	}

	select {
	case env := <-ch:
		t.Errorf("dropped request answered: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}

	l.SetFault("a", Fault{Delay: 80 * time.Millisecond})
	start := time.Now()
	l.Send(context.Background(), testRequest(t, "a"))
	waitReply(t, ch)

	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("delayed reply arrived after %s", elapsed)
	}
}

func TestLocalClosed(t *testing.T) {
	l := NewLocal()
	l.Attach("a", echo)

	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := l.Send(context.Background(), testRequest(t, "a")); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v", err)
	}
}

// newTestPillar starts a QUIC endpoint completing every request it receives.
func newTestPillar(t *testing.T, id string) (*network.Endpoint, ed25519.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	ep, err := network.NewEndpoint(priv, func(c *network.Conn, frame []byte) {
		req, err := protocol.Unmarshal(frame)
		if err != nil {
			return
		}

		reply := protocol.NewReplyEnvelope(req, id, protocol.Complete("served by "+id))
		c.Send(context.Background(), reply.Marshal())
	}, network.Options{})
	if err != nil {
		t.Fatalf("create pillar endpoint: %v", err)
	}

	if err := ep.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}

	return ep, pub
}

func newTestTopology(t *testing.T, addr string, identity []byte) *topology.Topology {
	t.Helper()

	topo, err := topology.New(
		[]topology.Collection{{ID: "books", Pillars: []string{"a"}}},
		[]topology.Replica{{ID: "r", Type: topology.Bitarchive, Pillars: []string{"a"}}},
		[]topology.Pillar{{ID: "a", Address: addr, Identity: identity}},
	)
	if err != nil {
		t.Fatalf("topology: %v", err)
	}

	return topo
}

func TestQUICRoundTrip(t *testing.T) {
	node, pub := newTestPillar(t, "a")
	defer node.Close()

	q, err := NewQUIC(newTestTopology(t, node.Addr(), pub), nil)
	if err != nil {
		t.Fatalf("NewQUIC failed: %v", err)
	}
	defer q.Close()

	ch := replies(q)

	for i := 0; i < 2; i++ {
		env := testRequest(t, "a")
		env.CorrelationID = fmt.Sprintf("op-%d", i)

		if err := q.Send(context.Background(), env); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}

		r, err := waitReply(t, ch).Reply()
		if err != nil || r.Info != "served by a" {
			t.Errorf("reply = %+v, %v", r, err)
		}
	}

	if n := node.Conns(); n != 1 {
		t.Errorf("pillar sees %d connections, want 1", n)
	}
}

func TestQUICIdentityMismatch(t *testing.T) {
	node, _ := newTestPillar(t, "a")
	defer node.Close()

	other, _, _ := ed25519.GenerateKey(rand.Reader)

	q, err := NewQUIC(newTestTopology(t, node.Addr(), other), nil)
	if err != nil {
		t.Fatalf("NewQUIC failed: %v", err)
	}
	defer q.Close()

	if err := q.Send(context.Background(), testRequest(t, "a")); !errors.Is(err, ErrIdentityMismatch) {
		t.Errorf("Send to impostor = %v", err)
	}
}

func TestQUICUnreachable(t *testing.T) {
	q, err := NewQUIC(newTestTopology(t, "", nil), nil)
	if err != nil {
		t.Fatalf("NewQUIC failed: %v", err)
	}
	defer q.Close()

	if err := q.Send(context.Background(), testRequest(t, "a")); !errors.Is(err, ErrUnreachable) {
		t.Errorf("Send without address = %v", err)
	}

	if err := q.Send(context.Background(), testRequest(t, "zz")); err == nil {
		t.Error("Send to unknown pillar succeeded")
	}
}
