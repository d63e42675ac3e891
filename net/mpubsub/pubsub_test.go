package mpubsub

import (
	"context"
	"net"
	"testing"
	"time"
)

type Greeting struct {
	From string `cbor:"1,keyasint,omitempty"`
}

type Greeter struct {
	got chan string
}

func (g *Greeter) Hello(msg *Greeting) {
	g.got <- msg.From
}

// Not a handler: wrong arity.
func (g *Greeter) Ignored(a, b *Greeting) {}

// loopback builds a PubSub over unicast UDP on 127.0.0.1.
func loopback(t *testing.T) *PubSub {
	t.Helper()
	rc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	wc, err := net.DialUDP("udp", nil, rc.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { wc.Close() })
	return New(rc, wc)
}

func TestPublishListen(t *testing.T) {
	ps := loopback(t)
	g := &Greeter{got: make(chan string, 1)}
	if err := ps.Register(g); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ps.Listen(ctx) }()

	// Unknown services are dropped
	if err := ps.Publish("Nobody.Hello", &Greeting{From: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := ps.Publish("Greeter.Hello", &Greeting{From: "n1"}); err != nil {
		t.Fatal(err)
	}

	select {
	case from := <-g.got:
		if from != "n1" {
			t.Fatalf("got greeting from %q", from)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Listen returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not stop on cancel")
	}
}

func TestRegisterRejectsHandlerless(t *testing.T) {
	ps := loopback(t)
	defer ps.Close()
	type Empty struct{}
	if err := ps.Register(&Empty{}); err == nil {
		t.Fatal("expected an error for a type without handlers")
	}
}

func TestPublishTooLarge(t *testing.T) {
	ps := loopback(t)
	defer ps.Close()
	big := &Greeting{From: string(make([]byte, MaxMessageSize))}
	if err := ps.Publish("Greeter.Hello", big); err == nil {
		t.Fatal("expected an error for an oversized message")
	}
}
