package crpc

import (
	"chunkfs/fserr"
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

type Args struct {
	A int `cbor:"1,keyasint,omitempty"`
	B int `cbor:"2,keyasint,omitempty"`
}

type Reply struct {
	Sum int `cbor:"1,keyasint,omitempty"`
}

type Arith struct {
	release chan struct{}
}

func (a *Arith) Add(ctx context.Context, args *Args, reply *Reply) error {
	reply.Sum = args.A + args.B
	return nil
}

func (a *Arith) Lookup(ctx context.Context, args *Args, reply *Reply) error {
	return fserr.NotFound.New("key %d", args.A)
}

func (a *Arith) Fail(ctx context.Context, args *Args, reply *Reply) error {
	return errors.New("boom")
}

func (a *Arith) Slow(ctx context.Context, args *Args, reply *Reply) error {
	<-a.release
	reply.Sum = args.A
	return nil
}

// NotRPC lacks a context and must not be registered.
func (a *Arith) NotRPC(args *Args, reply *Reply) error {
	return nil
}

func newPair(t *testing.T) (*Client, *Arith) {
	t.Helper()

	arith := &Arith{release: make(chan struct{})}
	srv := NewServer(nil)
	if err := srv.Register(arith); err != nil {
		t.Fatal(err)
	}
	if err := srv.Register(arith); err == nil {
		t.Fatal("duplicate registration should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	serverConn, clientConn := net.Pipe()
	go srv.ServeConn(ctx, serverConn)

	client := NewClient(clientConn)
	t.Cleanup(func() {
		cancel()
		client.Close()
	})
	return client, arith
}

func TestCall(t *testing.T) {
	client, _ := newPair(t)

	reply := &Reply{}
	if err := client.Call(context.Background(), "Arith.Add", &Args{A: 2, B: 3}, reply); err != nil {
		t.Fatal(err)
	}
	if reply.Sum != 5 {
		t.Fatalf("got %d, want 5", reply.Sum)
	}
}

func TestErrorClasses(t *testing.T) {
	client, _ := newPair(t)

	err := client.Call(context.Background(), "Arith.Lookup", &Args{A: 7}, &Reply{})
	if !fserr.NotFound.Has(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	var serr *ServerError
	if !errors.As(err, &serr) || serr.Code != CodeNotFound {
		t.Fatalf("expected a ServerError with the NotFound code, got %v", err)
	}

	err = client.Call(context.Background(), "Arith.Fail", &Args{}, &Reply{})
	if !fserr.IOFailure.Has(err) {
		t.Fatalf("unclassified server errors should be IOFailure, got %v", err)
	}

	// The connection survives failed calls
	reply := &Reply{}
	if err := client.Call(context.Background(), "Arith.Add", &Args{A: 1, B: 1}, reply); err != nil || reply.Sum != 2 {
		t.Fatalf("got %d, %v", reply.Sum, err)
	}
}

func TestCancelledCall(t *testing.T) {
	client, arith := newPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := client.Call(ctx, "Arith.Slow", &Args{A: 9}, &Reply{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a deadline error, got %v", err)
	}

	// The abandoned reply is discarded and the next call gets its own reply
	close(arith.release)
	reply := &Reply{}
	if err := client.Call(context.Background(), "Arith.Add", &Args{A: 4, B: 4}, reply); err != nil || reply.Sum != 8 {
		t.Fatalf("got %d, %v", reply.Sum, err)
	}
}

func TestUnknownMethodDropsConnection(t *testing.T) {
	client, _ := newPair(t)

	if err := client.Call(context.Background(), "Arith.NotRPC", &Args{}, &Reply{}); err == nil {
		t.Fatal("expected an error")
	}
	if err := client.Call(context.Background(), "Arith.Add", &Args{}, &Reply{}); err == nil {
		t.Fatal("the connection should be gone")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(l)
	if err := srv.Register(&Arith{}); err != nil {
		t.Fatal(err)
	}

	addrs := srv.Addr()
	if len(addrs) != 1 || addrs[0].String() != l.Addr().String() {
		t.Fatalf("unexpected addresses %v", addrs)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	client, err := Dial(context.Background(), "tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	reply := &Reply{}
	if err := client.Call(context.Background(), "Arith.Add", &Args{A: 1, B: 2}, reply); err != nil || reply.Sum != 3 {
		t.Fatalf("got %d, %v", reply.Sum, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop")
	}
	client.Close()
}
