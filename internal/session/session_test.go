package session

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRegisterRoundTrip(t *testing.T) {
	control := listenLoopback(t)
	client := listenLoopback(t)

	peers := make(chan Session, 1)
	reg := NewRegistrar(func(s Session) { peers <- s })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- reg.Serve(ctx, control) }()

	reply, err := Register(ctx, client, control.LocalAddr().(*net.UDPAddr), time.Second)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reply != RegistrationReply {
		t.Fatalf("reply = %q", reply)
	}

	select {
	case s := <-peers:
		if !s.Registered || s.ID == "" {
			t.Fatalf("session = %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("registration callback not called")
	}

	peer := reg.Peer()
	if peer == nil || peer.Port != client.LocalAddr().(*net.UDPAddr).Port {
		t.Fatalf("peer = %v, want %v", peer, client.LocalAddr())
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not stop on cancel")
	}
}

func TestLaterRegistrationReplacesPeer(t *testing.T) {
	control := listenLoopback(t)
	first := listenLoopback(t)
	second := listenLoopback(t)

	reg := NewRegistrar(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Serve(ctx, control)

	server := control.LocalAddr().(*net.UDPAddr)
	if _, err := Register(ctx, first, server, time.Second); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := Register(ctx, second, server, time.Second); err != nil {
		t.Fatalf("second Register: %v", err)
	}

	if got := reg.Peer().Port; got != second.LocalAddr().(*net.UDPAddr).Port {
		t.Fatalf("peer port = %d, want second client", got)
	}
	if reg.Count() != 2 {
		t.Fatalf("count = %d", reg.Count())
	}
}

func TestRegisterTimeout(t *testing.T) {
	silent := listenLoopback(t)
	client := listenLoopback(t)

	start := time.Now()
	_, err := Register(context.Background(), client, silent.LocalAddr().(*net.UDPAddr), 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took %v", elapsed)
	}
}

func TestRegisterCancelled(t *testing.T) {
	silent := listenLoopback(t)
	client := listenLoopback(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := Register(ctx, client, silent.LocalAddr().(*net.UDPAddr), 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestPeerNilBeforeRegistration(t *testing.T) {
	if NewRegistrar(nil).Peer() != nil {
		t.Fatal("peer before registration")
	}
}
