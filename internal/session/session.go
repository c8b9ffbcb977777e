// Package session implements the one-shot registration handshake between a
// receiver and the sender's control port.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/logger"
)

const (
	RegistrationRequest = "Client registration"
	RegistrationReply   = "Registration successful"
	DefaultTimeout      = 5 * time.Second
)

// ErrTimeout is returned when the sender does not answer in time
var ErrTimeout = errors.New("session: registration timed out")

// Session is the registered peer of a sender
type Session struct {
	Peer       *net.UDPAddr
	Registered bool
	ID         string
	Since      time.Time
}

// Register announces conn's local address to the sender's control port and
// waits up to timeout for the confirmation, which is returned. The same conn
// then receives the video datagrams. There are no retries.
func Register(ctx context.Context, conn *net.UDPConn, server *net.UDPAddr, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if _, err := conn.WriteToUDP([]byte(RegistrationRequest), server); err != nil {
		return "", fmt.Errorf("send registration to %s: %w", server, err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return "", fmt.Errorf("set read deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	// Unblock the read on cancellation
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, 1024)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return "", fmt.Errorf("no reply from %s within %v: %w", server, timeout, ErrTimeout)
			}
			return "", fmt.Errorf("read registration reply: %w", err)
		}
		if !sameHost(from, server) {
			logger.Debug("Session", "Ignoring %d bytes from %s while registering", n, from)
			continue
		}
		return string(buf[:n]), nil
	}
}

// sameHost reports whether a reply came from the server we registered with.
// Unspecified server addresses accept any reply.
func sameHost(from, server *net.UDPAddr) bool {
	if server.IP == nil || server.IP.IsUnspecified() {
		return true
	}
	return from.IP.Equal(server.IP) && from.Port == server.Port
}

// Registrar answers registrations on the sender's control socket and keeps
// the single active peer. A later registration replaces the earlier one.
type Registrar struct {
	mu      sync.RWMutex
	current Session
	count   uint64
	onPeer  func(Session)
}

// NewRegistrar creates a Registrar. onPeer, if set, is called on every registration.
func NewRegistrar(onPeer func(Session)) *Registrar {
	return &Registrar{onPeer: onPeer}
}

// Serve handles registrations on conn until ctx is cancelled
func (r *Registrar) Serve(ctx context.Context, conn *net.UDPConn) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, 1024)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control socket read: %w", err)
		}

		// Peer is recorded before the reply so it is current once the client hears back
		r.register(from, string(buf[:n]))
		if _, err := conn.WriteToUDP([]byte(RegistrationReply), from); err != nil {
			logger.Warn("Session", "Reply to %s failed: %v", from, err)
		}
	}
}

func (r *Registrar) register(peer *net.UDPAddr, msg string) {
	s := Session{
		Peer:       peer,
		Registered: true,
		ID:         uuid.NewString(),
		Since:      time.Now(),
	}

	r.mu.Lock()
	prev := r.current
	r.current = s
	r.count++
	r.mu.Unlock()

	if prev.Registered && prev.Peer.String() != peer.String() {
		logger.Info("Session", "Peer %s replaces %s (session %s)", peer, prev.Peer, s.ID)
	} else {
		logger.Info("Session", "Registered %s (session %s): %q", peer, s.ID, msg)
	}
	if r.onPeer != nil {
		r.onPeer(s)
	}
}

// Peer returns the active peer, or nil before the first registration
func (r *Registrar) Peer() *net.UDPAddr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.current.Registered {
		return nil
	}
	return r.current.Peer
}

// Session returns the active session
func (r *Registrar) Session() Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Count returns the number of registrations handled
func (r *Registrar) Count() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
