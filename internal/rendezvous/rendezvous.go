// Package rendezvous describes the external service that pairs two sides by a
// wormhole code, runs the key exchange and provides the encrypted channel.
package rendezvous

import (
	"context"
	"errors"
)

type (
	// Service allocates codes for initiators and joins responders to them.
	Service interface {
		// BeginInitiator allocates a code and returns the not yet completed
		// connection for it.
		BeginInitiator(ctx context.Context) (Pending, error)

		// CompleteResponder joins the session for code and returns once the
		// handshake with the initiator side is done.
		CompleteResponder(ctx context.Context, code string) (Conn, error)
	}

	// Pending is the initiator half of a session before a peer has joined.
	Pending interface {
		Code() string
		// Wait blocks until the handshake completes.
		Wait(ctx context.Context) (Conn, error)
		// Close releases the session without completing it.
		Close() error
	}

	// Conn is an established encrypted channel.
	Conn interface {
		WriteMessage(ctx context.Context, data []byte) error
		ReadMessage(ctx context.Context) ([]byte, error)
		Close() error
	}

	Config struct {
		AppID      string
		URL        string
		CodeLength int
	}
)

var (
	ErrUnknownCode = errors.New("no session for code")
	ErrClosed      = errors.New("session closed")
)
