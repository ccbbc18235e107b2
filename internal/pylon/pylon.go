// Package pylon implements the one-shot channel handle. A Pylon is either an
// Initiator waiting for a peer or a Responder holding a completed channel,
// and is consumed by its single Activate call.
package pylon

import (
	"context"
	"errors"
	"sync/atomic"

	"pylon/internal/model"
	"pylon/internal/rendezvous"
)

type (
	Mode int

	Pylon interface {
		// Activate sends (Initiator) or receives (Responder) exactly one
		// payload. It may be called once.
		Activate(ctx context.Context, payload *model.Payload) (*model.Payload, error)
		pylon()
	}

	// Initiator is a half-open session with the code the service allocated.
	Initiator struct {
		code    string
		pending atomic.Pointer[rendezvous.Pending]
	}

	// Responder is a completed session. The code it was joined with is not kept.
	Responder struct {
		conn atomic.Pointer[rendezvous.Conn]
	}
)

const (
	ModeInitiator Mode = iota
	ModeResponder
)

func (m Mode) String() string {
	switch m {
	case ModeInitiator:
		return "initiator"
	case ModeResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// New creates a Pylon for mode. The code is only used, and required, for
// ModeResponder.
func New(ctx context.Context, svc rendezvous.Service, mode Mode, code string) (Pylon, error) {
	switch mode {
	case ModeInitiator:
		p, err := NewInitiator(ctx, svc)
		if err != nil {
			return nil, err
		}
		return p, nil
	case ModeResponder:
		p, err := NewResponder(ctx, svc, code)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, errors.New("unknown pylon mode")
	}
}

func NewInitiator(ctx context.Context, svc rendezvous.Service) (*Initiator, error) {
	pending, err := svc.BeginInitiator(ctx)
	if err != nil {
		return nil, connectionError("begin initiator handshake", err)
	}

	code := pending.Code()
	if code == "" {
		_ = pending.Close()
		return nil, ErrCodeGeneration
	}

	p := &Initiator{code: code}
	p.pending.Store(&pending)
	return p, nil
}

// NewResponder blocks until the handshake for code has completed.
func NewResponder(ctx context.Context, svc rendezvous.Service, code string) (*Responder, error) {
	if code == "" {
		return nil, ErrMissingCode
	}

	conn, err := svc.CompleteResponder(ctx, code)
	if err != nil {
		return nil, connectionError("complete responder handshake", err)
	}

	p := &Responder{}
	p.conn.Store(&conn)
	return p, nil
}

func (p *Initiator) Code() string {
	return p.code
}

// Activate waits for the responder and writes payload to the channel.
func (p *Initiator) Activate(ctx context.Context, payload *model.Payload) (*model.Payload, error) {
	pp := p.pending.Swap(nil)
	if pp == nil {
		return nil, ErrConsumed
	}
	pending := *pp

	if payload == nil {
		_ = pending.Close()
		return nil, ErrEmptyPayload
	}

	data, err := model.MarshalPayload(payload)
	if err != nil {
		_ = pending.Close()
		return nil, err
	}

	conn, err := pending.Wait(ctx)
	if err != nil {
		_ = pending.Close()
		return nil, connectionError("await peer", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(ctx, data); err != nil {
		return nil, connectionError("write payload", err)
	}
	return nil, nil
}

// Close releases an initiator that will never be activated.
func (p *Initiator) Close() error {
	pp := p.pending.Swap(nil)
	if pp == nil {
		return nil
	}
	return (*pp).Close()
}

// Activate reads one payload from the channel. The payload argument is ignored.
func (p *Responder) Activate(ctx context.Context, _ *model.Payload) (*model.Payload, error) {
	cp := p.conn.Swap(nil)
	if cp == nil {
		return nil, ErrConsumed
	}
	conn := *cp
	defer conn.Close()

	data, err := conn.ReadMessage(ctx)
	if err != nil {
		return nil, receiveError(err)
	}

	payload, err := model.UnmarshalPayload(data)
	if err != nil {
		return nil, receiveError(err)
	}
	return payload, nil
}

func (*Initiator) pylon() {}
func (*Responder) pylon() {}
