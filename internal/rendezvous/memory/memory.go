// Package memory is an in-process rendezvous used for development and tests.
// Sessions pair inside one process; no key exchange takes place.
package memory

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"pylon/internal/rendezvous"
)

var words = []string{
	"adrift", "beaming", "cobalt", "dagger", "ember", "fossil", "glacier", "harbor",
	"indigo", "jigsaw", "kettle", "lantern", "meadow", "nebula", "orchid", "pylon",
	"quartz", "ripple", "saffron", "tundra", "umpire", "velvet", "walnut", "yonder",
}

type (
	Relay struct {
		cfg rendezvous.Config

		mu        sync.Mutex
		mailboxes map[string]*mailbox
	}

	// mailbox carries at most one message from initiator to responder.
	mailbox struct {
		code   string
		joined chan struct{}
		msg    chan []byte
		done   chan struct{}

		joinOnce  sync.Once
		closeOnce sync.Once
	}

	pending struct {
		relay *Relay
		box   *mailbox
	}

	conn struct {
		relay *Relay
		box   *mailbox
	}
)

var errClaimed = errors.New("code already claimed")

var _ rendezvous.Service = (*Relay)(nil)

func New(cfg rendezvous.Config) *Relay {
	if cfg.CodeLength < 1 {
		cfg.CodeLength = 2
	}
	return &Relay{
		cfg:       cfg,
		mailboxes: make(map[string]*mailbox),
	}
}

func (r *Relay) BeginInitiator(ctx context.Context) (rendezvous.Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var code string
	for {
		c, err := r.newCode()
		if err != nil {
			return nil, err
		}
		if _, ok := r.mailboxes[c]; !ok {
			code = c
			break
		}
	}

	box := &mailbox{
		code:   code,
		joined: make(chan struct{}),
		msg:    make(chan []byte, 1),
		done:   make(chan struct{}),
	}
	r.mailboxes[code] = box
	return &pending{relay: r, box: box}, nil
}

func (r *Relay) CompleteResponder(ctx context.Context, code string) (rendezvous.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	box, ok := r.mailboxes[code]
	r.mu.Unlock()
	if !ok {
		return nil, rendezvous.ErrUnknownCode
	}

	joinedNow := false
	box.joinOnce.Do(func() {
		close(box.joined)
		joinedNow = true
	})
	if !joinedNow {
		return nil, errClaimed
	}
	return &conn{relay: r, box: box}, nil
}

// Sessions returns the number of open mailboxes.
func (r *Relay) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mailboxes)
}

func (r *Relay) newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(999))
	if err != nil {
		return "", err
	}

	parts := []string{fmt.Sprint(n.Int64() + 1)}
	for i := 0; i < r.cfg.CodeLength; i++ {
		w, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
		if err != nil {
			return "", err
		}
		parts = append(parts, words[w.Int64()])
	}
	return strings.Join(parts, "-"), nil
}

func (r *Relay) release(box *mailbox) {
	box.closeOnce.Do(func() {
		close(box.done)
		r.mu.Lock()
		if r.mailboxes[box.code] == box {
			delete(r.mailboxes, box.code)
		}
		r.mu.Unlock()
	})
}

func (p *pending) Code() string {
	return p.box.code
}

func (p *pending) Wait(ctx context.Context) (rendezvous.Conn, error) {
	select {
	case <-p.box.done:
		return nil, rendezvous.ErrClosed
	default:
	}

	select {
	case <-p.box.joined:
		return &conn{relay: p.relay, box: p.box}, nil
	case <-p.box.done:
		return nil, rendezvous.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pending) Close() error {
	p.relay.release(p.box)
	return nil
}

func (c *conn) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-c.box.done:
		return rendezvous.ErrClosed
	default:
	}

	msg := append([]byte(nil), data...)
	select {
	case c.box.msg <- msg:
		return nil
	case <-c.box.done:
		return rendezvous.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.box.msg:
		return msg, nil
	default:
	}

	select {
	case msg := <-c.box.msg:
		return msg, nil
	case <-c.box.done:
		// a message written just before close is still delivered
		select {
		case msg := <-c.box.msg:
			return msg, nil
		default:
			return nil, rendezvous.ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close ends the session for both sides. An unread message stays readable.
func (c *conn) Close() error {
	c.relay.release(c.box)
	return nil
}
