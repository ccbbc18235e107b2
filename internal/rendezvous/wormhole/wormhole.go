// Package wormhole connects to a magic-wormhole mailbox server. Key exchange,
// encryption and relaying are done by wormhole-william.
package wormhole

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	wr "github.com/psanford/wormhole-william/rendezvous"
	"github.com/psanford/wormhole-william/wordlist"
	wh "github.com/psanford/wormhole-william/wormhole"

	"pylon/internal/rendezvous"
)

type (
	Service struct {
		client *wh.Client
		words  int
	}

	// transferTypeError is returned when the peer offers a file or directory
	// instead of a text message.
	transferTypeError struct {
		t wh.TransferType
	}

	// pending holds a code on a nameplate that was free when it was listed.
	// The mailbox is claimed once the payload is written, so the handshake and
	// the transfer happen together.
	pending struct {
		svc  *Service
		code string

		mu     sync.Mutex
		closed bool
	}

	// sendConn runs the sender side of a text transfer on WriteMessage.
	sendConn struct {
		svc  *Service
		code string
	}

	// recvConn wraps an incoming text transfer.
	recvConn struct {
		msg *wh.IncomingMessage
	}
)

var _ rendezvous.Service = (*Service)(nil)

func New(cfg rendezvous.Config) *Service {
	url := cfg.URL
	if url == "" {
		url = wh.DefaultRendezvousURL
	}
	words := cfg.CodeLength
	if words < 1 {
		words = 2
	}
	return &Service{
		client: &wh.Client{
			AppID:                     cfg.AppID,
			RendezvousURL:             url,
			PassPhraseComponentLength: words,
		},
		words: words,
	}
}

// BeginInitiator asks the mailbox server which nameplates are live and
// allocates the lowest free one. The nameplate is claimed once the payload is
// written.
func (s *Service) BeginInitiator(ctx context.Context) (rendezvous.Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	side, err := randSide()
	if err != nil {
		return nil, err
	}

	rc := wr.NewClient(s.client.RendezvousURL, side, s.client.AppID)
	if _, err := rc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect mailbox server: %w", err)
	}
	live, err := rc.ListNameplates(ctx)
	_ = rc.Close(ctx, wr.Happy)
	if err != nil {
		return nil, fmt.Errorf("list nameplates: %w", err)
	}

	code := fmt.Sprintf("%d-%s", freeNameplate(live), wordlist.ChooseWords(s.words))
	return &pending{svc: s, code: code}, nil
}

func (s *Service) CompleteResponder(ctx context.Context, code string) (rendezvous.Conn, error) {
	msg, err := s.client.Receive(ctx, code)
	if err != nil {
		return nil, err
	}
	if msg.Type != wh.TransferText {
		_ = msg.Reject()
		return nil, &transferTypeError{t: msg.Type}
	}
	return &recvConn{msg: msg}, nil
}

func (e *transferTypeError) Error() string {
	return fmt.Sprintf("unexpected transfer type %v", e.t)
}

// freeNameplate returns the lowest positive nameplate not in live.
func freeNameplate(live []string) int {
	taken := make(map[int]struct{}, len(live))
	for _, id := range live {
		if n, err := strconv.Atoi(id); err == nil {
			taken[n] = struct{}{}
		}
	}
	n := 1
	for {
		if _, ok := taken[n]; !ok {
			return n
		}
		n++
	}
}

func randSide() (string, error) {
	buf := make([]byte, 5)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("side id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (p *pending) Code() string {
	return p.code
}

func (p *pending) Wait(ctx context.Context) (rendezvous.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, rendezvous.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.closed = true
	return &sendConn{svc: p.svc, code: p.code}, nil
}

func (p *pending) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// WriteMessage claims the mailbox, waits for the receiver and sends data as a
// text message. It returns once the receiver acknowledged it.
func (c *sendConn) WriteMessage(ctx context.Context, data []byte) error {
	_, status, err := c.svc.client.SendText(ctx, string(data), wh.WithCode(c.code))
	if err != nil {
		return err
	}

	select {
	case res, ok := <-status:
		if !ok {
			return errors.New("send status channel closed")
		}
		if res.Error != nil {
			return res.Error
		}
		if !res.OK {
			return errors.New("transfer not acknowledged")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *sendConn) ReadMessage(context.Context) ([]byte, error) {
	return nil, errors.New("initiator side cannot read")
}

func (c *sendConn) Close() error {
	return nil
}

func (c *recvConn) WriteMessage(context.Context, []byte) error {
	return errors.New("responder side cannot write")
}

func (c *recvConn) ReadMessage(ctx context.Context) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	done := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(c.msg)
		done <- result{data, err}
	}()

	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *recvConn) Close() error {
	return nil
}
