package wormhole

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	wr "github.com/psanford/wormhole-william/rendezvous"
	"github.com/psanford/wormhole-william/rendezvous/rendezvousservertest"
	wh "github.com/psanford/wormhole-william/wormhole"

	"pylon/internal/rendezvous"
)

const testAppID = "pylon.test"

func newTestService(t *testing.T) (*Service, *rendezvousservertest.TestServer) {
	t.Helper()
	wh.DefaultTransitRelayAddress = ""
	rs := rendezvousservertest.NewServer()
	t.Cleanup(rs.Close)
	return New(rendezvous.Config{AppID: testAppID, URL: rs.WebSocketURL(), CodeLength: 2}), rs
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCodeFormat(t *testing.T) {
	svc, _ := newTestService(t)

	p, err := svc.BeginInitiator(testContext(t))
	if err != nil {
		t.Fatalf("BeginInitiator: %v", err)
	}
	defer p.Close()

	parts := strings.Split(p.Code(), "-")
	if len(parts) != 3 {
		t.Fatalf("code %q: want nameplate and two words", p.Code())
	}
	if parts[0] != "1" {
		t.Fatalf("nameplate %q on an empty server, want 1", parts[0])
	}
}

func TestBeginInitiatorSkipsLiveNameplate(t *testing.T) {
	svc, rs := newTestService(t)
	ctx := testContext(t)

	other := wr.NewClient(rs.WebSocketURL(), "0a0b0c0d0e", testAppID)
	if _, err := other.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer other.Close(ctx, wr.Happy)
	nameplate, err := other.CreateMailbox(ctx)
	if err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}

	p, err := svc.BeginInitiator(ctx)
	if err != nil {
		t.Fatalf("BeginInitiator: %v", err)
	}
	defer p.Close()

	if got := strings.SplitN(p.Code(), "-", 2)[0]; got == nameplate {
		t.Fatalf("allocated live nameplate %s", got)
	}
}

func TestBeginInitiatorUnreachable(t *testing.T) {
	svc := New(rendezvous.Config{AppID: testAppID, URL: "ws://127.0.0.1:1/v1", CodeLength: 2})

	if _, err := svc.BeginInitiator(testContext(t)); err == nil {
		t.Fatalf("BeginInitiator against a closed port succeeded")
	}
}

func TestBeginInitiatorCanceled(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.BeginInitiator(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v want context.Canceled", err)
	}
}

func TestWaitAfterClose(t *testing.T) {
	svc, _ := newTestService(t)

	p, err := svc.BeginInitiator(testContext(t))
	if err != nil {
		t.Fatalf("BeginInitiator: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := p.Wait(testContext(t)); !errors.Is(err, rendezvous.ErrClosed) {
		t.Fatalf("got %v want ErrClosed", err)
	}
}

func TestWaitCanceled(t *testing.T) {
	svc, _ := newTestService(t)

	p, err := svc.BeginInitiator(testContext(t))
	if err != nil {
		t.Fatalf("BeginInitiator: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v want context.Canceled", err)
	}
}

func TestRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := testContext(t)

	p, err := svc.BeginInitiator(ctx)
	if err != nil {
		t.Fatalf("BeginInitiator: %v", err)
	}
	conn, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	sent := make(chan error, 1)
	go func() {
		sent <- conn.WriteMessage(ctx, []byte(`{"message":"hello"}`))
	}()

	in, err := svc.CompleteResponder(ctx, p.Code())
	if err != nil {
		t.Fatalf("CompleteResponder: %v", err)
	}
	data, err := in.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(data) != `{"message":"hello"}` {
		t.Fatalf("got %q", data)
	}
	if err := <-sent; err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func TestFreeNameplate(t *testing.T) {
	tests := []struct {
		live []string
		want int
	}{
		{nil, 1},
		{[]string{"1"}, 2},
		{[]string{"2", "3"}, 1},
		{[]string{"1", "2", "4"}, 3},
		{[]string{"x", "1"}, 2},
	}
	for _, tt := range tests {
		if got := freeNameplate(tt.live); got != tt.want {
			t.Errorf("freeNameplate(%v) = %d want %d", tt.live, got, tt.want)
		}
	}
}
