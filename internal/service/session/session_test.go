package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pylon/internal/model"
	"pylon/internal/pylon"
	"pylon/internal/receipt"
	"pylon/internal/registry"
	"pylon/internal/rendezvous"
	"pylon/internal/rendezvous/memory"
)

const helloWorldSHA256 = "64ec88ca00b268e5ba1a35678a1b5316d212f4f366b2477232534a8aeca37f3c"

type recordingAudit struct {
	mu        sync.Mutex
	transfers []*model.Transfer
}

func (a *recordingAudit) Insert(_ context.Context, t *model.Transfer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transfers = append(a.transfers, t)
	return nil
}

func (a *recordingAudit) ListByFingerprint(_ context.Context, fingerprint string) ([]*model.Transfer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*model.Transfer
	for i := len(a.transfers) - 1; i >= 0; i-- {
		if a.transfers[i].Fingerprint == fingerprint {
			out = append(out, a.transfers[i])
		}
	}
	return out, nil
}

func (a *recordingAudit) all() []*model.Transfer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*model.Transfer(nil), a.transfers...)
}

func newController(t *testing.T, opts Options) *Controller {
	t.Helper()
	relay := memory.New(rendezvous.Config{AppID: "test", CodeLength: 2})
	c := NewController(relay, registry.New(0), opts)
	t.Cleanup(c.Close)
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGenerateCodeRegisters(t *testing.T) {
	c := newController(t, Options{})

	code, err := c.GenerateCode(testContext(t))
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if code == "" {
		t.Fatalf("empty code")
	}
	if c.Pending() != 1 {
		t.Fatalf("Pending: got %d want 1", c.Pending())
	}
}

func TestSendReceiveHelloWorld(t *testing.T) {
	audit := &recordingAudit{}
	c := newController(t, Options{Audit: audit})
	ctx := testContext(t)

	code, err := c.GenerateCode(ctx)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}

	type result struct {
		payload *model.Payload
		err     error
	}
	sendCh := make(chan result, 1)
	go func() {
		p, err := c.Send(ctx, model.NewPayload("Hello world", code))
		sendCh <- result{p, err}
	}()

	got, err := c.Receive(ctx, code)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	sent := <-sendCh
	if sent.err != nil {
		t.Fatalf("Send: %v", sent.err)
	}

	if *sent.payload.Length != 11 || *sent.payload.Checksum != helloWorldSHA256 {
		t.Fatalf("echoed payload: %+v", sent.payload)
	}
	if sent.payload.Time == nil {
		t.Fatalf("echoed payload not stamped")
	}
	if *got.Message != "Hello world" || !got.Equal(sent.payload) {
		t.Fatalf("received %+v want %+v", got, sent.payload)
	}
	if !got.Time.Equal(*sent.payload.Time) {
		t.Fatalf("time: got %v want %v", got.Time, sent.payload.Time)
	}
	if c.Pending() != 0 {
		t.Fatalf("code still registered after send")
	}

	transfers := audit.all()
	if len(transfers) != 2 {
		t.Fatalf("audit records: got %d want 2", len(transfers))
	}
	for _, tr := range transfers {
		if strings.Contains(tr.Fingerprint, code) || tr.Fingerprint == "" {
			t.Fatalf("audit fingerprint leaks code: %q", tr.Fingerprint)
		}
		if tr.Outcome != "ok" {
			t.Fatalf("audit outcome: %q", tr.Outcome)
		}
	}
}

func TestSendUnknownCode(t *testing.T) {
	c := newController(t, Options{})

	_, err := c.Send(testContext(t), model.NewPayload("hi", "9-not-issued"))
	if !errors.Is(err, pylon.ErrUnknownCode) {
		t.Fatalf("got %v want ErrUnknownCode", err)
	}
	if !errors.Is(err, pylon.ErrEmptyPayload) {
		t.Fatalf("unknown code must be an empty payload error")
	}
}

func TestSendMissingCode(t *testing.T) {
	c := newController(t, Options{})
	if _, err := c.Send(testContext(t), model.NewPayload("hi", "")); !errors.Is(err, pylon.ErrMissingCode) {
		t.Fatalf("got %v want ErrMissingCode", err)
	}
	if _, err := c.Send(testContext(t), nil); !errors.Is(err, pylon.ErrEmptyPayload) {
		t.Fatalf("nil payload: got %v want ErrEmptyPayload", err)
	}
}

func TestReceiveMissingCode(t *testing.T) {
	c := newController(t, Options{})
	if _, err := c.Receive(testContext(t), ""); !errors.Is(err, pylon.ErrMissingCode) {
		t.Fatalf("got %v want ErrMissingCode", err)
	}
}

func TestEmptyMessagePassesThrough(t *testing.T) {
	c := newController(t, Options{})
	ctx := testContext(t)

	code, _ := c.GenerateCode(ctx)
	bogus := 5
	sendErr := make(chan error, 1)
	go func() {
		p, err := c.Send(ctx, &model.Payload{Code: code, Length: &bogus})
		if err == nil && (p.Length != nil || p.Checksum != nil) {
			t.Errorf("derived fields on empty message: %+v", p)
		}
		sendErr <- err
	}()

	got, err := c.Receive(ctx, code)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Message != nil || got.Length != nil || got.Checksum != nil {
		t.Fatalf("expected empty payload, got %+v", got)
	}
	if got.Code != code {
		t.Fatalf("code: got %q want %q", got.Code, code)
	}
}

func TestSendOverwritesCallerDerivedFields(t *testing.T) {
	c := newController(t, Options{Async: true})
	ctx := testContext(t)

	code, _ := c.GenerateCode(ctx)
	msg := "Hello world"
	n := 1
	sum := "nope"
	p, err := c.Send(ctx, &model.Payload{Message: &msg, Code: code, Length: &n, Checksum: &sum})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if *p.Length != 11 || *p.Checksum != helloWorldSHA256 {
		t.Fatalf("caller values not overwritten: %+v", p)
	}
}

func TestAsyncSendReceipt(t *testing.T) {
	c := newController(t, Options{Async: true})
	ctx := testContext(t)

	code, _ := c.GenerateCode(ctx)
	if _, err := c.Send(ctx, model.NewPayload("later", code)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	r, err := c.Status(ctx, code)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if r.Status != model.ReceiptPending {
		t.Fatalf("status before receive: got %q", r.Status)
	}

	got, err := c.Receive(ctx, code)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if *got.Message != "later" {
		t.Fatalf("message: got %q", *got.Message)
	}

	waitForStatus(t, c, code, model.ReceiptSent)
}

func TestSendSurvivesCanceledRequest(t *testing.T) {
	c := newController(t, Options{})
	ctx := testContext(t)
	code, _ := c.GenerateCode(ctx)

	reqCtx, cancel := context.WithCancel(ctx)
	sendErr := make(chan error, 1)
	go func() {
		_, err := c.Send(reqCtx, model.NewPayload("still delivered", code))
		sendErr <- err
	}()

	waitForStatus(t, c, code, model.ReceiptPending)
	cancel()
	if err := <-sendErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("Send after cancel: got %v", err)
	}

	got, err := c.Receive(ctx, code)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if *got.Message != "still delivered" {
		t.Fatalf("message: got %q", *got.Message)
	}
	waitForStatus(t, c, code, model.ReceiptSent)
}

func TestStatusUnknown(t *testing.T) {
	c := newController(t, Options{})
	if _, err := c.Status(testContext(t), "1-a-b"); !errors.Is(err, pylon.ErrUnknownCode) {
		t.Fatalf("got %v want ErrUnknownCode", err)
	}
}

func TestCloseReleasesPendingSends(t *testing.T) {
	relay := memory.New(rendezvous.Config{AppID: "test", CodeLength: 2})
	c := NewController(relay, registry.New(0), Options{Async: true})
	ctx := testContext(t)

	code, _ := c.GenerateCode(ctx)
	if _, err := c.Send(ctx, model.NewPayload("never read", code)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := c.GenerateCode(ctx); err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}

	c.Close()
	if relay.Sessions() != 0 {
		t.Fatalf("sessions left after Close: %d", relay.Sessions())
	}

	r, err := c.Status(ctx, code)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if r.Status != model.ReceiptFailed {
		t.Fatalf("status after Close: got %q", r.Status)
	}
}

func waitForStatus(t *testing.T, c *Controller, code string, want model.ReceiptStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		r, err := c.Status(context.Background(), code)
		if err == nil && r.Status == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("receipt never reached %q (last %+v, %v)", want, r, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type failingService struct{}

func (failingService) BeginInitiator(context.Context) (rendezvous.Pending, error) {
	return nil, errors.New("mailbox unreachable")
}

func (failingService) CompleteResponder(context.Context, string) (rendezvous.Conn, error) {
	return nil, errors.New("mailbox unreachable")
}

func TestGenerateCodeFailure(t *testing.T) {
	c := NewController(failingService{}, registry.New(0), Options{})
	defer c.Close()

	_, err := c.GenerateCode(testContext(t))
	if !errors.Is(err, pylon.ErrCodeGeneration) || !errors.Is(err, pylon.ErrConnection) {
		t.Fatalf("got %v want ErrCodeGeneration wrapping ErrConnection", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("failed generation registered a code")
	}

	if _, err := c.Receive(testContext(t), "1-a-b"); !errors.Is(err, pylon.ErrConnection) {
		t.Fatalf("Receive: got %v want ErrConnection", err)
	}
}

// rawReceipts keeps receipts the way a shared store would see them.
type rawReceipts struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (s *rawReceipts) Put(_ context.Context, key string, r *model.Receipt) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = make(map[string][]byte)
	}
	s.data[key] = b
	return nil
}

func (s *rawReceipts) Get(_ context.Context, key string) (*model.Receipt, error) {
	s.mu.Lock()
	b, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var r model.Receipt
	return &r, json.Unmarshal(b, &r)
}

func (s *rawReceipts) dump() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.data))
	for k, v := range s.data {
		out[k] = string(v)
	}
	return out
}

var _ receipt.Store = (*rawReceipts)(nil)

func TestPendingReceiptHidesCode(t *testing.T) {
	store := &rawReceipts{}
	c := newController(t, Options{Async: true, Receipts: store, FingerprintSalt: []byte("salt")})
	ctx := testContext(t)

	code, err := c.GenerateCode(ctx)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if _, err := c.Send(ctx, model.NewPayload("secret", code)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitForStatus(t, c, code, model.ReceiptPending)

	for key, value := range store.dump() {
		if strings.Contains(key, code) || strings.Contains(value, code) {
			t.Fatalf("receipt %q=%s holds the code", key, value)
		}
	}
}

func TestSendAfterClose(t *testing.T) {
	c := newController(t, Options{})
	ctx := testContext(t)

	code, err := c.GenerateCode(ctx)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	c.Close()

	if _, err := c.Send(ctx, model.NewPayload("late", code)); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v want ErrClosed", err)
	}
}

func TestSendDuringClose(t *testing.T) {
	c := newController(t, Options{Async: true})
	ctx := testContext(t)

	codes := make([]string, 8)
	for i := range codes {
		code, err := c.GenerateCode(ctx)
		if err != nil {
			t.Fatalf("GenerateCode: %v", err)
		}
		codes[i] = code
	}

	var wg sync.WaitGroup
	for _, code := range codes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Send(ctx, model.NewPayload("racing", code))
			if err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, pylon.ErrUnknownCode) {
				t.Errorf("Send: %v", err)
			}
		}()
	}
	c.Close()
	wg.Wait()
}

func TestHistory(t *testing.T) {
	audit := &recordingAudit{}
	c := newController(t, Options{Audit: audit})
	ctx := testContext(t)

	code, err := c.GenerateCode(ctx)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	sendErr := make(chan error, 1)
	go func() {
		_, err := c.Send(ctx, model.NewPayload("logged", code))
		sendErr <- err
	}()
	if _, err := c.Receive(ctx, code); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := c.History(ctx, code)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d transfers want 2", len(got))
	}
	for _, tr := range got {
		if tr.Fingerprint != c.fingerprint(code) || tr.Outcome != "ok" {
			t.Fatalf("transfer %+v", tr)
		}
	}

	other, err := c.History(ctx, "1-never-used")
	if err != nil || other == nil || len(other) != 0 {
		t.Fatalf("History of unused code: got %v, %v", other, err)
	}
	if _, err := c.History(ctx, ""); !errors.Is(err, pylon.ErrMissingCode) {
		t.Fatalf("got %v want ErrMissingCode", err)
	}
}
