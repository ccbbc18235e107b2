// Package session coordinates payloads, the code registry and pylons for the
// generate-code, send and receive operations.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pylon/internal/cryptographic/kdf"
	"pylon/internal/metrics"
	"pylon/internal/model"
	"pylon/internal/pylon"
	"pylon/internal/receipt"
	"pylon/internal/registry"
	"pylon/internal/rendezvous"
	"pylon/internal/utils/log"
)

const auditTimeout = 5 * time.Second

// ErrClosed is returned by Send once the controller is shutting down.
var ErrClosed = errors.New("session controller closed")

type (
	// AuditLog records transfer metadata. *transfer.TransferRepo implements it.
	AuditLog interface {
		Insert(ctx context.Context, t *model.Transfer) error
		ListByFingerprint(ctx context.Context, fingerprint string) ([]*model.Transfer, error)
	}

	Options struct {
		// Async makes Send return as soon as the payload is handed to the
		// channel; the outcome is only visible through Status.
		Async           bool
		FingerprintSalt []byte
		Receipts        receipt.Store
		Audit           AuditLog
		Metrics         *metrics.Metrics
	}

	Controller struct {
		svc      rendezvous.Service
		registry *registry.Registry
		receipts receipt.Store
		audit    AuditLog
		metrics  *metrics.Metrics
		async    bool
		salt     []byte
		nowFn    func() time.Time

		// ctx bounds detached sends; it ends with Close.
		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup

		// closeMu orders wg.Add in Send before wg.Wait in Close.
		closeMu sync.RWMutex
		closed  bool
	}

	nopAudit struct{}
)

func (nopAudit) Insert(context.Context, *model.Transfer) error { return nil }

func (nopAudit) ListByFingerprint(context.Context, string) ([]*model.Transfer, error) {
	return nil, nil
}

func NewController(svc rendezvous.Service, reg *registry.Registry, opts Options) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		svc:      svc,
		registry: reg,
		receipts: opts.Receipts,
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		async:    opts.Async,
		salt:     opts.FingerprintSalt,
		nowFn:    time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	if c.receipts == nil {
		c.receipts = receipt.NewMemoryStore(time.Hour)
	}
	if c.audit == nil {
		c.audit = nopAudit{}
	}
	return c
}

// GenerateCode opens an initiator session and registers it under its code.
func (c *Controller) GenerateCode(ctx context.Context) (string, error) {
	p, err := pylon.NewInitiator(ctx, c.svc)
	if err != nil {
		log.Error("generate code failed", zap.Error(err))
		if errors.Is(err, pylon.ErrCodeGeneration) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", pylon.ErrCodeGeneration, err)
	}

	code := p.Code()
	c.registry.Register(code, p)
	if c.metrics != nil {
		c.metrics.CodesGenerated.Inc()
	}
	log.Debug("code generated", zap.String("fingerprint", c.fingerprint(code)))
	return code, nil
}

// Send delivers payload to the initiator session registered for its code. The
// returned payload carries the derived length, checksum and send time.
func (c *Controller) Send(ctx context.Context, payload *model.Payload) (*model.Payload, error) {
	if payload == nil {
		return nil, pylon.ErrEmptyPayload
	}
	if payload.Code == "" {
		return nil, pylon.ErrMissingCode
	}

	if !c.track() {
		return nil, ErrClosed
	}

	p, ok := c.registry.Take(payload.Code)
	if !ok {
		c.wg.Done()
		c.countSend("unknown_code")
		return nil, pylon.ErrUnknownCode
	}

	out := payload.Clone()
	out.Derive()
	out.Stamp(c.nowFn())

	key := c.fingerprint(out.Code)
	c.putReceipt(key, out, model.ReceiptPending, nil)

	done := make(chan error, 1)
	go func() {
		defer c.wg.Done()
		_, err := p.Activate(c.ctx, out)
		c.finishSend(key, out, err)
		done <- err
	}()

	if c.async {
		return out.Clone(), nil
	}

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return out.Clone(), nil
	case <-ctx.Done():
		log.Info("send detached from request", zap.String("fingerprint", key), zap.Error(ctx.Err()))
		return nil, ctx.Err()
	}
}

// Receive joins the session for code and waits for its payload.
func (c *Controller) Receive(ctx context.Context, code string) (*model.Payload, error) {
	r, err := pylon.NewResponder(ctx, c.svc, code)
	if err != nil {
		if errors.Is(err, pylon.ErrMissingCode) {
			c.countReceive("missing_code")
		} else {
			c.countReceive("connection_error")
		}
		return nil, err
	}

	payload, err := r.Activate(ctx, nil)
	if err != nil {
		c.countReceive("receive_error")
		c.record(model.DirectionReceive, code, nil, err)
		return nil, err
	}
	if payload == nil {
		c.countReceive("empty")
		return nil, pylon.ErrEmptyPayload
	}

	c.countReceive("ok")
	c.record(model.DirectionReceive, code, payload, nil)
	return payload, nil
}

// Status reports the delivery receipt of the last send for code.
func (c *Controller) Status(ctx context.Context, code string) (*model.Receipt, error) {
	if code == "" {
		return nil, pylon.ErrMissingCode
	}

	r, err := c.receipts.Get(ctx, c.fingerprint(code))
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, pylon.ErrUnknownCode
	}
	return r, nil
}

// History lists the audit records for code, newest first.
func (c *Controller) History(ctx context.Context, code string) ([]*model.Transfer, error) {
	if code == "" {
		return nil, pylon.ErrMissingCode
	}

	transfers, err := c.audit.ListByFingerprint(ctx, c.fingerprint(code))
	if err != nil {
		log.Warn("list transfers failed", zap.Error(err))
		return nil, err
	}
	if transfers == nil {
		transfers = []*model.Transfer{}
	}
	return transfers, nil
}

// Pending is the number of codes waiting for a payload.
func (c *Controller) Pending() int {
	return c.registry.Len()
}

// Close aborts detached sends and releases every registered session.
// track registers a detached send with Close. It reports false once the
// controller is closed.
func (c *Controller) track() bool {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

func (c *Controller) Close() {
	c.closeMu.Lock()
	c.closed = true
	c.closeMu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.registry.Close()
}

func (c *Controller) finishSend(key string, payload *model.Payload, err error) {
	if err != nil {
		log.Error("send failed", zap.String("fingerprint", key), zap.Error(err))
		c.countSend("failed")
		c.putReceipt(key, payload, model.ReceiptFailed, err)
	} else {
		log.Info("payload sent", zap.String("fingerprint", key), zap.Stringer("payload", payload))
		c.countSend("ok")
		c.putReceipt(key, payload, model.ReceiptSent, nil)
	}
	c.record(model.DirectionSend, payload.Code, payload, err)
}

func (c *Controller) putReceipt(key string, payload *model.Payload, status model.ReceiptStatus, cause error) {
	r := &model.Receipt{
		Status:    status,
		Length:    payload.Length,
		Checksum:  payload.Checksum,
		UpdatedAt: c.nowFn().UTC(),
	}
	if cause != nil {
		r.Error = cause.Error()
	}

	// receipts must survive the request that triggered them
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := c.receipts.Put(ctx, key, r); err != nil {
		log.Warn("store receipt failed", zap.String("fingerprint", key), zap.Error(err))
	}
}

func (c *Controller) record(dir model.Direction, code string, payload *model.Payload, cause error) {
	t := &model.Transfer{
		ID:          uuid.NewString(),
		Direction:   dir,
		Fingerprint: c.fingerprint(code),
		Outcome:     "ok",
		At:          c.nowFn().UTC(),
	}
	if payload != nil {
		t.Length = payload.Length
		t.Checksum = payload.Checksum
	}
	if cause != nil {
		t.Outcome = cause.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := c.audit.Insert(ctx, t); err != nil {
		log.Warn("audit insert failed", zap.String("id", t.ID), zap.Error(err))
	}
}

func (c *Controller) fingerprint(code string) string {
	return kdf.Fingerprint(code, c.salt)
}

func (c *Controller) countSend(outcome string) {
	if c.metrics != nil {
		c.metrics.Sends.WithLabelValues(outcome).Inc()
	}
}

func (c *Controller) countReceive(outcome string) {
	if c.metrics != nil {
		c.metrics.Receives.WithLabelValues(outcome).Inc()
	}
}
