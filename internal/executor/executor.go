// Package executor runs an admitted capture and records it in the usage ledger.
// Only successful captures are counted against quota; failures are logged to
// the request log and nothing else.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/HanTheDev/capture-gateway/internal/apperr"
	"github.com/HanTheDev/capture-gateway/internal/auth"
	"github.com/HanTheDev/capture-gateway/internal/capture"
	"github.com/HanTheDev/capture-gateway/internal/metrics"
	"github.com/HanTheDev/capture-gateway/internal/models"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

type Ledger interface {
	AppendLog(ctx context.Context, entry *models.RequestLogEntry) error
	RecordCapture(ctx context.Context, key models.UsageKey, entry *models.RequestLogEntry) error
}

type Executor struct {
	renderer capture.Renderer
	ledger   Ledger
	timeout  time.Duration
	log      *zap.Logger
	now      func() time.Time
}

func New(renderer capture.Renderer, ledger Ledger, timeout time.Duration, log *zap.Logger) *Executor {
	return &Executor{renderer: renderer, ledger: ledger, timeout: timeout, log: log, now: time.Now}
}

// Execute renders p for the identity in key. The returned error is always an
// *apperr.Error. A ledger failure after a successful render is logged and the
// bytes are still returned.
func (e *Executor) Execute(ctx context.Context, key models.UsageKey, p capture.Params) ([]byte, error) {
	start := e.now()

	renderCtx, cancel := context.WithTimeout(ctx, e.timeout)
	out, err := e.render(renderCtx, p)
	cancel()

	elapsed := e.now().Sub(start)
	metrics.CaptureDuration.WithLabelValues(string(p.Format)).Observe(elapsed.Seconds())

	entry := &models.RequestLogEntry{
		ID:         ulid.Make().String(),
		Credential: key.Credential,
		IP:         key.IP,
		Target:     p.URL,
		Format:     string(p.Format),
		DurationMs: elapsed.Milliseconds(),
		CreatedAt:  start.UTC(),
	}

	// The caller may have gone away; the ledger write still has to land.
	writeCtx := context.WithoutCancel(ctx)

	if err != nil {
		metrics.CapturesTotal.WithLabelValues(string(p.Format), "failure").Inc()
		entry.Status = models.StatusFailure
		if lerr := e.ledger.AppendLog(writeCtx, entry); lerr != nil {
			metrics.LedgerWriteFailures.Inc()
			e.log.Error("failed to append request log", zap.String("id", entry.ID), zap.Error(lerr))
		}
		return nil, e.classify(err, p)
	}

	metrics.CapturesTotal.WithLabelValues(string(p.Format), "success").Inc()
	entry.Status = models.StatusSuccess
	if lerr := e.ledger.RecordCapture(writeCtx, key, entry); lerr != nil {
		metrics.LedgerWriteFailures.Inc()
		e.log.Error("capture succeeded but consumption was not recorded",
			zap.String("credential", auth.Redact(key.Credential)),
			zap.String("ip", key.IP),
			zap.String("day", key.Day),
			zap.Error(lerr))
	}
	return out, nil
}

func (e *Executor) render(ctx context.Context, p capture.Params) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("renderer panicked", zap.Any("panic", r), zap.Stack("stack"))
			out, err = nil, errors.New("renderer panicked")
		}
	}()
	out, err = e.renderer.Render(ctx, p)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, capture.ErrTimeout
	}
	return out, err
}

func (e *Executor) classify(err error, p capture.Params) *apperr.Error {
	switch {
	case errors.Is(err, capture.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return apperr.Timeout(err)
	case errors.Is(err, capture.ErrTargetUnreachable):
		return apperr.Upstream("Could not reach the target URL.", err)
	case errors.Is(err, capture.ErrElementNotFound):
		return apperr.Upstream("Element not found: "+p.Selector, err)
	case errors.Is(err, capture.ErrInvalidTarget):
		return apperr.Upstream("The target URL could not be captured.", err)
	default:
		return apperr.Upstream("Screenshot failed. Please try again.", err)
	}
}
