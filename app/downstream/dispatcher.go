package downstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-subscriptions/app/entity"
	"github.com/vibast-solutions/ms-go-subscriptions/app/factory"
	"github.com/vibast-solutions/ms-go-subscriptions/app/metrics"
)

type requestIDKey struct{}

// WithRequestID carries a request id through to downstream calls.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// Dispatcher runs invoice side effects in the background. Failures are logged and never
// reach the payment flow that triggered them.
type Dispatcher struct {
	renderer InvoiceRenderer
	notifier Notifier
	metrics  *metrics.Metrics
	timeout  time.Duration
	logger   logrus.FieldLogger
	wg       sync.WaitGroup
}

func NewDispatcher(renderer InvoiceRenderer, notifier Notifier, m *metrics.Metrics, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		renderer: renderer,
		notifier: notifier,
		metrics:  m,
		timeout:  timeout,
		logger:   factory.NewModuleLogger("subscriptions-downstream"),
	}
}

func (d *Dispatcher) InvoicePaid(ctx context.Context, sub *entity.Subscription, invoice *entity.Invoice) {
	if d == nil || invoice == nil {
		return
	}
	inv := *invoice
	subscriberID := inv.SubscriberID
	if sub != nil && subscriberID == "" {
		subscriberID = sub.SubscriberID
	}
	detached := context.WithoutCancel(ctx)

	if d.renderer != nil {
		d.spawn(detached, "renderer", inv.ID, func(ctx context.Context) error {
			return d.renderer.RenderInvoice(ctx, &inv)
		})
	}
	if d.notifier != nil {
		d.spawn(detached, "notifier", inv.ID, func(ctx context.Context) error {
			return d.notifier.NotifyInvoicePaid(ctx, subscriberID, inv.ID)
		})
	}
}

// Wait blocks until every dispatched side effect has finished.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

func (d *Dispatcher) spawn(parent context.Context, target string, invoiceID uint64, fn func(context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(parent, d.timeout)
		defer cancel()

		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
			d.metrics.ObserveDownstream(target, err)
			if err != nil {
				d.logger.WithError(err).
					WithField("target", target).
					WithField("invoice_id", invoiceID).
					Warn("Downstream side effect failed")
			}
		}()

		err = fn(ctx)
	}()
}
