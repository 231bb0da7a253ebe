package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/ucp-merchant/internal/apperr"
	"github.com/xenking/ucp-merchant/internal/domain/order"
	"github.com/xenking/ucp-merchant/internal/domain/payment"
	"github.com/xenking/ucp-merchant/internal/money"
)

// CompleteResult is the outcome of Complete.
//
// Order is nil when the provider requires buyer action; Intent.NextAction
// then says what to do before calling Complete again.
type CompleteResult struct {
	Session          *Session
	Order            *order.Order
	Intent           *payment.Intent
	AlreadyCompleted bool
}

// Complete charges the cart total and materializes the order.
//
// The session lock is held for the whole create, confirm, capture and
// persist sequence. A failure while confirming or capturing restores the
// session's previous status and returns *apperr.PaymentFailedError; no order
// is created. Calling Complete on a COMPLETED session returns the existing
// order with AlreadyCompleted set.
func (m *Manager) Complete(ctx context.Context, id, paymentMethod string) (res *CompleteResult, rerr error) {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "checkout.Complete", trace.WithAttributes(attribute.String("ucp.session_id", id)))
	defer func() {
		outcome := "completed"
		switch {
		case rerr != nil:
			outcome = "error"
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		case res != nil && res.AlreadyCompleted:
			outcome = "replayed"
		case res != nil && res.Order == nil:
			outcome = "requires_action"
		}
		m.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
		span.End()
	}()

	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch s.Status {
	case StatusCompleted:
		o, err := m.orders.Get(ctx, s.OrderID)
		if err != nil {
			return nil, errors.Wrap(err, "get existing order")
		}
		return &CompleteResult{Session: s, Order: o, AlreadyCompleted: true}, nil
	case StatusCancelled, StatusFailed, StatusProcessing:
		return nil, apperr.InvalidTransition("checkout session "+s.ID, s.Status, StatusProcessing)
	}

	s = s.Clone()
	if paymentMethod != "" {
		if err := (SetPaymentMethod{Method: paymentMethod}).apply(ctx, m, s); err != nil {
			return nil, err
		}
	}
	s.refreshReadiness()
	if s.Status != StatusReady {
		if err := m.store.Save(ctx, s); err != nil {
			return nil, errors.Wrap(err, "save session")
		}
		return nil, apperr.Validation("session", "%s", s.missingReason())
	}
	if err := s.Cart.Validate(); err != nil {
		return nil, err
	}
	amount := s.Cart.Total
	if !amount.IsPositive() {
		return nil, apperr.Validation("total", "must be positive to complete")
	}

	prev := s.Status
	s.Status = StatusProcessing
	s.UpdatedAt = m.now()
	if err := m.store.Save(ctx, s); err != nil {
		return nil, errors.Wrap(err, "save session")
	}

	lg := zctx.From(ctx).With(zap.String("session_id", s.ID))
	intent, err := m.charge(ctx, s, amount)
	if err != nil {
		m.restore(ctx, s, prev)
		var pf *apperr.PaymentFailedError
		if errors.As(err, &pf) {
			m.paymentFailures.Add(ctx, 1)
			lg.Warn("Payment failed",
				zap.String("intent_id", pf.IntentID),
				zap.String("decline_code", pf.DeclineCode),
				zap.String("message", pf.Message),
			)
		}
		return nil, err
	}
	if intent.Status == payment.StatusRequiresAction {
		m.restore(ctx, s, prev)
		lg.Info("Payment requires action", zap.String("intent_id", intent.ID))
		return &CompleteResult{Session: s, Intent: intent}, nil
	}

	o, err := m.materialize(ctx, s, intent)
	if err != nil {
		if errors.Is(err, order.ErrAlreadyExists) {
			existing, gerr := m.orders.GetBySession(ctx, s.ID)
			if gerr != nil {
				return nil, errors.Wrap(gerr, "get existing order")
			}
			return &CompleteResult{Session: s, Order: existing, Intent: intent, AlreadyCompleted: true}, nil
		}
		return nil, m.compensate(ctx, s, prev, intent, err)
	}

	m.completed.Add(ctx, 1)
	lg.Info("Checkout completed",
		zap.String("order_id", o.ID),
		zap.String("intent_id", intent.ID),
		zap.String("total", amount.String()),
	)
	m.afterComplete(ctx, o)
	return &CompleteResult{Session: s, Order: o, Intent: intent}, nil
}

// charge drives the payment intent to captured, resuming an earlier attempt
// when one exists.
func (m *Manager) charge(ctx context.Context, s *Session, amount money.Money) (*payment.Intent, error) {
	intent, err := m.resumeOrCreate(ctx, s, amount)
	if err != nil {
		return nil, paymentFailed(intent, err)
	}
	if s.PaymentIntentID != intent.ID {
		s.PaymentIntentID = intent.ID
		if err := m.store.Save(ctx, s); err != nil {
			return nil, errors.Wrap(err, "save session")
		}
	}

	if intent.Status == payment.StatusPending || intent.Status == payment.StatusRequiresAction {
		confirmed, err := m.call(ctx, intent.ID, func(ctx context.Context) (*payment.Intent, error) {
			return m.payments.ConfirmPayment(ctx, intent.ID, s.PaymentMethod)
		})
		if err != nil {
			return nil, paymentFailed(intent, err)
		}
		intent = confirmed
	}

	switch intent.Status {
	case payment.StatusRequiresAction:
		return intent, nil
	case payment.StatusAuthorized:
		captured, err := m.call(ctx, intent.ID, func(ctx context.Context) (*payment.Intent, error) {
			return m.payments.CapturePayment(ctx, intent.ID, nil)
		})
		if err != nil {
			return nil, paymentFailed(intent, err)
		}
		intent = captured
	}

	if intent.Status != payment.StatusCaptured {
		msg := intent.ErrorMessage
		if msg == "" {
			msg = "payment intent is " + intent.Status.String()
		}
		return nil, &apperr.PaymentFailedError{IntentID: intent.ID, DeclineCode: intent.DeclineCode, Message: msg}
	}
	return intent, nil
}

// resumeOrCreate returns an intent for amount. An earlier intent is reused
// unless it is terminal or was created for a different amount; a stale intent
// that can still be cancelled is voided. It only talks to the provider.
func (m *Manager) resumeOrCreate(ctx context.Context, s *Session, amount money.Money) (*payment.Intent, error) {
	if s.PaymentIntentID != "" {
		prev, err := m.call(ctx, s.PaymentIntentID, func(ctx context.Context) (*payment.Intent, error) {
			return m.payments.GetPaymentIntent(ctx, s.PaymentIntentID)
		})
		switch {
		case errors.Is(err, apperr.ErrNotFound):
		case err != nil:
			return nil, err
		case prev.Amount.Equal(amount) && !prev.Status.IsTerminal():
			return prev, nil
		case prev.Status == payment.StatusCaptured:
			if _, err := m.callNoReconcile(ctx, func(ctx context.Context) (*payment.Intent, error) {
				return m.payments.Refund(ctx, prev.ID, nil)
			}); err != nil {
				return nil, errors.Wrap(err, "refund stale payment intent")
			}
		case prev.Status.CanTransitionTo(payment.StatusCancelled):
			if _, err := m.callNoReconcile(ctx, func(ctx context.Context) (*payment.Intent, error) {
				return m.payments.CancelPayment(ctx, prev.ID)
			}); err != nil {
				zctx.From(ctx).Warn("Cancel stale payment intent", zap.String("intent_id", prev.ID), zap.Error(err))
			}
		}
	}

	var customerID string
	if s.Customer != nil {
		customerID = s.Customer.ID
	}
	params := payment.CreateParams{CheckoutSessionID: s.ID, Amount: amount, CustomerID: customerID}
	if key := payment.IdempotencyKey(ctx); key != "" {
		params.IdempotencyKey = key + ":create"
	}
	intent, err := m.callNoReconcile(ctx, func(ctx context.Context) (*payment.Intent, error) {
		return m.payments.CreatePaymentIntent(ctx, params)
	})
	if err != nil {
		return nil, err
	}
	return intent, nil
}

// call invokes a provider operation with the payment timeout. An ambiguous
// outcome is reconciled by reading the intent back instead of being treated
// as a failure.
func (m *Manager) call(ctx context.Context, intentID string, f func(ctx context.Context) (*payment.Intent, error)) (*payment.Intent, error) {
	intent, err := m.callNoReconcile(ctx, f)
	if err == nil || !errors.Is(err, payment.ErrAmbiguous) {
		return intent, err
	}
	zctx.From(ctx).Warn("Ambiguous payment outcome, reconciling", zap.String("intent_id", intentID), zap.Error(err))
	return m.callNoReconcile(ctx, func(ctx context.Context) (*payment.Intent, error) {
		return m.payments.GetPaymentIntent(ctx, intentID)
	})
}

func (m *Manager) callNoReconcile(ctx context.Context, f func(ctx context.Context) (*payment.Intent, error)) (*payment.Intent, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.paymentTimeout)
	defer cancel()
	return f(callCtx)
}

func paymentFailed(intent *payment.Intent, err error) error {
	var pf *apperr.PaymentFailedError
	if errors.As(err, &pf) {
		if pf.IntentID == "" && intent != nil {
			pf.IntentID = intent.ID
		}
		return pf
	}
	out := &apperr.PaymentFailedError{Message: err.Error(), Err: err}
	if intent != nil {
		out.IntentID = intent.ID
	}
	return out
}

// restore returns the session to its pre-transaction status.
func (m *Manager) restore(ctx context.Context, s *Session, prev Status) {
	s.Status = prev
	s.UpdatedAt = m.now()
	if err := m.store.Save(context.WithoutCancel(ctx), s); err != nil {
		zctx.From(ctx).Error("Restore session status", zap.String("session_id", s.ID), zap.Error(err))
	}
}

func (m *Manager) materialize(ctx context.Context, s *Session, intent *payment.Intent) (*order.Order, error) {
	o, err := order.New(order.Params{
		CheckoutSessionID: s.ID,
		MerchantID:        s.MerchantID,
		Cart:              s.Cart,
		Customer:          s.Customer,
		ShippingAddress:   s.ShippingAddress,
		BillingAddress:    s.BillingAddress,
		ShippingOption:    s.ShippingOption,
		Discounts:         s.AppliedDiscounts,
		Payment: order.Payment{
			IntentID:   intent.ID,
			Provider:   m.payments.Name(),
			Method:     s.PaymentMethod,
			Amount:     intent.CapturedAmount,
			Status:     intent.Status,
			CapturedAt: intent.CapturedAt,
		},
		Now: m.now(),
	})
	if err != nil {
		return nil, err
	}
	s.Status = StatusCompleted
	s.OrderID = o.ID
	s.UpdatedAt = m.now()
	if err := m.store.Complete(context.WithoutCancel(ctx), s, o); err != nil {
		s.OrderID = ""
		return nil, err
	}
	return o, nil
}

// compensate refunds a captured payment whose order could not be stored. If
// the refund fails too the session is marked FAILED for manual
// reconciliation.
func (m *Manager) compensate(ctx context.Context, s *Session, prev Status, intent *payment.Intent, cause error) error {
	lg := zctx.From(ctx).With(zap.String("session_id", s.ID), zap.String("intent_id", intent.ID))

	_, rerr := m.callNoReconcile(ctx, func(ctx context.Context) (*payment.Intent, error) {
		return m.payments.Refund(ctx, intent.ID, nil)
	})
	if rerr == nil {
		lg.Warn("Order persistence failed, payment refunded", zap.Error(cause))
		s.PaymentIntentID = ""
		m.restore(ctx, s, prev)
		return errors.Wrap(cause, "create order")
	}

	lg.Error("Order persistence and refund both failed, session needs manual reconciliation",
		zap.NamedError("cause", cause),
		zap.NamedError("refund_error", rerr),
	)
	s.FailureReason = "order persistence failed after capture; refund failed"
	m.restore(ctx, s, StatusFailed)
	return errors.Wrap(cause, "create order")
}

func (m *Manager) afterComplete(ctx context.Context, o *order.Order) {
	lg := zctx.From(ctx)
	if len(o.Discounts) > 0 {
		if err := m.discounts.Redeem(ctx, o.Discounts); err != nil {
			lg.Warn("Redeem discounts", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	if m.publisher != nil {
		if err := m.publisher.OrderCreated(ctx, o); err != nil {
			lg.Warn("Publish order created", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
}
