package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"storefront/internal/models"
	"storefront/internal/store"
	"storefront/internal/util"
	"storefront/internal/vnpay"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CallbackStatus is the result of handling one gateway callback
type CallbackStatus string

const (
	CallbackConfirmed        CallbackStatus = "confirmed"
	CallbackAlreadyConfirmed CallbackStatus = "already_confirmed"
	CallbackDeclined         CallbackStatus = "declined"
	CallbackInvalidSignature CallbackStatus = "invalid_signature"
	CallbackInvalidAmount    CallbackStatus = "invalid_amount"
	CallbackOrderNotFound    CallbackStatus = "order_not_found"
	CallbackOrderCancelled   CallbackStatus = "order_cancelled"
	CallbackFailed           CallbackStatus = "failed"
)

// CallbackOutcome tells the transport layer where to send the customer
type CallbackOutcome struct {
	OrderID int64
	Status  CallbackStatus
}

// Paid reports whether the order is paid after this callback
func (o CallbackOutcome) Paid() bool {
	return o.Status == CallbackConfirmed || o.Status == CallbackAlreadyConfirmed
}

// PaymentService connects the VNPay gateway to the order lifecycle
type PaymentService struct {
	store     store.Repository
	gateway   *vnpay.Gateway
	lifecycle *OrderLifecycle
	logger    *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(store store.Repository, gateway *vnpay.Gateway, lifecycle *OrderLifecycle) *PaymentService {
	return &PaymentService{
		store:     store,
		gateway:   gateway,
		lifecycle: lifecycle,
		logger:    util.GetLogger(),
	}
}

// RedirectURL builds the gateway URL for the owner of a Pending VNPay order.
// Every call produces a fresh transaction reference so abandoned attempts can be retried.
func (ps *PaymentService) RedirectURL(ctx context.Context, orderID, userID int64, clientIP string) (string, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.RedirectURL", attribute.Int64("order_id", orderID))
	var err error
	defer func() { util.EndSpan(span, err) }()

	order, err := ps.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return "", err
	}
	if order.UserID != userID {
		err = fmt.Errorf("%w: order %d belongs to another user", models.ErrForbidden, orderID)
		return "", err
	}
	if order.Status != models.OrderStatusPending {
		err = fmt.Errorf("%w: order %d is %s", models.ErrInvalidState, orderID, order.Status)
		return "", err
	}

	payment, err := ps.store.GetPaymentByOrderID(ctx, orderID)
	if err != nil {
		return "", err
	}
	if payment.PaymentMethod != models.PaymentMethodVNPay {
		err = fmt.Errorf("%w: order %d is paid by %s", models.ErrInvalidArgument, orderID, payment.PaymentMethod)
		return "", err
	}

	redirect, err := ps.gateway.BuildRedirectURL(vnpay.PaymentRequest{
		OrderID:  orderID,
		Amount:   payment.Amount,
		ClientIP: clientIP,
	})
	if err != nil {
		return "", err
	}

	util.PaymentRedirectsTotal.Inc()
	ps.logger.Info("Payment redirect issued",
		zap.Int64("order_id", orderID),
		zap.String("amount", payment.Amount.String()))
	return redirect, nil
}

// HandleCallback verifies a gateway callback and, if it is an authentic
// successful payment for the stored amount, marks the order Paid. Delivering
// the same callback again is harmless.
func (ps *PaymentService) HandleCallback(ctx context.Context, params url.Values) CallbackOutcome {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandleCallback")
	defer span.End()

	outcome := ps.handleCallback(ctx, params)
	span.SetAttributes(
		attribute.Int64("order_id", outcome.OrderID),
		attribute.String("outcome", string(outcome.Status)))
	util.PaymentCallbacksTotal.WithLabelValues(string(outcome.Status)).Inc()
	return outcome
}

func (ps *PaymentService) handleCallback(ctx context.Context, params url.Values) CallbackOutcome {
	res := ps.gateway.ParseCallback(params)
	out := CallbackOutcome{OrderID: res.OrderID}

	if !res.SignatureValid {
		ps.logger.Warn("Payment callback signature mismatch",
			zap.String("txn_ref", res.TxnRef),
			zap.Error(models.ErrSignatureInvalid))
		out.Status = CallbackInvalidSignature
		return out
	}
	if res.OrderID == 0 {
		ps.logger.Warn("Payment callback without usable transaction reference", zap.String("txn_ref", res.TxnRef))
		out.Status = CallbackOrderNotFound
		return out
	}

	payment, err := ps.store.GetPaymentByOrderID(ctx, res.OrderID)
	if errors.Is(err, models.ErrNotFound) {
		out.Status = CallbackOrderNotFound
		return out
	}
	if err != nil {
		ps.logger.Error("Failed to load payment for callback", zap.Int64("order_id", res.OrderID), zap.Error(err))
		out.Status = CallbackFailed
		return out
	}

	if !res.Amount.Equal(payment.Amount) {
		ps.logger.Warn("Payment callback amount mismatch",
			zap.Int64("order_id", res.OrderID),
			zap.String("expected", payment.Amount.String()),
			zap.String("received", res.Amount.String()))
		out.Status = CallbackInvalidAmount
		return out
	}

	if !res.Success() {
		ps.logger.Info("Payment declined by gateway",
			zap.Int64("order_id", res.OrderID),
			zap.String("response_code", res.ResponseCode),
			zap.String("transaction_status", res.TransactionStatus))
		out.Status = CallbackDeclined
		return out
	}

	applied, err := ps.lifecycle.settle(ctx, res.OrderID, models.OrderStatusPaid, res.TransactionNo)
	if err != nil {
		// The customer has paid but the order could not be settled (e.g. stock ran
		// out). The order stays Pending for manual follow-up.
		ps.logger.Error("Paid callback could not settle order",
			zap.Int64("order_id", res.OrderID),
			zap.String("transaction_no", res.TransactionNo),
			zap.Error(err))
		out.Status = CallbackFailed
		return out
	}
	if !applied {
		order, err := ps.store.GetOrderByID(ctx, res.OrderID)
		if err == nil && order.Status == models.OrderStatusCancelled {
			ps.logger.Error("Payment received for cancelled order, refund required",
				zap.Int64("order_id", res.OrderID),
				zap.String("transaction_no", res.TransactionNo),
				zap.String("amount", res.Amount.String()))
			out.Status = CallbackOrderCancelled
			return out
		}
		out.Status = CallbackAlreadyConfirmed
		return out
	}

	ps.logger.Info("Payment confirmed",
		zap.Int64("order_id", res.OrderID),
		zap.String("transaction_no", res.TransactionNo),
		zap.String("bank_code", res.BankCode))
	out.Status = CallbackConfirmed
	return out
}
