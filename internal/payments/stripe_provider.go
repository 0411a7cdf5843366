package payments

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StripeProviderName is the registration key of the Stripe Checkout gateway.
const StripeProviderName = "stripe"

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripePaymentIntentAPI interface {
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	sessions stripeSessionAPI
	intents  stripePaymentIntentAPI
	refunds  stripeRefundAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey   string
	Currency string
	Backends *stripe.Backends
	Logger   ProviderLogger
	Clock    func() time.Time
	Clients  *stripeClients
}

// StripeProvider exposes Stripe Checkout as a redirect gateway. Payment intents are created with
// manual capture so that Settle maps onto a capture and Revert onto a cancellation.
type StripeProvider struct {
	api      stripeClients
	currency string
	clock    func() time.Time
	logger   ProviderLogger
}

var _ RedirectProvider = (*StripeProvider)(nil)

// NewStripeProvider constructs a Stripe provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			sessions: sc.CheckoutSessions,
			intents:  sc.PaymentIntents,
			refunds:  sc.Refunds,
		}
	}
	if clients.sessions == nil || clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger
	}
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "irr"
	}

	return &StripeProvider{
		api:      clients,
		currency: currency,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Name implements RedirectProvider.
func (p *StripeProvider) Name() string { return StripeProviderName }

// RequestPayment creates a Checkout session whose success and cancel URLs land on the shared
// payment callback with the session id as RefId.
func (p *StripeProvider) RequestPayment(ctx context.Context, req RedirectRequest) (RedirectSession, error) {
	ctx, span := tracer.Start(ctx, "stripe.checkout.create", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	if req.OrderID <= 0 || req.Amount <= 0 {
		err := &ProviderError{Provider: StripeProviderName, Op: "pay", Message: "order id and positive amount are required"}
		span.SetStatus(codes.Error, err.Error())
		return RedirectSession{}, err
	}
	successURL, err := stripeCallbackURL(req.CallbackURL, req.OrderID, MellatCodeSuccess)
	if err != nil {
		return RedirectSession{}, &ProviderError{Provider: StripeProviderName, Op: "pay", Message: "invalid callback url", Err: err}
	}
	cancelURL, _ := stripeCallbackURL(req.CallbackURL, req.OrderID, MellatCodeUserCancelled)

	orderID := strconv.FormatInt(req.OrderID, 10)
	metadata := map[string]string{
		"orderId":   orderID,
		"requestId": req.RequestID,
	}
	currency := strings.ToLower(defaultString(req.Currency, p.currency))
	name := req.Description
	if name == "" {
		name = "Order #" + orderID
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(orderID),
		Metadata:          metadata,
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(name),
				},
			},
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
			Metadata:      metadata,
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.RequestID); key != "" {
		params.SetIdempotencyKey(key)
	}

	session, err := p.api.sessions.New(params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return RedirectSession{}, stripeError("pay", err)
	}
	span.SetAttributes(attribute.String("payments.session_id", session.ID))

	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId": session.ID,
		"orderId":   req.OrderID,
		"requestId": req.RequestID,
	})

	return RedirectSession{
		Provider:    StripeProviderName,
		RefID:       session.ID,
		RedirectURL: session.URL,
		RequestID:   req.RequestID,
	}, nil
}

// Verify retrieves the session and checks it completed with an authorised payment for the order.
func (p *StripeProvider) Verify(ctx context.Context, req SettlementRequest) error {
	session, err := p.session(ctx, req)
	if err != nil {
		return err
	}
	if session.Status != stripe.CheckoutSessionStatusComplete {
		return &ProviderError{Provider: StripeProviderName, Op: "verify", Code: string(session.Status), Message: "checkout session is not complete"}
	}
	if ref := strings.TrimSpace(req.SaleOrderID); ref != "" && session.ClientReferenceID != "" && session.ClientReferenceID != ref {
		return &ProviderError{Provider: StripeProviderName, Op: "verify", Message: "checkout session belongs to another order"}
	}
	intent := session.PaymentIntent
	if intent == nil {
		return &ProviderError{Provider: StripeProviderName, Op: "verify", Message: "checkout session has no payment intent"}
	}
	switch intent.Status {
	case stripe.PaymentIntentStatusRequiresCapture, stripe.PaymentIntentStatusSucceeded:
	default:
		return &ProviderError{Provider: StripeProviderName, Op: "verify", Code: string(intent.Status), Message: "payment is not authorised"}
	}
	p.logger(ctx, "payments.stripe.session.verified", map[string]any{
		"sessionId":     session.ID,
		"paymentIntent": intent.ID,
		"status":        intent.Status,
	})
	return nil
}

// Settle captures the authorised payment intent. An already captured intent counts as settled.
func (p *StripeProvider) Settle(ctx context.Context, req SettlementRequest) error {
	intent, err := p.intent(ctx, req)
	if err != nil {
		return err
	}
	if intent.Status == stripe.PaymentIntentStatusSucceeded {
		return nil
	}
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey("capture-" + intent.ID)
	captured, err := p.api.intents.Capture(intent.ID, params)
	if err != nil {
		return stripeError("settle", err)
	}
	p.logger(ctx, "payments.stripe.intent.captured", map[string]any{
		"paymentIntent":  captured.ID,
		"amountReceived": captured.AmountReceived,
	})
	return nil
}

// Revert releases an uncaptured authorisation or refunds a captured payment.
func (p *StripeProvider) Revert(ctx context.Context, req SettlementRequest) error {
	intent, err := p.intent(ctx, req)
	if err != nil {
		return err
	}
	switch intent.Status {
	case stripe.PaymentIntentStatusCanceled:
		return nil
	case stripe.PaymentIntentStatusSucceeded:
		params := &stripe.RefundParams{PaymentIntent: stripe.String(intent.ID)}
		params.Context = ctx
		params.SetIdempotencyKey("refund-" + intent.ID)
		if _, err := p.api.refunds.New(params); err != nil {
			return stripeError("revert", err)
		}
		p.logger(ctx, "payments.stripe.intent.refunded", map[string]any{"paymentIntent": intent.ID})
	default:
		params := &stripe.PaymentIntentCancelParams{}
		params.Context = ctx
		if _, err := p.api.intents.Cancel(intent.ID, params); err != nil {
			return stripeError("revert", err)
		}
		p.logger(ctx, "payments.stripe.intent.cancelled", map[string]any{"paymentIntent": intent.ID})
	}
	return nil
}

func (p *StripeProvider) session(ctx context.Context, req SettlementRequest) (*stripe.CheckoutSession, error) {
	id := strings.TrimSpace(req.RefID)
	if id == "" {
		return nil, &ProviderError{Provider: StripeProviderName, Op: "lookup", Message: "checkout session id is required"}
	}
	ctx, span := tracer.Start(ctx, "stripe.checkout.get", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")
	session, err := p.api.sessions.Get(id, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, stripeError("lookup", err)
	}
	return session, nil
}

func (p *StripeProvider) intent(ctx context.Context, req SettlementRequest) (*stripe.PaymentIntent, error) {
	session, err := p.session(ctx, req)
	if err != nil {
		return nil, err
	}
	if session.PaymentIntent == nil || session.PaymentIntent.ID == "" {
		return nil, &ProviderError{Provider: StripeProviderName, Op: "lookup", Message: "checkout session has no payment intent"}
	}
	intent := session.PaymentIntent
	if intent.Status == "" {
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx
		fetched, err := p.api.intents.Get(intent.ID, params)
		if err != nil {
			return nil, stripeError("lookup", err)
		}
		intent = fetched
	}
	return intent, nil
}

func stripeCallbackURL(base string, orderID int64, resCode int) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("callback url %q must be absolute", base)
	}
	q := u.Query()
	q.Set("provider", StripeProviderName)
	q.Set("SaleOrderId", strconv.FormatInt(orderID, 10))
	q.Set("ResCode", strconv.Itoa(resCode))
	u.RawQuery = q.Encode()
	// Stripe substitutes the literal placeholder, so it must stay unescaped.
	return u.String() + "&RefId={CHECKOUT_SESSION_ID}&SaleReferenceId={CHECKOUT_SESSION_ID}", nil
}

func stripeError(op string, err error) error {
	perr := &ProviderError{Provider: StripeProviderName, Op: op, Err: err}
	var serr *stripe.Error
	if errors.As(err, &serr) {
		perr.Code = string(serr.Code)
		perr.Message = serr.Msg
		perr.Err = nil
	}
	return perr
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
