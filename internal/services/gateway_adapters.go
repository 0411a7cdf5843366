package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/payments"
	"github.com/shopcore/api/internal/repositories"
)

const (
	walletPaidMessage        = "Order paid via wallet."
	walletPaymentCause       = "Order Payment"
	installmentGatewayName   = payments.SnappPayProviderName
	walletGatewayName        = "wallet"
	callbackPath             = "/api/v1/payments/callback"
	defaultPaymentDescriptor = "Order"
)

// PaymentGateway is one member of the closed gateway set.
type PaymentGateway interface {
	Kind() GatewayKind
	RequestPayment(ctx context.Context, req PaymentRequest) PaymentResult
}

var errInsufficientWallet = errors.New("wallet balance does not cover the order")

func failedPayment(gateway, requestID string, kind ErrorKind, message string, err error) PaymentResult {
	res := PaymentResult{
		Success:   false,
		Gateway:   gateway,
		RequestID: requestID,
		Error:     message,
		ErrorCode: kind,
	}
	if err != nil {
		res.DetailedError = err.Error()
		if res.Error == "" {
			res.Error = payments.ErrorMessage(err)
		}
	}
	if res.Error == "" {
		res.Error = LocalizedMessage(language.English, kind)
	}
	return res
}

// walletGateway pays from the customer's internal balance and settles immediately.
type walletGateway struct {
	registry repositories.Registry
	effects  *settlementEffects
	now      func() time.Time
}

func (g *walletGateway) Kind() GatewayKind { return GatewayWallet }

func (g *walletGateway) RequestPayment(ctx context.Context, req PaymentRequest) PaymentResult {
	order, contract := req.Order, req.Contract
	amount := domain.ToProviderUnit(contract.Amount)
	now := g.now()
	reference := walletReference(order.ID, "pay", now)

	err := g.registry.RunInTx(ctx, func(ctx context.Context) error {
		ok, err := g.registry.Wallets().Deduct(ctx, order.UserID, amount, now)
		if err != nil {
			if isRepoNotFound(err) {
				return errInsufficientWallet
			}
			return err
		}
		if !ok {
			return errInsufficientWallet
		}
		wallet, err := g.registry.Wallets().FindByUser(ctx, order.UserID)
		if err != nil {
			return err
		}
		if _, err := g.registry.Wallets().InsertTransaction(ctx, domain.WalletTransaction{
			WalletID:    wallet.ID,
			Amount:      amount,
			Type:        domain.WalletTransactionMinus,
			Cause:       walletPaymentCause,
			ReferenceID: reference,
			CreatedAt:   now,
		}); err != nil {
			return err
		}
		if _, err := g.registry.Contracts().InsertTransaction(ctx, domain.ContractTransaction{
			ContractID:     contract.ID,
			Type:           domain.ContractTransactionWallet,
			Amount:         amount,
			DiscountAmount: domain.ToProviderUnit(req.Summary.Discount),
			Step:           1,
			Status:         domain.ContractTransactionSuccess,
			TrackID:        reference,
			ExternalSource: domain.ExternalSourceWallet,
		}); err != nil {
			return err
		}
		if err := g.registry.Contracts().UpdateStatus(ctx, contract.ID, domain.ContractStatusConfirmed); err != nil {
			return err
		}
		if err := g.registry.Orders().UpdateStatus(ctx, order.ID, domain.OrderStatusStarted); err != nil {
			return err
		}
		if err := g.effects.commitStock(ctx, order); err != nil {
			return err
		}
		if err := g.effects.consumeDiscount(ctx, order); err != nil {
			return err
		}
		return g.effects.clearCart(ctx, order.UserID)
	})
	if err != nil {
		if errors.Is(err, errInsufficientWallet) {
			return failedPayment(walletGatewayName, req.RequestID, KindInsufficientWallet, "", nil)
		}
		g.effects.logger(ctx, "payment.wallet_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		return failedPayment(walletGatewayName, req.RequestID, KindUnavailable, "", err)
	}

	order.Status = domain.OrderStatusStarted
	g.effects.metrics.walletDebit(ctx, amount)
	g.effects.metrics.settlement(ctx, walletGatewayName, "settled")
	g.effects.record(ctx, order.ID, walletPaidMessage, auditActorCustomer, map[string]any{
		"amount":    amount,
		"reference": reference,
	})
	g.effects.labels.fire(ctx, order)
	g.effects.events.emit(ctx, OrderEventSettled, order, contract.Amount, walletGatewayName, nil)

	return PaymentResult{
		Success:   true,
		Gateway:   walletGatewayName,
		RefID:     reference,
		RequestID: req.RequestID,
		Message:   walletPaidMessage,
	}
}

// bankRedirectGateway opens a card payment on a redirect provider and records a pending ledger row.
type bankRedirectGateway struct {
	registry    repositories.Registry
	redirects   RedirectGateway
	callbackURL string
	logger      EventLogger
}

func (g *bankRedirectGateway) Kind() GatewayKind { return GatewayBankRedirect }

func (g *bankRedirectGateway) RequestPayment(ctx context.Context, req PaymentRequest) PaymentResult {
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" {
		provider = g.redirects.Default()
	}
	session, err := g.redirects.RequestPayment(ctx, provider, payments.RedirectRequest{
		OrderID:     req.Order.ID,
		Amount:      domain.ToProviderUnit(req.Contract.Amount),
		CallbackURL: g.callbackURL,
		RequestID:   req.RequestID,
		PayerID:     "0",
		Description: fmt.Sprintf("%s %d", defaultPaymentDescriptor, req.Order.ID),
	})
	if err != nil {
		kind := KindGatewayError
		if errors.Is(err, payments.ErrUnsupportedProvider) {
			kind = KindGatewayUnavailable
		}
		return failedPayment(provider, req.RequestID, kind, payments.ErrorMessage(err), err)
	}
	if session.Provider != "" {
		provider = session.Provider
	}

	_, err = g.registry.Contracts().InsertTransaction(ctx, domain.ContractTransaction{
		ContractID:     req.Contract.ID,
		Type:           domain.ContractTransactionGateway,
		Amount:         domain.ToProviderUnit(req.Contract.Amount),
		DiscountAmount: domain.ToProviderUnit(req.Summary.Discount),
		Step:           1,
		Status:         domain.ContractTransactionPending,
		TrackID:        session.RefID,
		ExternalSource: provider,
	})
	if err != nil {
		g.logger(ctx, "payment.bank_track_failed", map[string]any{"orderId": req.Order.ID, "error": err.Error()})
		return failedPayment(provider, req.RequestID, KindUnavailable, "", err)
	}

	return PaymentResult{
		Success:     true,
		Gateway:     provider,
		RedirectURL: session.RedirectURL,
		RefID:       session.RefID,
		RequestID:   firstNonEmpty(session.RequestID, req.RequestID),
	}
}

// installmentGateway opens a BNPL purchase. Mobile and eligibility failures are pre-checks and
// leave the order untouched; a failed token request is a hard failure.
type installmentGateway struct {
	registry         repositories.Registry
	client           InstallmentClient
	categories       CategoryMapper
	callbackURL      string
	eligibilityCheck bool
	logger           EventLogger
}

func (g *installmentGateway) Kind() GatewayKind { return GatewayInstallment }

func (g *installmentGateway) RequestPayment(ctx context.Context, req PaymentRequest) PaymentResult {
	order, contract := req.Order, req.Contract

	raw := strings.TrimSpace(req.Mobile)
	if raw == "" {
		if user, err := g.registry.Users().FindByID(ctx, order.UserID); err == nil {
			raw = user.Phone
		}
	}
	mobile, err := payments.NormalizeMobile(raw)
	if err != nil {
		g.logger(ctx, "payment.installment_mobile_rejected", map[string]any{"orderId": order.ID, "mobile": raw})
		return failedPayment(installmentGatewayName, req.RequestID, KindInvalidMobileFormat, "", err)
	}

	amount := domain.ToProviderUnit(contract.Amount)
	if g.eligibilityCheck {
		eligibility, err := g.client.Eligible(ctx, amount)
		switch {
		case err != nil:
			// Transport failures fall through to the token request.
			g.logger(ctx, "payment.installment_eligibility_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		case !eligibility.Eligible:
			return failedPayment(installmentGatewayName, req.RequestID, KindInstallmentIneligible,
				firstNonEmpty(eligibility.TitleMessage, eligibility.Description), nil)
		}
	}

	transactionID := newInstallmentTransactionID(order.ID)
	token, err := g.client.RequestToken(ctx, payments.SnappPayTokenRequest{
		Amount:         amount,
		DiscountAmount: domain.ToProviderUnit(req.Summary.Discount),
		Mobile:         mobile,
		ReturnURL:      g.callbackURL,
		TransactionID:  transactionID,
		CartList:       []payments.SnappPayCart{installmentCart(ctx, g.categories, order.ID, order.Items, req.Summary.Shipping, 0)},
	})
	if err != nil {
		if errors.Is(err, payments.ErrInvalidMobile) {
			return failedPayment(installmentGatewayName, transactionID, KindInvalidMobileFormat, "", err)
		}
		return failedPayment(installmentGatewayName, transactionID, KindGatewayError, payments.ErrorMessage(err), err)
	}

	err = g.registry.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := g.registry.Contracts().InsertTransaction(ctx, domain.ContractTransaction{
			ContractID:     contract.ID,
			Type:           domain.ContractTransactionGateway,
			Amount:         amount,
			DiscountAmount: domain.ToProviderUnit(req.Summary.Discount),
			Step:           1,
			Status:         domain.ContractTransactionPending,
			TrackID:        token.PaymentToken,
			ExternalID:     transactionID,
			ExternalSource: domain.ExternalSourceSnappPay,
		}); err != nil {
			return err
		}
		contract.Type = domain.ContractTypeCredit
		contract.ExternalSource = domain.ExternalSourceSnappPay
		contract.ExternalID = transactionID
		return g.registry.Contracts().Update(ctx, contract)
	})
	if err != nil {
		g.logger(ctx, "payment.installment_track_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		return failedPayment(installmentGatewayName, transactionID, KindUnavailable, "", err)
	}

	return PaymentResult{
		Success:       true,
		Gateway:       installmentGatewayName,
		RedirectURL:   token.PaymentPageURL,
		RefID:         token.PaymentToken,
		RequestID:     transactionID,
		TransactionID: transactionID,
	}
}

// installmentCart builds the provider cart from display-unit lines. Item amounts, shipping and tax
// are converted to provider units and the total includes shipping.
func installmentCart(ctx context.Context, categories CategoryMapper, orderID int64, items []domain.OrderItem, shipping, tax int64) payments.SnappPayCart {
	lines := make([]payments.SnappPayCartItem, 0, len(items))
	var itemsTotal int64
	for idx, item := range items {
		if item.Count <= 0 {
			continue
		}
		name := firstNonEmpty(item.ProductTitle, "Product")
		category := fallbackProviderCategory
		if categories != nil {
			category = categories.MapToCategoryCode(ctx, item.Category)
		}
		lines = append(lines, payments.SnappPayCartItem{
			Amount:         domain.ToProviderUnit(item.PerAmount),
			Category:       category,
			Count:          item.Count,
			ID:             int64(idx + 1),
			Name:           name,
			CommissionType: payments.SnappPayCommissionType,
		})
		itemsTotal += domain.ToProviderUnit(item.LineTotal())
	}
	shippingIRR := domain.ToProviderUnit(shipping)
	return payments.SnappPayCart{
		CartID:             orderID,
		CartItems:          lines,
		IsShipmentIncluded: true,
		IsTaxIncluded:      true,
		ShippingAmount:     shippingIRR,
		TaxAmount:          domain.ToProviderUnit(tax),
		TotalAmount:        itemsTotal + shippingIRR,
	}
}

// resolveGateway maps a case-insensitive gateway name to its kind. Unknown names are bank
// redirect provider names and resolve to the default provider downstream.
func resolveGateway(name string) (GatewayKind, string) {
	key := strings.ToLower(strings.TrimSpace(name))
	switch key {
	case "wallet":
		return GatewayWallet, walletGatewayName
	case "snapppay", "snappay", "snapp", "installment":
		return GatewayInstallment, installmentGatewayName
	default:
		return GatewayBankRedirect, key
	}
}
