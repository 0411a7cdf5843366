package services

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/payments"
)

func TestNewCheckoutServiceRequiresDependencies(t *testing.T) {
	if _, err := NewCheckoutService(CheckoutServiceDeps{}); err == nil {
		t.Fatalf("expected error without registry")
	}
	if _, err := NewCheckoutService(CheckoutServiceDeps{Registry: newMemRegistry()}); err == nil {
		t.Fatalf("expected error without reconciler")
	}
}

func TestCheckoutWalletSettlesImmediately(t *testing.T) {
	env := newTestEnv(t)
	env.registry.setWallet(testUserID, 3_000_000)

	res := env.checkoutWith(t, "Wallet", courierShipping())

	if res.FinancialSummary.Total != 250000 {
		t.Fatalf("expected total 250000, got %+v", res.FinancialSummary)
	}
	if res.Order.Status != domain.OrderStatusStarted || res.Payment.Kind != GatewayWallet {
		t.Fatalf("unexpected result %+v", res.Payment)
	}
	if res.Payment.Message != walletPaidMessage {
		t.Fatalf("expected wallet message, got %q", res.Payment.Message)
	}

	order := env.registry.order(res.Order.ID)
	if order.Status != domain.OrderStatusStarted {
		t.Fatalf("expected persisted Started, got %s", order.Status)
	}
	if got := env.registry.walletBalance(testUserID); got != 500_000 {
		t.Fatalf("expected wallet debited by 2,500,000, balance %d", got)
	}
	if got := env.registry.stockOf(testVariationID); got != 3 {
		t.Fatalf("expected stock 3, got %d", got)
	}
	if env.registry.cartLines(testUserID) != 0 {
		t.Fatalf("expected cart cleared")
	}

	contract := env.registry.contractOf(res.Order.ID)
	if contract.Status != domain.ContractStatusConfirmed {
		t.Fatalf("expected contract confirmed, got %s", contract.Status)
	}
	txs := env.registry.transactionsOf(contract.ID)
	if len(txs) != 1 || txs[0].Type != domain.ContractTransactionWallet || txs[0].Status != domain.ContractTransactionSuccess || txs[0].Amount != 2_500_000 {
		t.Fatalf("unexpected ledger %+v", txs)
	}
	walletTxs := env.registry.walletTransactions()
	if len(walletTxs) != 1 || walletTxs[0].Type != domain.WalletTransactionMinus || walletTxs[0].Amount != 2_500_000 {
		t.Fatalf("unexpected wallet transactions %+v", walletTxs)
	}

	assertLogged(t, env.registry, res.Order.ID, "Order created")
	assertLogged(t, env.registry, res.Order.ID, walletPaidMessage)
	if got := env.events.types(); !slices.Equal(got, []string{OrderEventCreated, OrderEventSettled}) {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestCheckoutInsufficientWalletKeepsOrderPaying(t *testing.T) {
	env := newTestEnv(t)
	env.registry.setWallet(testUserID, 1000)

	res, err := env.checkout.Checkout(context.Background(), CheckoutCommand{
		UserID:   testUserID,
		Shipping: courierShipping(),
		Gateway:  "wallet",
	})
	cerr := assertKind(t, err, KindInsufficientWallet)
	if cerr.Data["orderId"] != res.Order.ID {
		t.Fatalf("expected order id in error data, got %v", cerr.Data)
	}
	if !errors.Is(err, ErrBusinessRule) {
		t.Fatalf("expected business rule category")
	}

	order := env.registry.order(res.Order.ID)
	if order.Status != domain.OrderStatusPaying {
		t.Fatalf("expected order to stay Paying, got %s", order.Status)
	}
	if env.registry.contractOf(res.Order.ID).Status != domain.ContractStatusNotReady {
		t.Fatalf("expected contract untouched")
	}
	if env.registry.walletBalance(testUserID) != 1000 {
		t.Fatalf("wallet must not change")
	}
	if env.registry.stockOf(testVariationID) != 5 || env.registry.cartLines(testUserID) != 1 {
		t.Fatalf("stock and cart must not change")
	}
}

func TestCheckoutBankRejectionCancelsOrder(t *testing.T) {
	env := newTestEnv(t)
	env.redirects.requestErr = &payments.ProviderError{Provider: "mellat", Op: "pay", Code: "34", Message: "Gateway down"}

	res, err := env.checkout.Checkout(context.Background(), CheckoutCommand{
		UserID:    testUserID,
		Shipping:  courierShipping(),
		Gateway:   "mellat",
		RequestID: "REQ-bank-1",
	})
	cerr := assertKind(t, err, KindGatewayError)
	if cerr.RequestID != "REQ-bank-1" {
		t.Fatalf("expected request id to be surfaced, got %q", cerr.RequestID)
	}
	if cerr.Detail != "Gateway down" {
		t.Fatalf("expected provider message, got %q", cerr.Detail)
	}
	if _, ok := cerr.Data["debug"]; !ok {
		t.Fatalf("expected debug detail in %v", cerr.Data)
	}
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("expected provider category")
	}

	if got := env.registry.order(res.Order.ID).Status; got != domain.OrderStatusCancelled {
		t.Fatalf("expected Cancelled, got %s", got)
	}
	if got := env.registry.contractOf(res.Order.ID).Status; got != domain.ContractStatusCancelled {
		t.Fatalf("expected contract Cancelled, got %s", got)
	}
	assertLogged(t, env.registry, res.Order.ID, "Gateway payment request failed")
	if env.registry.stockOf(testVariationID) != 5 || env.registry.cartLines(testUserID) != 1 {
		t.Fatalf("stock and cart must not change")
	}
	if got := env.events.types(); !slices.Contains(got, OrderEventPaymentFailed) {
		t.Fatalf("expected payment_failed event, got %v", got)
	}
}

func TestCheckoutBankRedirectRecordsPendingTransaction(t *testing.T) {
	env := newTestEnv(t)

	res := env.checkoutWith(t, "", courierShipping())

	if res.Payment.Kind != GatewayBankRedirect || res.Payment.Gateway != payments.MellatProviderName {
		t.Fatalf("expected default bank provider, got %+v", res.Payment)
	}
	if res.Payment.RedirectURL == "" || res.Payment.RefID != "REF-1" {
		t.Fatalf("unexpected payment %+v", res.Payment)
	}
	if res.Order.Status != domain.OrderStatusPaying {
		t.Fatalf("expected Paying, got %s", res.Order.Status)
	}
	req := env.redirects.requests[0]
	if req.Amount != 2_500_000 || req.CallbackURL != "https://api.shop.test/api/v1/payments/callback" {
		t.Fatalf("unexpected redirect request %+v", req)
	}

	contract := env.registry.contractOf(res.Order.ID)
	txs := env.registry.transactionsOf(contract.ID)
	if len(txs) != 1 {
		t.Fatalf("expected one ledger row, got %d", len(txs))
	}
	tx := txs[0]
	if tx.Status != domain.ContractTransactionPending || tx.TrackID != "REF-1" || tx.ExternalSource != payments.MellatProviderName {
		t.Fatalf("unexpected pending row %+v", tx)
	}
	assertLogged(t, env.registry, res.Order.ID, "Gateway payment request initiated (mellat)")
	if env.registry.stockOf(testVariationID) != 5 {
		t.Fatalf("stock must not move before settlement")
	}
}

func TestCheckoutInstallmentOpensCreditContract(t *testing.T) {
	env := newTestEnv(t)

	res := env.checkoutWith(t, "SnappPay", courierShipping())

	if res.Payment.Kind != GatewayInstallment || res.Payment.RedirectURL != env.installments.token.PaymentPageURL {
		t.Fatalf("unexpected payment %+v", res.Payment)
	}
	txID := res.Payment.TransactionID
	if !strings.HasPrefix(txID, "O") || len(txID) > installmentTransactionIDLength {
		t.Fatalf("unexpected transaction id %q", txID)
	}

	req := env.installments.tokenRequests[0]
	if req.Mobile != "+989121234567" {
		t.Fatalf("expected mobile from user profile, got %q", req.Mobile)
	}
	cart := req.CartList[0]
	if cart.TotalAmount != 2_500_000 || cart.ShippingAmount != 500_000 || cart.CartItems[0].Category != fallbackProviderCategory {
		t.Fatalf("unexpected provider cart %+v", cart)
	}

	contract := env.registry.contractOf(res.Order.ID)
	if contract.Type != domain.ContractTypeCredit || contract.ExternalSource != domain.ExternalSourceSnappPay || contract.ExternalID != txID {
		t.Fatalf("unexpected contract %+v", contract)
	}
	txs := env.registry.transactionsOf(contract.ID)
	if len(txs) != 1 || txs[0].TrackID != "snapp-token-1" || txs[0].ExternalID != txID || txs[0].Status != domain.ContractTransactionPending {
		t.Fatalf("unexpected ledger %+v", txs)
	}
}

func TestCheckoutInstallmentPreChecksLeaveOrderPaying(t *testing.T) {
	t.Run("invalid mobile", func(t *testing.T) {
		env := newTestEnv(t)
		res, err := env.checkout.Checkout(context.Background(), CheckoutCommand{
			UserID:   testUserID,
			Shipping: courierShipping(),
			Gateway:  "snapppay",
			Mobile:   "12345",
		})
		assertKind(t, err, KindInvalidMobileFormat)
		if got := env.registry.order(res.Order.ID).Status; got != domain.OrderStatusPaying {
			t.Fatalf("expected Paying, got %s", got)
		}
	})

	t.Run("ineligible", func(t *testing.T) {
		env := newTestEnv(t, func(c *testEnvConfig) { c.eligibility = true })
		env.installments.eligibility = payments.SnappPayEligibility{Eligible: false, TitleMessage: "Amount too high"}
		res, err := env.checkout.Checkout(context.Background(), CheckoutCommand{
			UserID:   testUserID,
			Shipping: courierShipping(),
			Gateway:  "snapppay",
		})
		cerr := assertKind(t, err, KindInstallmentIneligible)
		if cerr.Detail != "Amount too high" {
			t.Fatalf("expected provider title, got %q", cerr.Detail)
		}
		if got := env.registry.order(res.Order.ID).Status; got != domain.OrderStatusPaying {
			t.Fatalf("expected Paying, got %s", got)
		}
		if len(env.installments.tokenRequests) != 0 {
			t.Fatalf("token must not be requested")
		}
	})
}

func TestCheckoutInstallmentEligibilityOutageProceedsToToken(t *testing.T) {
	env := newTestEnv(t, func(c *testEnvConfig) { c.eligibility = true })
	env.installments.eligibleErr = errors.New("eligibility endpoint timeout")

	res := env.checkoutWith(t, "snapppay", courierShipping())

	if res.Payment.Kind != GatewayInstallment || res.Payment.RedirectURL != env.installments.token.PaymentPageURL {
		t.Fatalf("expected installment redirect, got %+v", res.Payment)
	}
	if len(env.installments.tokenRequests) != 1 {
		t.Fatalf("expected token request after eligibility outage, got %d", len(env.installments.tokenRequests))
	}
}

func TestCheckoutInstallmentFallsBackToBankWhenUnconfigured(t *testing.T) {
	env := newTestEnv(t, func(c *testEnvConfig) { c.noInstallments = true })

	res := env.checkoutWith(t, "snapppay", courierShipping())
	if res.Payment.Kind != GatewayBankRedirect {
		t.Fatalf("expected bank fallback, got %s", res.Payment.Kind)
	}
}

func TestCheckoutWalletTriggersShipmentLabel(t *testing.T) {
	env := newTestEnv(t, func(c *testEnvConfig) { c.labelMethodID = testMethodID })
	env.registry.setWallet(testUserID, 3_000_000)

	res := env.checkoutWith(t, "wallet", courierShipping())

	order := env.registry.order(res.Order.ID)
	if order.ShippingBarcode != "ANP-100" || order.ShippingPostPrice != 30000 {
		t.Fatalf("expected label recorded on order, got %+v", order)
	}
	if len(env.carrier.issued) != 1 || env.carrier.issued[0].Weight != 600 {
		t.Fatalf("unexpected carrier request %+v", env.carrier.issued)
	}
}

func TestFinalizeCartToOrder(t *testing.T) {
	t.Run("empty cart", func(t *testing.T) {
		env := newTestEnv(t)
		_ = env.registry.Carts().Clear(context.Background(), testUserID)
		_, err := env.checkout.FinalizeCartToOrder(context.Background(), FinalizeCartCommand{UserID: testUserID, Shipping: courierShipping()})
		assertKind(t, err, KindCartEmpty)
	})

	t.Run("stock changed", func(t *testing.T) {
		env := newTestEnv(t)
		env.registry.addVariation(testVariationID, "Leather Wallet", "LW-01", 100000, 1, 300, "Accessories")
		_, err := env.checkout.FinalizeCartToOrder(context.Background(), FinalizeCartCommand{UserID: testUserID, Shipping: courierShipping()})
		cerr := assertKind(t, err, KindCartChanged)
		adjusted, _ := cerr.Data["itemsAdjusted"].([]StockAdjustment)
		if len(adjusted) != 1 || adjusted[0].NewQuantity != 1 {
			t.Fatalf("unexpected adjustments %+v", cerr.Data)
		}
		if env.registry.orderCount() != 0 {
			t.Fatalf("no order may be created for a changed cart")
		}
	})

	t.Run("missing shipping method", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.checkout.FinalizeCartToOrder(context.Background(), FinalizeCartCommand{UserID: testUserID})
		assertKind(t, err, KindShippingMethodRequired)
	})

	t.Run("pickup is free", func(t *testing.T) {
		env := newTestEnv(t)
		res, err := env.checkout.FinalizeCartToOrder(context.Background(), FinalizeCartCommand{
			UserID:   testUserID,
			Shipping: ShippingData{ShippingMethodID: ptr(int64(defaultPickupShippingMethodID))},
		})
		if err != nil {
			t.Fatalf("finalize: %v", err)
		}
		if res.FinancialSummary.Shipping != 0 || res.FinancialSummary.Total != 200000 {
			t.Fatalf("unexpected summary %+v", res.FinancialSummary)
		}
	})

	t.Run("free text is sanitized", func(t *testing.T) {
		env := newTestEnv(t)
		ship := courierShipping()
		ship.Note = `<b onclick="x()">Ring</b> twice`
		res, err := env.checkout.FinalizeCartToOrder(context.Background(), FinalizeCartCommand{UserID: testUserID, Shipping: ship})
		if err != nil {
			t.Fatalf("finalize: %v", err)
		}
		if got := env.registry.order(res.Order.ID).Note; got != "Ring twice" {
			t.Fatalf("expected sanitized note, got %q", got)
		}
	})

	t.Run("weight has a floor", func(t *testing.T) {
		env := newTestEnv(t)
		res, err := env.checkout.FinalizeCartToOrder(context.Background(), FinalizeCartCommand{UserID: testUserID, Shipping: courierShipping()})
		if err != nil {
			t.Fatalf("finalize: %v", err)
		}
		if got := env.registry.order(res.Order.ID).ShipmentWeight; got != 600 {
			t.Fatalf("expected weight 600, got %d", got)
		}
	})
}

func TestFinalizeAppliesCouponAndConsumesItOnSettlement(t *testing.T) {
	env := newTestEnv(t)
	env.registry.setWallet(testUserID, 3_000_000)
	env.registry.addDiscount(domain.Discount{
		ID:         1,
		Code:       "SPRING",
		Type:       domain.DiscountTypePercent,
		Amount:     10,
		LimitUsage: 5,
		IsActive:   true,
	})
	ship := courierShipping()
	ship.DiscountCode = "spring"

	finalized, err := env.checkout.FinalizeCartToOrder(context.Background(), FinalizeCartCommand{UserID: testUserID, Shipping: ship})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if finalized.FinancialSummary.Discount != 20000 || finalized.FinancialSummary.Total != 230000 {
		t.Fatalf("unexpected summary %+v", finalized.FinancialSummary)
	}
	if d := env.registry.order(finalized.Order.ID).Discount; d == nil || d.Code != "SPRING" || d.Amount != 20000 {
		t.Fatalf("expected applied discount, got %+v", d)
	}
	if env.registry.discountUsage("SPRING") != 0 {
		t.Fatalf("finalize must not consume the coupon")
	}

	env.checkoutWith(t, "wallet", ship)
	if env.registry.discountUsage("SPRING") != 1 {
		t.Fatalf("expected usage to be consumed on settlement")
	}
}

func TestFinalizeCouponTakesPrecedenceOverGeneralDiscount(t *testing.T) {
	env := newTestEnv(t)
	env.registry.addDiscount(domain.Discount{ID: 1, Code: "SPRING", Type: domain.DiscountTypePercent, Amount: 10, IsActive: true})
	env.registry.addGeneral(domain.GeneralDiscount{ID: 9, Amount: 70000, IsActive: true, CreatedAt: fixedNow.Add(-time.Hour)})
	ship := courierShipping()
	ship.DiscountCode = "SPRING"

	finalized, err := env.checkout.FinalizeCartToOrder(context.Background(), FinalizeCartCommand{UserID: testUserID, Shipping: ship})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if finalized.FinancialSummary.Discount != 20000 || finalized.FinancialSummary.Total != 230000 {
		t.Fatalf("expected coupon discount only, got %+v", finalized.FinancialSummary)
	}
	d := env.registry.order(finalized.Order.ID).Discount
	if d == nil || d.Code != "SPRING" || d.GeneralDiscountID != nil || d.Amount != 20000 {
		t.Fatalf("expected coupon recorded without the general discount, got %+v", d)
	}
}

func TestFinalizeUnknownCouponRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ship := courierShipping()
	ship.DiscountCode = "NOPE"

	_, err := env.checkout.FinalizeCartToOrder(context.Background(), FinalizeCartCommand{UserID: testUserID, Shipping: ship})
	assertKind(t, err, KindCouponInvalid)
	if env.registry.orderCount() != 0 {
		t.Fatalf("expected order insert to be rolled back")
	}
	if env.registry.cartLines(testUserID) != 1 {
		t.Fatalf("cart must survive a failed finalize")
	}
}

func TestFinalizeItemInsertFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.registry.failures["orders.InsertItem"] = errMemUnavailable

	_, err := env.checkout.FinalizeCartToOrder(context.Background(), FinalizeCartCommand{UserID: testUserID, Shipping: courierShipping()})
	assertKind(t, err, KindOrderItemCreationFailed)
	if env.registry.orderCount() != 0 {
		t.Fatalf("expected no partial order")
	}
}
