package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/payments"
	"github.com/shopcore/api/internal/repositories"
	"github.com/shopcore/api/internal/shipping"
)

const (
	adjustmentWalletCause = "Order Adjustment (Admin)"
	cancelWalletCause     = "Order Cancelled (Admin)"
	maxReasonLength       = 500
)

// AdjustmentServiceDeps wires the admin adjustment engine.
type AdjustmentServiceDeps struct {
	Registry          repositories.Registry
	Installments      InstallmentClient
	Categories        CategoryMapper
	Carrier           Carrier
	CarrierMethodID   int64
	DefaultItemWeight int
	MinShipmentWeight int
	Audit             OrderAuditSink
	Events            OrderEventPublisher
	Clock             func() time.Time
	Logger            EventLogger
}

type adjustmentService struct {
	registry        repositories.Registry
	installments    InstallmentClient
	categories      CategoryMapper
	carrier         Carrier
	carrierMethodID int64
	defaultWeight   int
	minWeight       int
	audit           OrderAuditSink
	events          orderEvents
	policy          *bluemonday.Policy
	now             func() time.Time
	logger          EventLogger
}

// NewAdjustmentService constructs the admin adjustment engine.
func NewAdjustmentService(deps AdjustmentServiceDeps) (AdjustmentService, error) {
	if deps.Registry == nil {
		return nil, errors.New("adjustment service: registry is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	audit := deps.Audit
	if audit == nil {
		audit = nopAuditSink{}
	}
	publisher := deps.Events
	if publisher == nil {
		publisher = nopEventPublisher{}
	}
	defaultWeight := deps.DefaultItemWeight
	if defaultWeight <= 0 {
		defaultWeight = defaultItemWeightGrams
	}
	minWeight := deps.MinShipmentWeight
	if minWeight <= 0 {
		minWeight = defaultMinShipmentWeightGrams
	}
	now := func() time.Time { return clock().UTC() }

	return &adjustmentService{
		registry:        deps.Registry,
		installments:    deps.Installments,
		categories:      deps.Categories,
		carrier:         deps.Carrier,
		carrierMethodID: deps.CarrierMethodID,
		defaultWeight:   defaultWeight,
		minWeight:       minWeight,
		audit:           audit,
		events:          orderEvents{publisher: publisher, logger: logger, now: now},
		policy:          bluemonday.StrictPolicy(),
		now:             now,
		logger:          logger,
	}, nil
}

// adjustmentPlan is the computed preview plus the state needed to commit it.
type adjustmentPlan struct {
	order          domain.Order
	contract       domain.Contract
	transactions   []domain.ContractTransaction
	remaining      []domain.OrderItem
	newDiscount    int64
	preview        AdjustmentPreview
	stockCommitted bool
	installment    bool
}

// AdjustOrderItems lowers or removes order lines and refunds the difference. With DryRun the
// preview is returned and nothing is written.
func (s *adjustmentService) AdjustOrderItems(ctx context.Context, cmd AdjustOrderItemsCommand) (AdjustmentResult, error) {
	if cmd.OrderID <= 0 {
		return AdjustmentResult{}, newCheckoutError(KindInvalidInput, "order id is required")
	}
	if len(cmd.Changes) == 0 {
		return AdjustmentResult{}, newCheckoutError(KindNoChanges, "")
	}
	return s.run(ctx, cmd, false)
}

// CancelOrder removes every line, restocks, cancels order and contract and refunds what was paid.
func (s *adjustmentService) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (AdjustmentResult, error) {
	if cmd.OrderID <= 0 {
		return AdjustmentResult{}, newCheckoutError(KindInvalidInput, "order id is required")
	}
	return s.run(ctx, AdjustOrderItemsCommand{
		OrderID:     cmd.OrderID,
		Reason:      cmd.Reason,
		PerformedBy: cmd.PerformedBy,
	}, true)
}

func (s *adjustmentService) run(ctx context.Context, cmd AdjustOrderItemsCommand, cancel bool) (AdjustmentResult, error) {
	plan, err := s.plan(ctx, cmd, cancel)
	if err != nil {
		return AdjustmentResult{}, s.fail(ctx, cmd.OrderID, err)
	}
	result := AdjustmentResult{
		Success:      true,
		DryRun:       cmd.DryRun,
		RefundAmount: plan.preview.RefundAmount,
		Status:       string(plan.order.Status),
		Preview:      plan.preview,
	}
	if plan.installment {
		result.PaymentToken = installmentToken(plan.transactions)
	}
	if cmd.DryRun {
		return result, nil
	}

	reason := s.sanitize(cmd.Reason)
	performedBy := firstNonEmpty(cmd.PerformedBy, auditActorAdmin)
	if err := s.commit(ctx, plan, cancel); err != nil {
		return AdjustmentResult{}, s.fail(ctx, cmd.OrderID, err)
	}
	if plan.preview.AllRemoved {
		result.Status = string(domain.OrderStatusCancelled)
	}

	description := "Admin adjusted order items"
	action := auditActionUpdate
	eventType := OrderEventAdjusted
	switch {
	case cancel:
		description, action, eventType = "Admin cancelled order", auditActionCancel, OrderEventCancelled
	case plan.preview.AllRemoved:
		description, action, eventType = "Admin cancelled order (all items removed)", auditActionCancel, OrderEventCancelled
	}
	s.audit.Record(ctx, OrderAuditRecord{
		OrderID:     plan.order.ID,
		Action:      action,
		Description: description,
		Changes: map[string]any{
			"reason":      reason,
			"items":       plan.preview.Changes,
			"oldTotal":    plan.preview.OldTotal,
			"newTotal":    plan.preview.NewTotals.Total,
			"newShipping": plan.preview.NewShipping,
			"refund":      plan.preview.RefundAmount,
		},
		PerformedBy: performedBy,
	})
	order := plan.order
	order.Status = domain.OrderStatus(result.Status)
	s.events.emit(ctx, eventType, order, plan.preview.RefundAmount, "", map[string]string{"reason": reason})
	return result, nil
}

func (s *adjustmentService) plan(ctx context.Context, cmd AdjustOrderItemsCommand, cancel bool) (adjustmentPlan, error) {
	order, err := s.registry.Orders().FindByID(ctx, cmd.OrderID)
	if err != nil {
		if isRepoNotFound(err) {
			return adjustmentPlan{}, wrapCheckoutError(KindOrderNotFound, "", err)
		}
		return adjustmentPlan{}, err
	}
	if order.Status != domain.OrderStatusPaying && order.Status != domain.OrderStatusStarted {
		return adjustmentPlan{}, newCheckoutError(KindInvalidStatus, string(order.Status))
	}
	if strings.TrimSpace(order.ShippingBarcode) != "" {
		return adjustmentPlan{}, newCheckoutError(KindBarcodeExists, order.ShippingBarcode)
	}
	contract, err := s.registry.Contracts().FindByOrder(ctx, order.ID)
	if err != nil {
		return adjustmentPlan{}, err
	}
	txs := contract.Transactions
	if txs == nil {
		if txs, err = s.registry.Contracts().ListTransactions(ctx, contract.ID); err != nil {
			return adjustmentPlan{}, err
		}
	}

	changes := cmd.Changes
	if cancel {
		changes = make([]ItemChange, 0, len(order.Items))
		for _, item := range order.Items {
			changes = append(changes, ItemChange{OrderItemID: item.ID, Remove: true})
		}
	}
	lines, remaining, err := applyItemChanges(order.Items, changes)
	if err != nil {
		return adjustmentPlan{}, err
	}
	if len(lines) == 0 && !cancel {
		return adjustmentPlan{}, newCheckoutError(KindNoChanges, "")
	}

	oldSubtotal := itemsSubtotal(order.Items)
	newSubtotal := itemsSubtotal(remaining)
	var oldDiscount int64
	if order.Discount != nil {
		oldDiscount = order.Discount.Amount
	}
	newDiscount := proportionalDiscount(oldSubtotal, oldDiscount, newSubtotal)
	allRemoved := len(remaining) == 0
	newWeight := s.weight(remaining)
	newShipping := s.requote(ctx, order, allRemoved, newWeight, newSubtotal-newDiscount)
	totals := CalculateFinancialSummary(newSubtotal, newDiscount, newShipping)

	paid := paidAmount(txs)
	refund := min(paid, max(0, contract.Amount-totals.Total-totals.Tax))

	stockCommitted := order.Status == domain.OrderStatusStarted && !hasPendingInstallment(txs)
	for i := range lines {
		if !stockCommitted {
			lines[i].RestockDelta = 0
		}
	}

	return adjustmentPlan{
		order:        order,
		contract:     contract,
		transactions: txs,
		remaining:    remaining,
		newDiscount:  newDiscount,
		preview: AdjustmentPreview{
			Changes:      lines,
			OldTotal:     contract.Amount,
			NewTotals:    totals,
			NewShipping:  newShipping,
			NewWeight:    newWeight,
			RefundAmount: refund,
			AllRemoved:   allRemoved,
		},
		stockCommitted: stockCommitted,
		installment: order.Status == domain.OrderStatusStarted &&
			contract.ExternalSource == domain.ExternalSourceSnappPay && contract.ExternalID != "",
	}, nil
}

// applyItemChanges validates changes against the order lines. Counts may only go down.
func applyItemChanges(items []domain.OrderItem, changes []ItemChange) ([]AdjustedLine, []domain.OrderItem, error) {
	newCounts := make(map[int64]int, len(changes))
	byID := make(map[int64]domain.OrderItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}
	for _, change := range changes {
		item, ok := byID[change.OrderItemID]
		if !ok {
			return nil, nil, newCheckoutError(KindInvalidItem, "").with("orderItemId", change.OrderItemID)
		}
		count := item.Count
		switch {
		case change.Remove:
			count = 0
		case change.NewCount == nil:
			return nil, nil, newCheckoutError(KindInvalidCount, "new count or remove is required").with("orderItemId", item.ID)
		default:
			count = *change.NewCount
		}
		if count < 0 || count > item.Count {
			return nil, nil, newCheckoutError(KindInvalidCount, "").with("orderItemId", item.ID)
		}
		newCounts[item.ID] = count
	}

	var lines []AdjustedLine
	remaining := make([]domain.OrderItem, 0, len(items))
	for _, item := range items {
		count, changed := newCounts[item.ID]
		if !changed {
			count = item.Count
		}
		if count != item.Count {
			lines = append(lines, AdjustedLine{
				OrderItemID:  item.ID,
				VariationID:  item.VariationID,
				ProductTitle: item.ProductTitle,
				OldCount:     item.Count,
				NewCount:     count,
				RestockDelta: item.Count - count,
				PerAmount:    item.PerAmount,
			})
		}
		if count > 0 {
			item.Count = count
			remaining = append(remaining, item)
		}
	}
	return lines, remaining, nil
}

func (s *adjustmentService) commit(ctx context.Context, plan adjustmentPlan, cancel bool) error {
	now := s.now()
	preview := plan.preview
	return s.registry.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.lockSnapshot(ctx, plan); err != nil {
			return err
		}
		orders := s.registry.Orders()
		for _, line := range preview.Changes {
			var err error
			if line.NewCount == 0 {
				err = orders.DeleteItem(ctx, line.OrderItemID)
			} else {
				err = orders.UpdateItemCount(ctx, line.OrderItemID, line.NewCount)
			}
			if err != nil {
				return err
			}
			if plan.stockCommitted && line.RestockDelta > 0 {
				if _, err := s.registry.Catalog().IncrementStock(ctx, line.VariationID, line.RestockDelta); err != nil && !isRepoNotFound(err) {
					return err
				}
			}
		}

		order := plan.order
		order.Items = plan.remaining
		order.ShippingCost = preview.NewShipping
		order.ShipmentWeight = preview.NewWeight
		if order.Discount != nil {
			discount := *order.Discount
			discount.Amount = plan.newDiscount
			order.Discount = &discount
		}
		if preview.AllRemoved {
			order.Status = domain.OrderStatusCancelled
		}
		if err := orders.Update(ctx, order); err != nil {
			return err
		}

		contract := plan.contract
		contract.Amount = preview.NewTotals.Total
		if preview.AllRemoved {
			contract.Status = domain.ContractStatusCancelled
		}
		if err := s.registry.Contracts().Update(ctx, contract); err != nil {
			return err
		}

		if plan.installment {
			if err := s.syncInstallment(ctx, plan); err != nil {
				return err
			}
		}

		if preview.RefundAmount <= 0 {
			return nil
		}
		refund := domain.ToProviderUnit(preview.RefundAmount)
		if err := s.creditWallet(ctx, order, refund, cancel || preview.AllRemoved, now); err != nil {
			return err
		}
		_, err := s.registry.Contracts().InsertTransaction(ctx, domain.ContractTransaction{
			ContractID:     contract.ID,
			Type:           domain.ContractTransactionReturn,
			Amount:         refund,
			Step:           nextStep(plan.transactions),
			Status:         domain.ContractTransactionSuccess,
			TrackID:        walletReference(order.ID, "refund", now),
			ExternalSource: domain.ExternalSourceSystem,
		})
		return err
	})
}

// lockSnapshot locks the order and contract rows and rejects the plan when either moved since it
// was computed.
func (s *adjustmentService) lockSnapshot(ctx context.Context, plan adjustmentPlan) error {
	order, err := s.registry.Orders().FindByIDForUpdate(ctx, plan.order.ID)
	if err != nil {
		return err
	}
	contract, err := s.registry.Contracts().FindByOrderForUpdate(ctx, plan.order.ID)
	if err != nil {
		return err
	}
	if order.Status != plan.order.Status ||
		contract.Status != plan.contract.Status ||
		contract.Amount != plan.contract.Amount ||
		!sameLedger(contract.Transactions, plan.transactions) ||
		!sameItemCounts(order.Items, plan.order.Items) {
		s.logger(ctx, "adjustment.stale_plan", map[string]any{"orderId": plan.order.ID})
		return newCheckoutError(KindConcurrentUpdate, "order changed while the adjustment was prepared")
	}
	return nil
}

func sameLedger(a, b []domain.ContractTransaction) bool {
	if len(a) != len(b) {
		return false
	}
	statuses := make(map[int64]domain.ContractTransactionStatus, len(a))
	for _, tx := range a {
		statuses[tx.ID] = tx.Status
	}
	for _, tx := range b {
		if status, ok := statuses[tx.ID]; !ok || status != tx.Status {
			return false
		}
	}
	return true
}

func sameItemCounts(a, b []domain.OrderItem) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[int64]int, len(a))
	for _, item := range a {
		counts[item.ID] = item.Count
	}
	for _, item := range b {
		if count, ok := counts[item.ID]; !ok || count != item.Count {
			return false
		}
	}
	return true
}

// syncInstallment mirrors the adjustment on the BNPL provider so its schedule matches the new total.
func (s *adjustmentService) syncInstallment(ctx context.Context, plan adjustmentPlan) error {
	if s.installments == nil {
		return newCheckoutError(KindGatewaySyncFailed, "installment provider is not configured")
	}
	txID := plan.contract.ExternalID
	var err error
	if plan.preview.AllRemoved {
		_, err = s.installments.CancelOrder(ctx, txID)
	} else {
		totals := plan.preview.NewTotals
		_, err = s.installments.Update(ctx, payments.SnappPayUpdateRequest{
			TransactionID:  txID,
			Amount:         domain.ToProviderUnit(totals.Total),
			DiscountAmount: domain.ToProviderUnit(totals.Discount),
			CartList: []payments.SnappPayCart{
				installmentCart(ctx, s.categories, plan.order.ID, plan.remaining, totals.Shipping, totals.Tax),
			},
		})
	}
	if err != nil {
		return wrapCheckoutError(KindGatewaySyncFailed, payments.ErrorMessage(err), err)
	}
	return nil
}

func (s *adjustmentService) creditWallet(ctx context.Context, order domain.Order, amount int64, cancelled bool, now time.Time) error {
	wallet, err := s.registry.Wallets().Credit(ctx, order.UserID, amount, now)
	if err != nil {
		return err
	}
	cause, kind := adjustmentWalletCause, "adj"
	if cancelled {
		cause, kind = cancelWalletCause, "cancel"
	}
	_, err = s.registry.Wallets().InsertTransaction(ctx, domain.WalletTransaction{
		WalletID:    wallet.ID,
		Amount:      amount,
		Type:        domain.WalletTransactionAdd,
		Cause:       cause,
		ReferenceID: walletReference(order.ID, kind, now),
		CreatedAt:   now,
	})
	return err
}

// requote prices the shipment again for carrier-backed orders. Quote failures keep the old cost.
func (s *adjustmentService) requote(ctx context.Context, order domain.Order, allRemoved bool, weight int, amount int64) int64 {
	if allRemoved {
		return 0
	}
	if s.carrier == nil || s.carrierMethodID <= 0 || order.ShippingMethodID != s.carrierMethodID || order.DeliveryAddressID == nil {
		return order.ShippingCost
	}
	address, err := s.registry.Addresses().FindByID(ctx, *order.DeliveryAddressID)
	if err != nil || address.CityCode <= 0 {
		return order.ShippingCost
	}
	price, err := s.carrier.EstimatePrice(ctx, shipping.Quote{CityCode: address.CityCode, Weight: weight, Amount: amount})
	if err != nil {
		s.logger(ctx, "adjustment.requote_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		return order.ShippingCost
	}
	return price
}

func (s *adjustmentService) weight(items []domain.OrderItem) int {
	if len(items) == 0 {
		return 0
	}
	var total int
	for _, item := range items {
		w := item.Weight
		if w <= 0 {
			w = s.defaultWeight
		}
		total += w * item.Count
	}
	return max(total, s.minWeight)
}

func (s *adjustmentService) sanitize(text string) string {
	text = strings.TrimSpace(s.policy.Sanitize(text))
	if len([]rune(text)) > maxReasonLength {
		text = string([]rune(text)[:maxReasonLength])
	}
	return text
}

func (s *adjustmentService) fail(ctx context.Context, orderID int64, err error) error {
	cerr := AsCheckoutError(err)
	s.logger(ctx, "adjustment.failed", map[string]any{
		"orderId": orderID,
		"kind":    string(cerr.Kind),
		"error":   cerr.Error(),
	})
	return cerr
}

// paidAmount nets successful payments against refunds already issued, in display units.
func paidAmount(txs []domain.ContractTransaction) int64 {
	var total int64
	for _, tx := range txs {
		if tx.Status != domain.ContractTransactionSuccess {
			continue
		}
		switch tx.Type {
		case domain.ContractTransactionGateway, domain.ContractTransactionWallet:
			total += tx.Amount
		case domain.ContractTransactionReturn:
			total -= tx.Amount
		}
	}
	return max(0, domain.FromProviderUnit(total))
}

func hasPendingInstallment(txs []domain.ContractTransaction) bool {
	for _, tx := range txs {
		if tx.Type == domain.ContractTransactionGateway &&
			tx.ExternalSource == domain.ExternalSourceSnappPay &&
			tx.Status == domain.ContractTransactionPending {
			return true
		}
	}
	return false
}

func installmentToken(txs []domain.ContractTransaction) string {
	for i := len(txs) - 1; i >= 0; i-- {
		if txs[i].ExternalSource == domain.ExternalSourceSnappPay && txs[i].TrackID != "" {
			return txs[i].TrackID
		}
	}
	return ""
}

func nextStep(txs []domain.ContractTransaction) int {
	step := 0
	for _, tx := range txs {
		step = max(step, tx.Step)
	}
	return step + 1
}
