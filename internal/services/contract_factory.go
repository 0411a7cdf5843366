package services

import (
	"context"
	"fmt"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/repositories"
)

type contractFactory struct {
	contracts repositories.ContractRepository
}

// Create persists a NotReady cash contract for the order.
func (f contractFactory) Create(ctx context.Context, orderID, amount int64, taxPercent int) (domain.Contract, error) {
	if amount < 0 {
		return domain.Contract{}, newCheckoutError(KindInvalidAmount, fmt.Sprintf("amount %d", amount))
	}
	if taxPercent < 0 || taxPercent > 100 {
		return domain.Contract{}, newCheckoutError(KindInvalidTaxPercent, fmt.Sprintf("tax percent %d", taxPercent))
	}
	contract, err := f.contracts.Insert(ctx, domain.Contract{
		OrderID:    orderID,
		Amount:     amount,
		TaxPercent: taxPercent,
		Status:     domain.ContractStatusNotReady,
		Type:       domain.ContractTypeCash,
	})
	if err != nil {
		return domain.Contract{}, wrapCheckoutError(KindContractCreationFailed, "", err)
	}
	return contract, nil
}
