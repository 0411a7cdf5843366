package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/platform/database"
)

// ContractRepository persists contracts and the append-only transaction ledger.
type ContractRepository struct {
	db *gorm.DB
}

func (r *ContractRepository) Insert(ctx context.Context, contract domain.Contract) (domain.Contract, error) {
	now := time.Now().UTC()
	m := contractModel{
		OrderID:        contract.OrderID,
		Amount:         contract.Amount,
		TaxPercent:     contract.TaxPercent,
		Status:         string(contract.Status),
		Type:           string(contract.Type),
		ExternalSource: contract.ExternalSource,
		ExternalID:     contract.ExternalID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := database.Conn(ctx, r.db).Create(&m).Error; err != nil {
		return domain.Contract{}, database.WrapError("contracts.insert", err)
	}
	return m.toDomain(), nil
}

func (r *ContractRepository) FindByID(ctx context.Context, contractID int64) (domain.Contract, error) {
	var m contractModel
	if err := database.Conn(ctx, r.db).First(&m, contractID).Error; err != nil {
		return domain.Contract{}, database.WrapError("contracts.get", err)
	}
	return r.withTransactions(ctx, m)
}

func (r *ContractRepository) FindByOrder(ctx context.Context, orderID int64) (domain.Contract, error) {
	var m contractModel
	if err := database.Conn(ctx, r.db).Where("order_id = ?", orderID).First(&m).Error; err != nil {
		return domain.Contract{}, database.WrapError("contracts.by_order", err)
	}
	return r.withTransactions(ctx, m)
}

func (r *ContractRepository) FindByOrderForUpdate(ctx context.Context, orderID int64) (domain.Contract, error) {
	var m contractModel
	err := database.Conn(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_id = ?", orderID).
		First(&m).Error
	if err != nil {
		return domain.Contract{}, database.WrapError("contracts.by_order_for_update", err)
	}
	return r.withTransactions(ctx, m)
}

func (r *ContractRepository) withTransactions(ctx context.Context, m contractModel) (domain.Contract, error) {
	contract := m.toDomain()
	txs, err := r.ListTransactions(ctx, m.ID)
	if err != nil {
		return domain.Contract{}, err
	}
	contract.Transactions = txs
	return contract, nil
}

func (r *ContractRepository) Update(ctx context.Context, contract domain.Contract) error {
	res := database.Conn(ctx, r.db).Model(&contractModel{}).Where("id = ?", contract.ID).Updates(map[string]any{
		"amount":          contract.Amount,
		"tax_percent":     contract.TaxPercent,
		"status":          string(contract.Status),
		"type":            string(contract.Type),
		"external_source": contract.ExternalSource,
		"external_id":     contract.ExternalID,
		"updated_at":      time.Now().UTC(),
	})
	if res.Error != nil {
		return database.WrapError("contracts.update", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.NotFound("contracts.update", "contract")
	}
	return nil
}

func (r *ContractRepository) UpdateStatus(ctx context.Context, contractID int64, status domain.ContractStatus) error {
	res := database.Conn(ctx, r.db).Model(&contractModel{}).Where("id = ?", contractID).
		Updates(map[string]any{"status": string(status), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return database.WrapError("contracts.status", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.NotFound("contracts.status", "contract")
	}
	return nil
}

func (r *ContractRepository) InsertTransaction(ctx context.Context, tx domain.ContractTransaction) (domain.ContractTransaction, error) {
	now := time.Now().UTC()
	m := contractTransactionModel{
		ContractID:     tx.ContractID,
		Type:           string(tx.Type),
		Amount:         tx.Amount,
		DiscountAmount: tx.DiscountAmount,
		Step:           tx.Step,
		Status:         string(tx.Status),
		TrackID:        tx.TrackID,
		ExternalID:     tx.ExternalID,
		ExternalSource: tx.ExternalSource,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := database.Conn(ctx, r.db).Create(&m).Error; err != nil {
		return domain.ContractTransaction{}, database.WrapError("contract_transactions.insert", err)
	}
	return m.toDomain(), nil
}

func (r *ContractRepository) UpdateTransaction(ctx context.Context, tx domain.ContractTransaction) error {
	res := database.Conn(ctx, r.db).Model(&contractTransactionModel{}).Where("id = ?", tx.ID).Updates(map[string]any{
		"status":      string(tx.Status),
		"track_id":    tx.TrackID,
		"external_id": tx.ExternalID,
		"updated_at":  time.Now().UTC(),
	})
	if res.Error != nil {
		return database.WrapError("contract_transactions.update", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.NotFound("contract_transactions.update", "contract transaction")
	}
	return nil
}

func (r *ContractRepository) TransitionTransaction(ctx context.Context, tx domain.ContractTransaction, from domain.ContractTransactionStatus) (bool, error) {
	res := database.Conn(ctx, r.db).Model(&contractTransactionModel{}).
		Where("id = ? AND status = ?", tx.ID, string(from)).
		Updates(map[string]any{
			"status":      string(tx.Status),
			"track_id":    tx.TrackID,
			"external_id": tx.ExternalID,
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return false, database.WrapError("contract_transactions.transition", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *ContractRepository) ListTransactions(ctx context.Context, contractID int64) ([]domain.ContractTransaction, error) {
	var rows []contractTransactionModel
	err := database.Conn(ctx, r.db).Where("contract_id = ?", contractID).Order("id ASC").Find(&rows).Error
	if err != nil {
		return nil, database.WrapError("contract_transactions.list", err)
	}
	out := make([]domain.ContractTransaction, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *ContractRepository) FindTransactionByExternalID(ctx context.Context, externalID string) (domain.ContractTransaction, error) {
	return r.findOne(ctx, "contract_transactions.by_external_id", "external_id = ?", externalID)
}

func (r *ContractRepository) FindTransactionByTrackID(ctx context.Context, trackID string) (domain.ContractTransaction, error) {
	return r.findOne(ctx, "contract_transactions.by_track_id", "track_id = ?", trackID)
}

func (r *ContractRepository) LatestTransaction(ctx context.Context, orderID int64, txType domain.ContractTransactionType) (domain.ContractTransaction, error) {
	var m contractTransactionModel
	err := database.Conn(ctx, r.db).
		Joins("JOIN contracts ON contracts.id = contract_transactions.contract_id").
		Where("contracts.order_id = ? AND contract_transactions.type = ?", orderID, string(txType)).
		Order("contract_transactions.id DESC").
		First(&m).Error
	if err != nil {
		return domain.ContractTransaction{}, database.WrapError("contract_transactions.latest", err)
	}
	return m.toDomain(), nil
}

func (r *ContractRepository) findOne(ctx context.Context, op string, query string, arg any) (domain.ContractTransaction, error) {
	var m contractTransactionModel
	if err := database.Conn(ctx, r.db).Where(query, arg).Order("id DESC").First(&m).Error; err != nil {
		return domain.ContractTransaction{}, database.WrapError(op, err)
	}
	return m.toDomain(), nil
}
