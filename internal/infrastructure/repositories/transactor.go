package repositories

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	domainrepos "github.com/rail-service/settlement_core/internal/domain/repositories"
	"github.com/rail-service/settlement_core/internal/infrastructure/database"
)

// SQLTransactor implements repositories.Transactor over a sqlx pool.
type SQLTransactor struct {
	db *sqlx.DB
}

func NewSQLTransactor(db *sqlx.DB) *SQLTransactor {
	return &SQLTransactor{db: db}
}

func (t *SQLTransactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return database.WithinTransaction(ctx, t.db, fn)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

var (
	_ domainrepos.Transactor             = (*SQLTransactor)(nil)
	_ domainrepos.WalletRepository       = (*WalletRepository)(nil)
	_ domainrepos.LedgerRepository       = (*LedgerRepository)(nil)
	_ domainrepos.SweepQueueRepository   = (*SweepQueueRepository)(nil)
	_ domainrepos.WebhookQueueRepository = (*WebhookQueueRepository)(nil)
)
