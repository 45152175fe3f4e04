package memory

import "github.com/rail-service/settlement_core/internal/domain/repositories"

var (
	_ repositories.Transactor             = (*Store)(nil)
	_ repositories.WalletRepository       = (*WalletRepository)(nil)
	_ repositories.LedgerRepository       = (*LedgerRepository)(nil)
	_ repositories.SweepQueueRepository   = (*SweepQueueRepository)(nil)
	_ repositories.WebhookQueueRepository = (*WebhookQueueRepository)(nil)
)
