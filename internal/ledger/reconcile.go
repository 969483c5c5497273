package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/streamwallet/internal/platform/clock"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/logging"
	"github.com/wizardbeardstudio/streamwallet/internal/store"
)

type Mismatch struct {
	UserID   string          `json:"userId"`
	Balance  decimal.Decimal `json:"balance"`
	EntrySum decimal.Decimal `json:"entrySum"`
	// Orphaned is set when entries exist for a user without a wallet row.
	Orphaned bool `json:"orphaned,omitempty"`
}

type Report struct {
	CheckedAt  time.Time  `json:"checkedAt"`
	Wallets    int        `json:"wallets"`
	Negative   []string   `json:"negative"`
	Mismatches []Mismatch `json:"mismatches"`
}

func (r Report) OK() bool {
	return len(r.Mismatches) == 0 && len(r.Negative) == 0
}

// Reconciler compares every wallet balance with the signed sum of its ledger entries.
type Reconciler struct {
	store store.Reader
	clock clock.Clock
	log   *zap.Logger
}

func NewReconciler(s store.Reader, clk clock.Clock, log *zap.Logger) *Reconciler {
	return &Reconciler{store: s, clock: clk, log: logging.OrNop(log)}
}

func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	wallets, err := r.store.ListWallets(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list wallets: %w", err)
	}
	sums, err := r.store.EntrySumsByUser(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("sum entries: %w", err)
	}

	rep := Report{CheckedAt: clock.NowOr(r.clock), Wallets: len(wallets), Negative: []string{}, Mismatches: []Mismatch{}}
	seen := make(map[string]struct{}, len(wallets))
	for _, w := range wallets {
		seen[w.UserID] = struct{}{}
		if w.Balance.IsNegative() {
			rep.Negative = append(rep.Negative, w.UserID)
		}
		sum := sums[w.UserID]
		if !w.Balance.Equal(sum) {
			rep.Mismatches = append(rep.Mismatches, Mismatch{UserID: w.UserID, Balance: w.Balance, EntrySum: sum})
		}
	}
	for userID, sum := range sums {
		if _, ok := seen[userID]; !ok {
			rep.Mismatches = append(rep.Mismatches, Mismatch{UserID: userID, EntrySum: sum, Orphaned: true})
		}
	}

	if rep.OK() {
		r.log.Info("ledger reconciliation clean", zap.Int("wallets", rep.Wallets))
	} else {
		r.log.Error("ledger reconciliation found drift",
			zap.Int("wallets", rep.Wallets),
			zap.Int("mismatches", len(rep.Mismatches)),
			zap.Strings("negative", rep.Negative),
		)
	}
	return rep, nil
}
