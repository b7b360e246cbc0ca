package bridge

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"DataSov-Bridge/internal/ledger"
)

// IdentityLedgerView 是快照中身份账本一侧的读数。
type IdentityLedgerView struct {
	Healthy            bool     `json:"healthy"`
	VerifiedIdentities int      `json:"verifiedIdentities"`
	IdentityIDs        []string `json:"identityIds,omitempty"`
	Error              string   `json:"error,omitempty"`
}

// MarketplaceLedgerView 是快照中市场账本一侧的读数。
type MarketplaceLedgerView struct {
	Healthy             bool                    `json:"healthy"`
	Stats               ledger.MarketplaceStats `json:"stats"`
	SuspendedIdentities int                     `json:"suspendedIdentities"`
	Error               string                  `json:"error,omitempty"`
}

// StateSnapshot 是两侧账本的时间点读数，两侧之间不保证事务一致。
type StateSnapshot struct {
	TakenAt     time.Time             `json:"takenAt"`
	State       State                 `json:"state"`
	Identity    IdentityLedgerView    `json:"identityLedger"`
	Marketplace MarketplaceLedgerView `json:"marketplaceLedger"`
	Revocations int                   `json:"revocations"`
	LastSync    *SyncResult           `json:"lastSync,omitempty"`
}

// GetStateSnapshot 并发读取两侧账本。单侧读取失败只记录在对应视图中，不影响另一侧。
func (b *TrustBridge) GetStateSnapshot(ctx context.Context) (*StateSnapshot, error) {
	if err := b.requireRunning("get_state_snapshot"); err != nil {
		return nil, err
	}
	snap := &StateSnapshot{TakenAt: b.now(), State: b.State()}

	var g errgroup.Group
	g.Go(func() error {
		view := &snap.Identity
		view.Healthy = b.identity.IsHealthy() && b.identityStream.up()
		identities, err := b.identity.ListVerifiedIdentities(ctx)
		if err != nil {
			view.Error = err.Error()
			return nil
		}
		view.VerifiedIdentities = len(identities)
		view.IdentityIDs = make([]string, 0, len(identities))
		for _, identity := range identities {
			view.IdentityIDs = append(view.IdentityIDs, identity.IdentityID)
		}
		return nil
	})
	g.Go(func() error {
		view := &snap.Marketplace
		view.Healthy = b.market.IsHealthy() && b.marketStream.up()
		view.SuspendedIdentities = b.market.SuspendedCount()
		stats, err := b.market.Stats(ctx)
		if err != nil {
			view.Error = err.Error()
			return nil
		}
		view.Stats = stats
		return nil
	})
	g.Go(func() error {
		records, err := b.registry.List(ctx)
		if err == nil {
			snap.Revocations = len(records)
		}
		return nil
	})
	_ = g.Wait()

	snap.LastSync = b.SyncStatus().LastResult
	return snap, nil
}
