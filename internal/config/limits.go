package config

// BucketLimits satisfies queue.Limits with a flat, process-wide ceiling. spec.md names per_symbol_limit, stop_limit and
// per_account_limit_share as quantities a bucket is checked against, not as
// per-exchange overrides with their own source of truth — symbol-level
// overrides belong with the symbol metadata (internal/symbols), not here.
type BucketLimits struct {
	cfg *Config
}

func NewBucketLimits(cfg *Config) *BucketLimits {
	return &BucketLimits{cfg: cfg}
}

func (b *BucketLimits) PerSymbolLimit(exchange, symbol string) int { return b.cfg.PerSymbolLimit }
func (b *BucketLimits) StopLimit(exchange, symbol string) int      { return b.cfg.StopLimit }
func (b *BucketLimits) PerAccountLimitShare(accountID, symbol string) int {
	return b.cfg.PerAccountLimitShare
}
