package repository

// Strategy and ActiveAccounts satisfy webhook.StrategyLookup by duck typing
// — this package never imports internal/webhook. These are the only reads
// this module performs against the CRUD tables spec.md §1 places out of
// scope; no write path to Account/Strategy/StrategyAccount/StrategyCapital
// exists here.

func (r *Repository) Strategy(groupName string) (*Strategy, error) {
	var s Strategy
	if err := r.db.Where("group_name = ?", groupName).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// Capital returns the allocated-capital row for a StrategyAccount, the
// other half of a qty_per sizing calculation.
func (r *Repository) Capital(strategyAccountID string) (*StrategyCapital, error) {
	var c StrategyCapital
	if err := r.db.Where("strategy_account_id = ?", strategyAccountID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ActiveAccounts returns every StrategyAccount bound to strategyID along
// with the Account rows they reference. "Active" here means bound at all —
// per-account enable/disable is a capital-allocation/CRUD concern this
// module doesn't own (spec.md §1 Non-goals).
func (r *Repository) ActiveAccounts(strategyID string) ([]StrategyAccount, []Account, error) {
	var sas []StrategyAccount
	if err := r.db.Where("strategy_id = ?", strategyID).Find(&sas).Error; err != nil {
		return nil, nil, err
	}
	if len(sas) == 0 {
		return sas, nil, nil
	}

	accountIDs := make([]string, 0, len(sas))
	for _, sa := range sas {
		accountIDs = append(accountIDs, sa.AccountID)
	}

	var accounts []Account
	if err := r.db.Where("id IN ?", accountIDs).Find(&accounts).Error; err != nil {
		return nil, nil, err
	}
	return sas, accounts, nil
}
