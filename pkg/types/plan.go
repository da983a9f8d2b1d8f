package types

type Plan struct {
	ID            string `json:"id" mapstructure:"id"`
	Name          string `json:"name" mapstructure:"name"`
	MonthlyAmount int64  `json:"monthly_amount" mapstructure:"monthly_amount"`
	YearlyAmount  int64  `json:"yearly_amount" mapstructure:"yearly_amount"`
	Currency      string `json:"currency" mapstructure:"currency"`
	// RetentionDays is the camera footage retention entitlement for the plan.
	RetentionDays int `json:"retention_days" mapstructure:"retention_days"`
	TrialDays     int `json:"trial_days" mapstructure:"trial_days"`
}

// AmountFor returns the charge amount for the given billing cycle.
func (p *Plan) AmountFor(cycle BillingCycle) int64 {
	if cycle == BillingCycleYearly {
		return p.YearlyAmount
	}
	return p.MonthlyAmount
}
