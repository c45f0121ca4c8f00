package models

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tier is a subscription level.
type Tier string

const (
	TierTrial        Tier = "trial"
	TierStarter      Tier = "starter"
	TierGrowth       Tier = "growth"
	TierProfessional Tier = "professional"
	TierTeammate     Tier = "teammate"
)

// Unlimited marks a limit without a ceiling.
const Unlimited = -1

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierTrial, TierStarter, TierGrowth, TierProfessional, TierTeammate:
		return true
	}
	return false
}

// IsPaid reports whether t is bought through the billing provider.
func (t Tier) IsPaid() bool {
	return t == TierStarter || t == TierGrowth || t == TierProfessional
}

// Limits is the quota table of a tier. A value of Unlimited disables the check.
type Limits struct {
	MaxReceipts      int `json:"maxReceipts" yaml:"maxReceipts" firestore:"maxReceipts"`
	MaxBusinesses    int `json:"maxBusinesses" yaml:"maxBusinesses" firestore:"maxBusinesses"`
	MaxReports       int `json:"maxReports" yaml:"maxReports" firestore:"maxReports"`
	MaxTeamMembers   int `json:"maxTeamMembers" yaml:"maxTeamMembers" firestore:"maxTeamMembers"`
	MaxBankAccounts  int `json:"maxBankAccounts" yaml:"maxBankAccounts" firestore:"maxBankAccounts"`
	APICallsPerMonth int `json:"apiCallsPerMonth" yaml:"apiCallsPerMonth" firestore:"apiCallsPerMonth"`
}

// ToMap encodes the limits for the store.
func (l Limits) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"maxReceipts":      l.MaxReceipts,
		"maxBusinesses":    l.MaxBusinesses,
		"maxReports":       l.MaxReports,
		"maxTeamMembers":   l.MaxTeamMembers,
		"maxBankAccounts":  l.MaxBankAccounts,
		"apiCallsPerMonth": l.APICallsPerMonth,
	}
}

// ReceiptsExceeded reports whether count is over the receipt quota.
func (l Limits) ReceiptsExceeded(count int) bool {
	return l.MaxReceipts != Unlimited && count > l.MaxReceipts
}

// Features is the feature switch table of a tier.
type Features struct {
	AdvancedReporting bool `json:"advancedReporting" yaml:"advancedReporting" firestore:"advancedReporting"`
	BankSync          bool `json:"bankSync" yaml:"bankSync" firestore:"bankSync"`
	TeamManagement    bool `json:"teamManagement" yaml:"teamManagement" firestore:"teamManagement"`
	APIAccess         bool `json:"apiAccess" yaml:"apiAccess" firestore:"apiAccess"`
	MultiBusiness     bool `json:"multiBusiness" yaml:"multiBusiness" firestore:"multiBusiness"`
	PrioritySupport   bool `json:"prioritySupport" yaml:"prioritySupport" firestore:"prioritySupport"`
	TaxPreparation    bool `json:"taxPreparation" yaml:"taxPreparation" firestore:"taxPreparation"`
}

// ToMap encodes the features for the store.
func (f Features) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"advancedReporting": f.AdvancedReporting,
		"bankSync":          f.BankSync,
		"teamManagement":    f.TeamManagement,
		"apiAccess":         f.APIAccess,
		"multiBusiness":     f.MultiBusiness,
		"prioritySupport":   f.PrioritySupport,
		"taxPreparation":    f.TaxPreparation,
	}
}

// TierPlan groups the limits and features granted by one tier.
type TierPlan struct {
	Limits   Limits   `yaml:"limits"`
	Features Features `yaml:"features"`
}

// Catalog maps every tier to its plan.
type Catalog map[Tier]TierPlan

// DefaultCatalog returns the compiled-in tier table.
func DefaultCatalog() Catalog {
	return Catalog{
		TierTrial: {
			Limits:   Limits{MaxReceipts: 25, MaxBusinesses: 1, MaxReports: 3, MaxTeamMembers: 0, MaxBankAccounts: 0, APICallsPerMonth: 0},
			Features: Features{},
		},
		TierStarter: {
			Limits:   Limits{MaxReceipts: 50, MaxBusinesses: 1, MaxReports: 10, MaxTeamMembers: 0, MaxBankAccounts: 1, APICallsPerMonth: 0},
			Features: Features{TaxPreparation: true},
		},
		TierGrowth: {
			Limits:   Limits{MaxReceipts: 150, MaxBusinesses: 3, MaxReports: 50, MaxTeamMembers: 3, MaxBankAccounts: 3, APICallsPerMonth: 1000},
			Features: Features{AdvancedReporting: true, BankSync: true, TeamManagement: true, MultiBusiness: true, TaxPreparation: true},
		},
		TierProfessional: {
			Limits:   Limits{MaxReceipts: Unlimited, MaxBusinesses: Unlimited, MaxReports: Unlimited, MaxTeamMembers: 10, MaxBankAccounts: Unlimited, APICallsPerMonth: Unlimited},
			Features: Features{AdvancedReporting: true, BankSync: true, TeamManagement: true, APIAccess: true, MultiBusiness: true, PrioritySupport: true, TaxPreparation: true},
		},
		TierTeammate: {
			Limits:   Limits{MaxReceipts: Unlimited, MaxBusinesses: 0, MaxReports: 0, MaxTeamMembers: 0, MaxBankAccounts: 0, APICallsPerMonth: 0},
			Features: Features{},
		},
	}
}

// Plan returns the plan for t, falling back to the trial plan for unknown tiers.
func (c Catalog) Plan(t Tier) TierPlan {
	if p, ok := c[t]; ok {
		return p
	}
	return c[TierTrial]
}

// LoadCatalog reads a YAML tier table and lays it over the defaults.
// Tiers missing from the file keep their compiled-in plan.
func LoadCatalog(path string) (Catalog, error) {
	catalog := DefaultCatalog()
	if path == "" {
		return catalog, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tier catalog %s: %w", path, err)
	}
	var override map[Tier]TierPlan
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return nil, fmt.Errorf("failed to parse tier catalog %s: %w", path, err)
	}
	for tier, plan := range override {
		if !tier.Valid() {
			return nil, fmt.Errorf("tier catalog %s: unknown tier %q", path, tier)
		}
		catalog[tier] = plan
	}
	return catalog, nil
}
