package model

// RiskEvaluation is the success schema of the risk engine's evaluate
// response. Fields beyond this set are ignored on decode; optional fields
// stay pointers so gap-filling policy can distinguish absent from zero.
type RiskEvaluation struct {
	FinalRisk      FinalRisk      `json:"final_risk"`
	Decision       *RiskDecision  `json:"decision,omitempty"`
	Confidence     *float64       `json:"confidence,omitempty"`
	Jurisdiction   string         `json:"jurisdiction,omitempty"`
	PolicyVersion  string         `json:"policy_version,omitempty"`
	FraudScore     *float64       `json:"fraud_score,omitempty"`
	AMLScore       *float64       `json:"aml_score,omitempty"`
	CreditScore    *float64       `json:"credit_score,omitempty"`
	LiquidityScore *float64       `json:"liquidity_score,omitempty"`
	Factors        []string       `json:"factors,omitempty"`
	Models         map[string]any `json:"models,omitempty"`
}

// FinalRisk is the engine's fused score and band.
type FinalRisk struct {
	Score *float64 `json:"score,omitempty"`
	Band  string   `json:"band,omitempty"`
}

// RiskDecision is the engine's recommendation block. RequiresHuman is a
// pointer because its absence means "derive from the outcome".
type RiskDecision struct {
	Recommendation string `json:"recommendation,omitempty"`
	RequiresHuman  *bool  `json:"requires_human,omitempty"`
}

// ComponentScoreMap returns the engine-reported per-domain scores in the
// shape a decision record's risk_summary carries.
func (e RiskEvaluation) ComponentScoreMap() ComponentScores {
	return ComponentScores{
		Fraud:     e.FraudScore,
		AML:       e.AMLScore,
		Credit:    e.CreditScore,
		Liquidity: e.LiquidityScore,
	}
}
