// Package fusion implements the risk policy rules: weighted component-score
// fusion, jurisdiction adjustment, risk-band mapping, and decision
// recommendation. All functions are pure and deterministic; every input is
// passed explicitly.
package fusion

import (
	"math"
	"strings"

	"github.com/turing-id/orchestrate/internal/model"
)

// Weights are the fusion coefficients for the four component scores.
type Weights struct {
	Fraud     float64
	AML       float64
	Credit    float64
	Liquidity float64
}

// DefaultWeights sum to 1.0 so a unit score vector fuses to the top of the
// composite range.
var DefaultWeights = Weights{Fraud: 0.35, AML: 0.30, Credit: 0.20, Liquidity: 0.15}

// Band floors. Intervals are closed-open; critical includes 1.0.
const (
	mediumFloor   = 0.40
	highFloor     = 0.60
	criticalFloor = 0.80
)

// Jurisdiction adjustment multipliers, applied to individual components
// before fusion.
const (
	amlMultiplierEU    = 1.20
	amlMultiplierGCC   = 1.25
	creditMultiplierAU = 1.15
)

// AML thresholds for the medium-band review gate.
const (
	amlThresholdDefault = 0.60
	amlThresholdAU      = 0.55
	amlThresholdEU      = 0.50
	amlThresholdGCC     = 0.45
)

// Scores is a concrete component score vector, each value in [0,1].
// Components the engine did not report enter the fusion as zero.
type Scores struct {
	Fraud     float64
	AML       float64
	Credit    float64
	Liquidity float64
}

// FromComponents flattens nullable engine-reported scores into a concrete
// vector for fusion math.
func FromComponents(c model.ComponentScores) Scores {
	var s Scores
	if c.Fraud != nil {
		s.Fraud = *c.Fraud
	}
	if c.AML != nil {
		s.AML = *c.AML
	}
	if c.Credit != nil {
		s.Credit = *c.Credit
	}
	if c.Liquidity != nil {
		s.Liquidity = *c.Liquidity
	}
	return s
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

// CanonicalJurisdiction folds case and the long-form aliases risk engines
// report into the codes the policy tables key on. Unrecognised values pass
// through upper-cased and take the default policy path.
func CanonicalJurisdiction(jurisdiction string) string {
	j := strings.ToUpper(strings.TrimSpace(jurisdiction))
	switch j {
	case "EUROPE":
		return "EU"
	case "AUSTRALIA":
		return "AU"
	case "GULF":
		return "GCC"
	default:
		return j
	}
}

// AdjustScores applies the jurisdiction risk-appetite adjustment ahead of
// fusion: EU and GCC inflate AML, AU inflates credit. Adjusted components
// are clamped back to [0,1].
func AdjustScores(s Scores, jurisdiction string) Scores {
	switch CanonicalJurisdiction(jurisdiction) {
	case "EU":
		s.AML = clamp01(s.AML * amlMultiplierEU)
	case "GCC":
		s.AML = clamp01(s.AML * amlMultiplierGCC)
	case "AU":
		s.Credit = clamp01(s.Credit * creditMultiplierAU)
	}
	return s
}

// Fuse produces the composite risk score: jurisdiction-adjusted weighted
// sum, clamped to [0,1].
func Fuse(s Scores, jurisdiction string) float64 {
	adj := AdjustScores(s, jurisdiction)
	composite := DefaultWeights.Fraud*adj.Fraud +
		DefaultWeights.AML*adj.AML +
		DefaultWeights.Credit*adj.Credit +
		DefaultWeights.Liquidity*adj.Liquidity
	return clamp01(composite)
}

// BandFor maps a composite score to its risk band.
func BandFor(score float64) model.RiskBand {
	switch {
	case score >= criticalFloor:
		return model.BandCritical
	case score >= highFloor:
		return model.BandHigh
	case score >= mediumFloor:
		return model.BandMedium
	default:
		return model.BandLow
	}
}

// AMLThreshold returns the jurisdiction's AML gate for medium-band
// decisions.
func AMLThreshold(jurisdiction string) float64 {
	switch CanonicalJurisdiction(jurisdiction) {
	case "AU":
		return amlThresholdAU
	case "EU":
		return amlThresholdEU
	case "GCC":
		return amlThresholdGCC
	default:
		return amlThresholdDefault
	}
}

// Recommend maps a band to an outcome. amlScore is the raw engine-reported
// AML component, before jurisdiction adjustment; it gates the medium band.
func Recommend(band model.RiskBand, amlScore float64, jurisdiction string) model.Outcome {
	switch band {
	case model.BandCritical:
		return model.OutcomeDecline
	case model.BandHigh:
		return model.OutcomeReview
	case model.BandMedium:
		if amlScore > AMLThreshold(jurisdiction) {
			return model.OutcomeReview
		}
		return model.OutcomeApprove
	default:
		return model.OutcomeApprove
	}
}

// Resolution is a fully-determined decision input: an engine evaluation
// with every policy gap filled.
type Resolution struct {
	Score         float64
	Band          model.RiskBand
	Outcome       model.Outcome
	RequiresHuman bool
	Confidence    float64
	Jurisdiction  string
	PolicyVersion string
}

// Resolve fills the gaps engines leave in an evaluation:
//   - score: the engine's final score, else a fresh fusion of the
//     component scores.
//   - band: the engine's band when recognised, else derived from the score.
//   - outcome: the engine's recommendation when recognised, else the policy
//     recommendation for the band.
//   - requires_human: the engine's flag when present, else true iff the
//     outcome is review.
//   - confidence: the engine's confidence, else 0.
//
// Jurisdiction and policy version fall back to the AU defaults.
func Resolve(eval model.RiskEvaluation) Resolution {
	jurisdiction := eval.Jurisdiction
	if jurisdiction == "" {
		jurisdiction = model.DefaultJurisdiction
	}
	policyVersion := eval.PolicyVersion
	if policyVersion == "" {
		policyVersion = model.DefaultPolicyVersion
	}

	scores := FromComponents(eval.ComponentScoreMap())

	var score float64
	if eval.FinalRisk.Score != nil {
		score = *eval.FinalRisk.Score
	} else {
		score = Fuse(scores, jurisdiction)
	}

	band := model.RiskBand(strings.ToLower(eval.FinalRisk.Band))
	if !model.ValidRiskBand(band) {
		band = BandFor(score)
	}

	var outcome model.Outcome
	if eval.Decision != nil {
		outcome = model.Outcome(strings.ToLower(eval.Decision.Recommendation))
	}
	if !model.ValidOutcome(outcome) {
		outcome = Recommend(band, scores.AML, jurisdiction)
	}

	requiresHuman := outcome == model.OutcomeReview
	if eval.Decision != nil && eval.Decision.RequiresHuman != nil {
		requiresHuman = *eval.Decision.RequiresHuman
	}

	var confidence float64
	if eval.Confidence != nil {
		confidence = *eval.Confidence
	}

	return Resolution{
		Score:         score,
		Band:          band,
		Outcome:       outcome,
		RequiresHuman: requiresHuman,
		Confidence:    confidence,
		Jurisdiction:  jurisdiction,
		PolicyVersion: policyVersion,
	}
}
