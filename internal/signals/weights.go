package signals

import "github.com/rickgao/kalshi-alpha/internal/model"

// Per-type contribution of each signal to the composite score.
var signalWeights = map[string]float64{
	"flow_toxicity":            0.35,
	"flow_burst":               0.08,
	"flow_large_trade":         0.05,
	"oi_divergence":            0.30,
	"cross_market_propagation": 0.15,
	"signal_propagation":       0.10,
	"settlement_cascade":       0.15,
	"new_market_open":          0.02,
	"new_market_extreme_price": 0.05,
	"regime_change":            0.05,
}

const defaultSignalWeight = 0.1

// Regime multipliers applied on top of the base weights. Informed flow
// matters most when the tape says someone is sweeping; cross-market
// relationships matter more when the market itself is silent.
var regimeModifiers = map[model.Regime]map[string]float64{
	model.RegimeDead: {
		"flow_toxicity":            0.5,
		"oi_divergence":            0.7,
		"cross_market_propagation": 1.2,
	},
	model.RegimeQuiet: {
		"flow_toxicity":            0.8,
		"oi_divergence":            0.9,
		"cross_market_propagation": 1.1,
	},
	model.RegimeActive: {
		"flow_toxicity":            1.0,
		"oi_divergence":            1.0,
		"cross_market_propagation": 1.0,
	},
	model.RegimeInformed: {
		"flow_toxicity":            1.5,
		"oi_divergence":            1.3,
		"cross_market_propagation": 0.8,
	},
	model.RegimePreSettlement: {
		"flow_toxicity":            0.8,
		"oi_divergence":            0.5,
		"cross_market_propagation": 1.0,
	},
}

func baseWeight(signalType string) float64 {
	if w, ok := signalWeights[signalType]; ok {
		return w
	}
	return defaultSignalWeight
}

func regimeModifier(regime model.Regime, signalType string) float64 {
	if mods, ok := regimeModifiers[regime]; ok {
		if m, ok := mods[signalType]; ok {
			return m
		}
	}
	return 1.0
}
