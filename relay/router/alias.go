package router

import "strings"

// ParsedAlias is the result of parsing the router alias microformat:
// "router", "router:<strategy>", "router:<model>" or
// "router:<strategy>:<model>". A plain model name that doesn't start with
// "router" parses to IsRouter=false and Model set to the input verbatim.
type ParsedAlias struct {
	IsRouter bool
	Strategy string
	Model    string
}

var knownStrategies = map[string]bool{
	StrategySimple:       true,
	StrategyRandom:       true,
	StrategyRoundRobin:   true,
	StrategyLeastUsed:    true,
	StrategyPassthrough:  true,
}

// ParseAlias parses the microformat described by spec §4.2. When the middle
// segment of a three-part alias isn't a known strategy name, it's treated as
// part of the model name (rejoined with ':').
func ParseAlias(raw string) ParsedAlias {
	if raw != "router" && !strings.HasPrefix(raw, "router:") {
		return ParsedAlias{IsRouter: false, Model: raw}
	}

	if raw == "router" {
		return ParsedAlias{IsRouter: true, Strategy: DefaultStrategy}
	}

	rest := strings.TrimPrefix(raw, "router:")
	parts := strings.SplitN(rest, ":", 2)

	if len(parts) == 1 {
		if knownStrategies[parts[0]] {
			return ParsedAlias{IsRouter: true, Strategy: parts[0]}
		}
		return ParsedAlias{IsRouter: true, Strategy: DefaultStrategy, Model: parts[0]}
	}

	if knownStrategies[parts[0]] {
		return ParsedAlias{IsRouter: true, Strategy: parts[0], Model: parts[1]}
	}
	// First segment isn't a strategy: treat the whole remainder as the model.
	return ParsedAlias{IsRouter: true, Strategy: DefaultStrategy, Model: rest}
}
