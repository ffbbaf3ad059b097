package ratelimit

// TierConfig defines submit limits for one workflow tier
type TierConfig struct {
	Tier          WorkflowTier
	Limit         int64  // Submits allowed per window
	WindowSeconds int    // Time window in seconds
	Description   string // Human-readable description
}

// Default tier configurations
var DefaultTierConfigs = map[WorkflowTier]TierConfig{
	TierSimple: {
		Tier:          TierSimple,
		Limit:         100,
		WindowSeconds: 60,
		Description:   "Simple workflows (no agent nodes) - 100 submits/minute",
	},
	TierStandard: {
		Tier:          TierStandard,
		Limit:         20,
		WindowSeconds: 60,
		Description:   "Standard workflows (1-2 agent nodes) - 20 submits/minute",
	},
	TierHeavy: {
		Tier:          TierHeavy,
		Limit:         5,
		WindowSeconds: 60,
		Description:   "Heavy workflows (3+ agent nodes) - 5 submits/minute",
	},
}

// GlobalConfig contains service-wide limits across all owners
type GlobalConfig struct {
	Limit         int64
	WindowSeconds int
}

// Default global configuration
var DefaultGlobalConfig = GlobalConfig{
	Limit:         500,
	WindowSeconds: 60,
}

// GetLimitForTier returns the submit limit for a given tier
func GetLimitForTier(tier WorkflowTier) int64 {
	if config, exists := DefaultTierConfigs[tier]; exists {
		return config.Limit
	}
	// Unknown tiers fall back to the most restrictive limit
	return DefaultTierConfigs[TierHeavy].Limit
}

// GetWindowForTier returns the time window for a given tier
func GetWindowForTier(tier WorkflowTier) int {
	if config, exists := DefaultTierConfigs[tier]; exists {
		return config.WindowSeconds
	}
	return DefaultTierConfigs[TierHeavy].WindowSeconds
}

// GetAllTiers returns all configured tiers for API responses
func GetAllTiers() []TierConfig {
	return []TierConfig{
		DefaultTierConfigs[TierSimple],
		DefaultTierConfigs[TierStandard],
		DefaultTierConfigs[TierHeavy],
	}
}
