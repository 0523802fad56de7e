package config

import (
	"time"

	"gatekeeper/internal/ratelimit/models"
)

// Config holds rate limiting configuration.
type Config struct {
	// Limits per class. A class without an entry is denied outright.
	Limits map[models.Class]models.Limit

	// StoreTimeout bounds every counter store call made on the request path.
	StoreTimeout time.Duration
}

// DefaultConfig returns the stock per-class allowances.
func DefaultConfig() *Config {
	return &Config{
		Limits: map[models.Class]models.Limit{
			models.ClassPublic:        {RequestsPerWindow: 30, Window: time.Minute},
			models.ClassAuthenticated: {RequestsPerWindow: 100, Window: time.Minute},
			models.ClassAdmin:         {RequestsPerWindow: 200, Window: time.Minute},
			models.ClassSensitive:     {RequestsPerWindow: 10, Window: time.Minute},
		},
		StoreTimeout: 150 * time.Millisecond,
	}
}

// LimitFor returns the configured allowance for a class.
func (c *Config) LimitFor(class models.Class) (models.Limit, bool) {
	limit, ok := c.Limits[class]
	if !ok || limit.RequestsPerWindow <= 0 || limit.Window <= 0 {
		return models.Limit{}, false
	}
	return limit, true
}
