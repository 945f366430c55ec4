// Package resilience wraps external service calls in circuit breakers.
package resilience

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/GPEire/Tradie-GSuite/pkg/logger"
)

// NewBreaker builds a circuit breaker tuned for chatty upstream APIs:
// trips on 5 consecutive failures or a 60% failure ratio over at
// least 10 requests, probes again after 30 seconds.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}
	return gobreaker.NewCircuitBreaker(settings)
}

// IsOpen reports whether err came from a breaker refusing the call.
func IsOpen(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}
