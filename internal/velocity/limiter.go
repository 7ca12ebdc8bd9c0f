// Package velocity caps how many PIX charges a single patient can open in a
// rolling window, backed by Redis counters.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vidaplena/booking-platform/pkg/logging"
)

var tracer = otel.Tracer("booking.internal.velocity")

// Config contains the charge velocity limits.
type Config struct {
	// Max charges per patient CPF per window.
	MaxChargesPerPatient int
	Window               time.Duration
}

// DefaultConfig returns the default charge limits.
func DefaultConfig() Config {
	return Config{
		MaxChargesPerPatient: 5,
		Window:               24 * time.Hour,
	}
}

// Limiter counts charge attempts per patient in Redis. It satisfies the
// reconcile service's ChargeLimiter interface.
type Limiter struct {
	redis  *redis.Client
	config Config
	logger *logging.Logger
}

// NewLimiter creates a Redis-backed charge limiter.
func NewLimiter(redisClient *redis.Client, config Config, logger *logging.Logger) *Limiter {
	if logger == nil {
		logger = logging.Default()
	}
	if config.MaxChargesPerPatient <= 0 {
		config.MaxChargesPerPatient = DefaultConfig().MaxChargesPerPatient
	}
	if config.Window <= 0 {
		config.Window = DefaultConfig().Window
	}
	return &Limiter{
		redis:  redisClient,
		config: config,
		logger: logger,
	}
}

// Allow increments the patient's charge counter and reports whether the new
// count is still inside the limit. Errors are returned to the caller, which
// decides the fail-open policy.
func (l *Limiter) Allow(ctx context.Context, patientCPF string) (bool, error) {
	ctx, span := tracer.Start(ctx, "velocity.allow_charge")
	defer span.End()

	key := fmt.Sprintf("velocity:charge:%s", patientCPF)

	count, err := l.incrementAndGet(ctx, key, l.config.Window)
	if err != nil {
		return false, fmt.Errorf("velocity check: %w", err)
	}
	span.SetAttributes(
		attribute.Int("velocity.count", count),
		attribute.Int("velocity.max", l.config.MaxChargesPerPatient),
	)

	allowed := count <= l.config.MaxChargesPerPatient
	if !allowed {
		l.logger.Warn("charge velocity exceeded",
			"count", count,
			"max", l.config.MaxChargesPerPatient,
		)
		span.SetAttributes(attribute.Bool("velocity.exceeded", true))
	}
	return allowed, nil
}

func (l *Limiter) incrementAndGet(ctx context.Context, key string, window time.Duration) (int, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}

	// Set expiry only on first increment so the window is anchored to the
	// patient's first charge.
	if count == 1 {
		l.redis.Expire(ctx, key, window)
	}
	return int(count), nil
}

// Reset clears the charge counter for a patient (admin use).
func (l *Limiter) Reset(ctx context.Context, patientCPF string) error {
	key := fmt.Sprintf("velocity:charge:%s", patientCPF)
	return l.redis.Del(ctx, key).Err()
}
