package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wellnest/marketplace-api/pkg/logging"
	"go.opentelemetry.io/otel/attribute"
)

// VelocityChecker caps how often a user may open checkouts and request refunds.
type VelocityChecker struct {
	redis  *redis.Client
	logger *logging.Logger
	config VelocityConfig
}

// VelocityConfig contains velocity check configuration.
type VelocityConfig struct {
	// Max orders created per user per window
	MaxOrdersPerUser int
	OrderWindow      time.Duration

	// Max manual refund retries per appointment per window
	MaxRefundRetries  int
	RefundRetryWindow time.Duration
}

// DefaultVelocityConfig returns default velocity limits.
func DefaultVelocityConfig() VelocityConfig {
	return VelocityConfig{
		MaxOrdersPerUser:  10,
		OrderWindow:       time.Hour,
		MaxRefundRetries:  5,
		RefundRetryWindow: time.Hour,
	}
}

// VelocityResult contains the result of a velocity check.
type VelocityResult struct {
	Allowed      bool
	CheckType    string
	CurrentCount int
	MaxAllowed   int
	WindowExpiry time.Time
	Message      string
}

func NewVelocityChecker(redisClient *redis.Client, config VelocityConfig, logger *logging.Logger) *VelocityChecker {
	if logger == nil {
		logger = logging.Default()
	}
	return &VelocityChecker{
		redis:  redisClient,
		logger: logger,
		config: config,
	}
}

// CheckOrderVelocity counts an order attempt for userID and reports whether it
// is within limits. Redis failures allow the attempt.
func (v *VelocityChecker) CheckOrderVelocity(ctx context.Context, userID string) (*VelocityResult, error) {
	if v == nil {
		return &VelocityResult{Allowed: true, CheckType: "order"}, nil
	}
	return v.check(ctx, "order", "velocity:order:"+userID, v.config.MaxOrdersPerUser, v.config.OrderWindow)
}

// CheckRefundRetryVelocity counts a manual refund retry for an appointment.
// User reports and admin retries share the counter.
func (v *VelocityChecker) CheckRefundRetryVelocity(ctx context.Context, appointmentID string) (*VelocityResult, error) {
	if v == nil {
		return &VelocityResult{Allowed: true, CheckType: "refund_retry"}, nil
	}
	return v.check(ctx, "refund_retry", "velocity:refund_retry:"+appointmentID, v.config.MaxRefundRetries, v.config.RefundRetryWindow)
}

func (v *VelocityChecker) check(ctx context.Context, checkType, key string, max int, window time.Duration) (*VelocityResult, error) {
	ctx, span := tracer.Start(ctx, "velocity.check_"+checkType)
	defer span.End()
	span.SetAttributes(attribute.String("velocity.check_type", checkType))

	if v.redis == nil || max <= 0 {
		return &VelocityResult{Allowed: true, CheckType: checkType}, nil
	}

	count, expiry, err := v.incrementAndGet(ctx, key, window)
	if err != nil {
		v.logger.Error("velocity check failed", "error", err, "key", key)
		// Fail open - allow the attempt if Redis is down
		return &VelocityResult{Allowed: true, CheckType: checkType, Message: "velocity check unavailable"}, nil
	}

	result := &VelocityResult{
		Allowed:      count <= max,
		CheckType:    checkType,
		CurrentCount: count,
		MaxAllowed:   max,
		WindowExpiry: expiry,
	}
	if !result.Allowed {
		result.Message = fmt.Sprintf("exceeded %d %s attempts in %s", max, checkType, window)
		v.logger.Warn("velocity exceeded", "key", key, "count", count, "max", max)
		span.SetAttributes(attribute.Bool("velocity.exceeded", true))
	}
	return result, nil
}

// incrementAndGet increments a counter and returns the new value with expiry time.
func (v *VelocityChecker) incrementAndGet(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	count, err := v.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, time.Time{}, err
	}

	// Set expiry only on first increment
	if count == 1 {
		v.redis.Expire(ctx, key, window)
	}

	ttl, err := v.redis.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = window
	}
	return int(count), time.Now().Add(ttl), nil
}
