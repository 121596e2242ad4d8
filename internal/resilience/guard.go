package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/docvault/internal/model"
)

// GuardConfig tunes a Guard.
type GuardConfig struct {
	RatePerSec       float64       // <= 0 disables rate limiting
	Burst            int           // defaults to max(1, RatePerSec)
	Timeout          time.Duration // per attempt; <= 0 disables
	Backoff          Backoff
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Guard protects one provider. Every call waits on the limiter, passes the
// breaker, runs under the per-attempt timeout and is retried while the
// failure is transient. Whatever still fails comes back as a
// *model.ProviderError.
type Guard struct {
	provider string
	cfg      GuardConfig
	limiter  *rate.Limiter
	breaker  *Breaker
}

// NewGuard creates a Guard for the named provider.
func NewGuard(provider string, cfg GuardConfig) *Guard {
	g := &Guard{
		provider: provider,
		cfg:      cfg,
		breaker:  NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.RatePerSec))
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return g
}

// Provider returns the provider name the guard reports errors under.
func (g *Guard) Provider() string { return g.provider }

// Breaker exposes the guard's breaker for health reporting.
func (g *Guard) Breaker() *Breaker { return g.breaker }

// Call runs fn through g.
func Call[T any](ctx context.Context, g *Guard, op string, fn func(context.Context) (T, error)) (T, error) {
	attempt := func(ctx context.Context) (T, error) {
		var zero T
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return zero, err
			}
		}
		if err := g.breaker.Allow(); err != nil {
			return zero, err
		}
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if g.cfg.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		}
		defer cancel()

		v, err := fn(callCtx)
		g.breaker.Record(err != nil && IsTransient(err))
		return v, err
	}

	onRetry := func(n int, err error) {
		zap.L().Warn("resilience: retrying provider call",
			zap.String("provider", g.provider),
			zap.String("op", op),
			zap.Int("attempt", n),
			zap.Error(err),
		)
	}

	v, _, err := Retry(ctx, g.cfg.Backoff, IsTransient, onRetry, attempt)
	if err != nil {
		return v, g.wrap(op, err)
	}
	return v, nil
}

func (g *Guard) wrap(op string, err error) error {
	var pe *model.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &model.ProviderError{
		Provider:  g.provider,
		Op:        op,
		Transient: IsTransient(err) || errors.Is(err, ErrBreakerOpen),
		Err:       err,
	}
}

// Guards hands out one Guard per provider name, all sharing a config.
type Guards struct {
	cfg GuardConfig

	mu     sync.Mutex
	guards map[string]*Guard
}

// NewGuards creates an empty registry.
func NewGuards(cfg GuardConfig) *Guards {
	return &Guards{cfg: cfg, guards: make(map[string]*Guard)}
}

// Get returns the guard for provider, creating it on first use.
func (r *Guards) Get(provider string) *Guard {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guards[provider]
	if !ok {
		g = NewGuard(provider, r.cfg)
		r.guards[provider] = g
	}
	return g
}

// States snapshots each provider's breaker state.
func (r *Guards) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.guards))
	for name, g := range r.guards {
		out[name] = g.breaker.State().String()
	}
	return out
}
