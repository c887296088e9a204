package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ThrottleError — удаленная сторона попросила подождать (Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// ErrPermanent помечает ошибки, которые бессмысленно повторять (отказ в доступе, нет записи).
var ErrPermanent = errors.New("permanent failure")

type ReliabilityConfig struct {
	Name        string
	RPS         float64
	Burst       int
	Attempts    uint
	CallTimeout time.Duration
}

// ReliabilityWrapper — лимитер, предохранитель и повторы вокруг удаленного вызова.
type ReliabilityWrapper struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     ReliabilityConfig
}

func NewReliabilityWrapper(cfg ReliabilityConfig, metrics *Metrics) *ReliabilityWrapper {
	if cfg.RPS <= 0 {
		cfg.RPS = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более 5 ошибок подряд — открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			// Отказ по существу (нет доступа, нет записи) — не сбой канала
			return err == nil || errors.Is(err, ErrPermanent)
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			if metrics != nil {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})

	return &ReliabilityWrapper{
		name:    cfg.Name,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		cfg:     cfg,
	}
}

// Call выполняет fn с лимитом, предохранителем и повторами.
// Каждая попытка получает собственный таймаут.
func Call[T any](ctx context.Context, w *ReliabilityWrapper, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if err := w.limiter.Wait(ctx); err != nil {
		return zero, fmt.Errorf("rate limit exceeded: %w", err)
	}

	cbResult, err := w.cb.Execute(func() (interface{}, error) {
		var result T
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.Attempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				// В остальных случаях (сетевой лаг, Unavailable) — экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
			defer cancel()

			var callErr error
			result, callErr = fn(tCtx)
			if errors.Is(callErr, ErrPermanent) {
				return retry.Unrecoverable(callErr)
			}
			return callErr
		})
		return result, retryErr
	})
	if err != nil {
		return zero, err
	}
	v, _ := cbResult.(T)
	return v, nil
}

// State — текущее состояние предохранителя.
func (w *ReliabilityWrapper) State() gobreaker.State {
	return w.cb.State()
}
