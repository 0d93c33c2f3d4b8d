package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"photoflow/internal/models"
	"photoflow/internal/store"

	log "github.com/sirupsen/logrus"
)

// NewFallbackInferenceService creates a fallback service over providers.
func NewFallbackInferenceService(providers []InferenceProvider, strategy RetryStrategy) (*FallbackInferenceService, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one inference provider is required")
	}
	if strategy == nil {
		strategy = &SimpleRetryStrategy{MaxAttempts: 2, BaseDelayMs: 500}
	}
	return &FallbackInferenceService{
		Providers:      providers,
		ActiveProvider: 0,
		RetryStrategy:  strategy,
	}, nil
}

// Generate tries the active provider with retries, then the remaining
// providers in order, until one succeeds or all fail.
func (s *FallbackInferenceService) Generate(ctx context.Context, req store.InferenceRequest) (models.InferenceOutcome, error) {
	s.mu.RLock()
	initialProviderIndex := s.ActiveProvider
	numProviders := len(s.Providers)
	s.mu.RUnlock()
	if numProviders == 0 {
		return models.InferenceOutcome{}, fmt.Errorf("no inference providers configured")
	}

	var lastErr error
	attempt := 0
	logger := log.WithField("task_id", req.TaskID)

	for {
		s.mu.RLock()
		provider := s.Providers[s.ActiveProvider]
		s.mu.RUnlock()

		skip := provider.Status() == store.ProviderStatusDisabled
		if !skip {
			logger.Debugf("Attempt %d: trying provider %s (%s)", attempt+1, provider.Name(), provider.ModelName())
			out, err := provider.Generate(ctx, req)
			if ctx.Err() != nil {
				return models.InferenceOutcome{}, fmt.Errorf("context cancelled during inference: %w", ctx.Err())
			}
			if err == nil {
				return out, nil
			}
			lastErr = fmt.Errorf("provider %s failed: %w", provider.Name(), err)
			logger.Warnf("Provider %s failed: %v", provider.Name(), err)
			skip = errors.Is(err, ErrUnsupportedInput)
		} else if lastErr == nil {
			lastErr = fmt.Errorf("provider %s is disabled", provider.Name())
		}

		backoffMs := int64(-1)
		if !skip {
			backoffMs = s.RetryStrategy.NextBackoff(attempt)
		}
		if backoffMs < 0 {
			s.mu.Lock()
			next := (s.ActiveProvider + 1) % numProviders
			if next == initialProviderIndex {
				s.mu.Unlock()
				return models.InferenceOutcome{}, fmt.Errorf("all inference providers failed: %w", lastErr)
			}
			s.ActiveProvider = next
			log.Infof("Switching active inference provider to %s", s.Providers[next].Name())
			s.mu.Unlock()
			attempt = 0
			continue
		}

		select {
		case <-time.After(time.Duration(backoffMs) * time.Millisecond):
			attempt++
		case <-ctx.Done():
			return models.InferenceOutcome{}, fmt.Errorf("context cancelled while waiting to retry: %w", ctx.Err())
		}
	}
}
