package services

import (
	"errors"
	"sync"

	"photoflow/internal/store"
)

// ProviderStatus is defined in internal/store/interfaces.go

// InferenceProvider is one concrete image generation backend.
type InferenceProvider interface {
	store.InferenceService
	ModelName() string
}

// ErrUnsupportedInput is returned by providers that cannot handle the
// request shape (e.g. source images for a text-to-image model). The fallback
// service moves to the next provider without retrying.
var ErrUnsupportedInput = errors.New("provider does not support this request")

type RetryStrategy interface {
	NextBackoff(attempt int) int64 // ms
}

// FallbackInferenceService tries providers in order, retrying each one per
// its RetryStrategy before switching.
type FallbackInferenceService struct {
	Providers      []InferenceProvider
	ActiveProvider int
	RetryStrategy  RetryStrategy
	mu             sync.RWMutex
}

// ModelName returns the model name of the currently active provider.
func (s *FallbackInferenceService) ModelName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.Providers) == 0 || s.ActiveProvider < 0 || s.ActiveProvider >= len(s.Providers) {
		return ""
	}
	return s.Providers[s.ActiveProvider].ModelName()
}

// Name returns the name of the currently active provider.
func (s *FallbackInferenceService) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.Providers) == 0 || s.ActiveProvider < 0 || s.ActiveProvider >= len(s.Providers) {
		return ""
	}
	return s.Providers[s.ActiveProvider].Name()
}

// Status returns the status of the currently active provider.
func (s *FallbackInferenceService) Status() store.ProviderStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.Providers) == 0 || s.ActiveProvider < 0 || s.ActiveProvider >= len(s.Providers) {
		return store.ProviderStatusDisabled
	}
	return s.Providers[s.ActiveProvider].Status()
}

var _ store.InferenceService = (*FallbackInferenceService)(nil)

// SimpleRetryStrategy provides basic exponential backoff.
type SimpleRetryStrategy struct {
	MaxAttempts int
	BaseDelayMs int64
}

// NextBackoff calculates the next backoff duration in milliseconds, or -1
// once attempts are exhausted.
func (s *SimpleRetryStrategy) NextBackoff(attempt int) int64 {
	if s.MaxAttempts <= 0 {
		return -1
	}
	if attempt >= s.MaxAttempts {
		return -1
	}
	backoff := s.BaseDelayMs * (1 << attempt)
	// Cap at 30 seconds
	maxDelay := int64(30000)
	if backoff > maxDelay {
		backoff = maxDelay
	}
	return backoff
}
