package domain

import "errors"

// Kind classifies a failure at a component boundary. Providers and stores
// translate their raw errors into exactly one kind at the edge; everything
// above the edge branches on the kind, never on provider-specific shapes.
type Kind int

const (
	KindTransientIO Kind = iota
	KindAuthExpired
	KindAuthPermanent
	KindRateLimited
	KindNotFound
	KindStorageFailure
	KindValidation
	KindClassificationParse
	KindNotification
)

var (
	ErrNoRefreshToken   = errors.New("no refresh token available")
	ErrProviderRefused  = errors.New("provider refused token refresh")
	ErrAuthExpired      = errors.New("authentication expired")
	ErrAuthPermanent    = errors.New("authentication permanently denied")
	ErrRateLimited      = errors.New("rate limited by provider")
	ErrStorageFailure   = errors.New("storage failure")
	ErrQueueUnavailable = errors.New("sync queue unavailable")
)

// KindedError carries a Kind alongside the wrapped cause.
type KindedError struct {
	Kind Kind
	Err  error
}

func (e *KindedError) Error() string { return e.Err.Error() }
func (e *KindedError) Unwrap() error { return e.Err }

// WithKind wraps err with a classification kind.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindedError{Kind: kind, Err: err}
}

// KindOf extracts the classification of err, defaulting to TransientIO for
// unclassified errors so the queue boundary retries rather than drops.
func KindOf(err error) Kind {
	var ke *KindedError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	switch {
	case errors.Is(err, ErrNoRefreshToken), errors.Is(err, ErrProviderRefused), errors.Is(err, ErrAuthPermanent):
		return KindAuthPermanent
	case errors.Is(err, ErrAuthExpired):
		return KindAuthExpired
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrStorageFailure):
		return KindStorageFailure
	}
	return KindTransientIO
}

// Retriable reports whether a worker that failed with err should be
// restarted by the supervisor.
func Retriable(err error) bool {
	switch KindOf(err) {
	case KindAuthPermanent, KindValidation:
		return false
	}
	return true
}
