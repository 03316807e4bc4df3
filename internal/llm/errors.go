package llm

import (
	"context"
	"errors"
	"fmt"
	"net"

	openai "github.com/sashabaranov/go-openai"
)

// Kind classifies an upstream failure so callers can pick the right
// user-facing fallback and the gateway can decide whether to rotate keys.
type Kind int

const (
	KindOther Kind = iota
	KindAuth
	KindRateLimit
	KindTimeout
	KindNetwork
	KindStatus
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindStatus:
		return "status"
	default:
		return "other"
	}
}

// UpstreamError wraps a provider failure with its classification and,
// when known, the HTTP status the provider answered with.
type UpstreamError struct {
	Kind   Kind
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("llm upstream %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("llm upstream %s: %v", e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Classify maps a raw client error to an UpstreamError. Unknown errors
// come back as KindOther so nothing is swallowed.
func Classify(err error) *UpstreamError {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		kind := KindStatus
		switch apiErr.HTTPStatusCode {
		case 401, 403:
			kind = KindAuth
		case 429:
			kind = KindRateLimit
		}
		return &UpstreamError{Kind: kind, Status: apiErr.HTTPStatusCode, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &UpstreamError{Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &UpstreamError{Kind: KindTimeout, Err: err}
		}
		return &UpstreamError{Kind: KindNetwork, Err: err}
	}
	return &UpstreamError{Kind: KindOther, Err: err}
}

// KindOf is a convenience for callers that only need the classification.
func KindOf(err error) Kind {
	if err == nil {
		return KindOther
	}
	return Classify(err).Kind
}
