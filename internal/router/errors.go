package router

import (
	"fmt"

	"github.com/vnmchuo/inference-router/internal/provider"
)

// Category is the terminal failure classification surfaced to callers.
type Category string

const (
	CategoryValidation     Category = "validation"
	CategoryTimeout        Category = "provider_timeout"
	CategoryProvider       Category = "provider_error"
	CategoryRateLimited    Category = "rate_limited"
	CategoryChainExhausted Category = "chain_exhausted"
)

// Error is a terminal routing failure carrying the full attempt trail.
// The trail names backends and failure categories only; provider payloads
// and credentials never leak through it.
type Error struct {
	Category Category
	Model    string
	Attempts []Decision
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("routing %s failed (%s after %d attempts): %v", e.Model, e.Category, len(e.Attempts), e.Err)
	}
	return fmt.Sprintf("routing %s failed (%s after %d attempts)", e.Model, e.Category, len(e.Attempts))
}

func (e *Error) Unwrap() error { return e.Err }

// categorize maps a backend call failure onto the public taxonomy.
func categorize(err error) Category {
	switch provider.KindOf(err) {
	case provider.KindValidation:
		return CategoryValidation
	case provider.KindTimeout:
		return CategoryTimeout
	case provider.KindRateLimited:
		return CategoryRateLimited
	default:
		return CategoryProvider
	}
}
