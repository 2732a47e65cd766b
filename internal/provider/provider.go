// Package provider fetches popularity scores for instruments from the
// external content API. The engine only depends on the narrow contract
// "return a score and creation time for a content id"; everything else
// about the upstream service is opaque.
package provider

import (
	"context"
	"errors"

	"github.com/fantasystocks/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when the provider has no data for an id.
	ErrNotFound = errors.New("provider: instrument not found")

	// ErrUnavailable is returned for transient provider failures
	// (rate limits, network errors, 5xx). Callers degrade: the refresh
	// batch skips the symbols, settlement falls back to strike price.
	ErrUnavailable = errors.New("provider: temporarily unavailable")
)

// MaxBatchSize is the upstream limit on ids per bulk info request.
const MaxBatchSize = 100

// ScoreProvider resolves popularity scores for content ids.
type ScoreProvider interface {
	// GetScore fetches the score and creation time for one id.
	GetScore(ctx context.Context, id string) (*model.Post, error)

	// GetScores bulk-fetches scores for many ids, paging by
	// MaxBatchSize internally. Ids the provider does not know are
	// silently absent from the result.
	GetScores(ctx context.Context, ids []string) ([]model.Post, error)
}
