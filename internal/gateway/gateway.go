// Package gateway defines the contracts this service consumes from the
// classifieds platform API and the language-model provider. The scheduling
// core only depends on these interfaces; concrete clients live in the
// subpackages.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoBid is returned by Bid when the platform reports no current bid for a
// listing (manual daily limits require one).
var ErrNoBid = errors.New("no bid available for listing")

// RateLimitedError marks a 429 from the platform. The retrying caller backs
// off on this error class and propagates everything else immediately.
type RateLimitedError struct {
	RetryAfter time.Duration // 0 when the platform gave no hint
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
	}
	return "rate limited"
}

func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

// Credentials is the per-tenant OAuth material plus the cached token.
type Credentials struct {
	TenantID     int64
	ClientID     string
	ClientSecret string

	AccessToken string
	ExpiresAt   time.Time // UTC; zero when no cached token
}

// TokenSink persists a freshly fetched token so restarts reuse it.
type TokenSink interface {
	SaveToken(ctx context.Context, tenantID int64, token string, expiresAt time.Time) error
}

// Gateway is the classifieds-platform API surface the core needs.
type Gateway interface {
	// Token returns a valid access token, refreshing and persisting it when
	// the cached one is absent or about to expire.
	Token(ctx context.Context, cred Credentials) (string, error)

	// ActiveListings enumerates the tenant's active listing ids. The
	// implementation paginates and caps the total to avoid unbounded work.
	ActiveListings(ctx context.Context, token string) ([]int64, error)

	// Bid returns the current bid in pennies, or ErrNoBid.
	Bid(ctx context.Context, token string, itemID int64) (int64, error)

	SetAutoBudget(ctx context.Context, token string, itemID, budgetPenny int64, actionTypeID int) error
	SetManualLimit(ctx context.Context, token string, itemID, limitPenny, bidPenny int64, actionTypeID int) error
}

// GenerateMeta is conversation metadata passed alongside the step
// instructions when generating a follow-up.
type GenerateMeta struct {
	TenantID       int64
	RecipientID    int64
	ConversationID string
	StepID         int64
}

// Generator produces follow-up text from step instructions.
type Generator interface {
	Generate(ctx context.Context, instruction string, meta GenerateMeta) (string, error)
}
