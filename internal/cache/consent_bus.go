package cache

import (
	"context"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/database"
)

const consentChannel = "glucolog:consent:changed"

// ConsentBus fans consent changes out to every API instance so their local
// consent caches drop the user.
type ConsentBus struct {
	redis *database.Redis
}

// NewConsentBus creates a bus on the given Redis connection.
func NewConsentBus(redis *database.Redis) *ConsentBus {
	return &ConsentBus{redis: redis}
}

// Publish announces that userID's consent changed.
func (b *ConsentBus) Publish(ctx context.Context, userID string) error {
	return b.redis.Publish(ctx, consentChannel, userID)
}

// Run calls fn for every announced user id until ctx is done.
func (b *ConsentBus) Run(ctx context.Context, fn func(userID string)) error {
	return b.redis.Subscribe(ctx, consentChannel, fn)
}
