// Package gateway is the client side of the TV REST API and its websocket
// push channel.
package gateway

import (
	"context"

	"github.com/agentworkforce/tvsync/internal/tv"
)

// Gateway is every remote call the sync core makes. Transport failures
// surface as tv.ErrNetworkUnavailable, stale writes as tv.ErrVersionConflict
// and missing ids as tv.ErrNotFound.
type Gateway interface {
	List(ctx context.Context, q tv.Query) (tv.Page, error)
	Get(ctx context.Context, id string) (tv.Record, error)
	Create(ctx context.Context, r tv.Record) (tv.Record, error)
	Update(ctx context.Context, r tv.Record) (tv.Record, error)
	Delete(ctx context.Context, id string) error
	// Subscribe opens the push channel. Events reach onEvent in arrival
	// order; once unsubscribe returns no further call is made.
	Subscribe(ctx context.Context, onEvent func(tv.Event)) (unsubscribe func(), err error)
}
