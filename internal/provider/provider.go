package provider

import (
	"context"
	"errors"

	"capsule_farmer/internal/model"
)

// ErrUnauthorized means the remote service rejected the credentials or the
// session token.
var ErrUnauthorized = errors.New("unauthorized")

// Loginer turns credentials into a session. Implementations may talk to the
// API directly or drive a browser.
type Loginer interface {
	Login(ctx context.Context, account model.Account) (model.Account, error)
}

type Provider interface {
	Loginer

	Name() string

	RefreshSession(ctx context.Context, account model.Account) (model.Account, error)
	LiveEvents(ctx context.Context) ([]model.LiveEvent, error)
	SendWatch(ctx context.Context, account model.Account, event model.LiveEvent) error
	EarnedDrops(ctx context.Context, account model.Account, sinceMs int64) ([]model.Drop, error)
	TotalDrops(ctx context.Context, account model.Account) (int, error)
}
