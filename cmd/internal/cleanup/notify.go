package cleanup

import (
	"context"

	"warden/cmd/internal/opstore"
)

// Notification observes records the janitor confirmed deleted.
//
// Each call receives exactly the records removed by one committed batch.
// A record that lost a concurrency conflict was deleted by someone else
// and is never reported here. Sink errors fail the surrounding sweep
// phase; the janitor does not retry them.
type Notification interface {
	GrantsRemoved(ctx context.Context, removed []opstore.Grant) error
	DeviceCodesRemoved(ctx context.Context, removed []opstore.DeviceCode) error
}

// NoopNotification is the explicit do-nothing sink installed when no
// collaborator is configured, so the sweep never branches on presence.
type NoopNotification struct{}

func (NoopNotification) GrantsRemoved(context.Context, []opstore.Grant) error { return nil }

func (NoopNotification) DeviceCodesRemoved(context.Context, []opstore.DeviceCode) error { return nil }
