package flow

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/tixforge/tixclient/api"
	"github.com/tixforge/tixclient/global"
)

// Environment of the flow state machines. Transitions are triggered either
// by a user action or by the resolution of an async call; every transition
// clears a stale error unless its purpose is to report one
type Environment interface {
	global.Logging
	Ctx() context.Context
	Clock() clock.Clock
	Transport() api.Transport
	// OnSessionExpired clears persisted credentials and all cached state
	OnSessionExpired()
}
