package room

import "context"

// Delegate is the user-supplied behavior of a room type. OnCreate is the
// only required hook; the optional ones below are discovered by type
// assertion, so a delegate implements exactly what it needs.
//
// Hooks run on the room's executor: they may block, and no other room
// activity proceeds until they return.
type Delegate interface {
	OnCreate(ctx context.Context, room *Room, options map[string]any) error
}

// AuthDelegate validates a joining client before it is admitted. A
// returned error rejects the join; the reserved seat is consumed either
// way. The default is to accept everyone.
type AuthDelegate interface {
	OnAuth(ctx context.Context, client *Client, options map[string]any) error
}

// JoinDelegate observes a client after it has been admitted and received
// the join frame and full state.
type JoinDelegate interface {
	OnJoin(ctx context.Context, room *Room, client *Client, options map[string]any) error
}

// LeaveDelegate observes a client leaving. consented is true when the
// client closed its connection voluntarily. Calling AllowReconnection
// from inside OnLeave holds the seat open for the grace window.
type LeaveDelegate interface {
	OnLeave(ctx context.Context, room *Room, client *Client, consented bool) error
}

// DisposeDelegate runs once as the room tears down, after the listing is
// removed and before timers stop.
type DisposeDelegate interface {
	OnDispose(ctx context.Context, room *Room) error
}

// BeforeShutdownDelegate customizes graceful shutdown. The default
// behavior when absent is to disconnect every client immediately.
type BeforeShutdownDelegate interface {
	OnBeforeShutdown(ctx context.Context, room *Room)
}

// BeforePatchDelegate runs right before each patch is computed.
type BeforePatchDelegate interface {
	OnBeforePatch(state any)
}

// ExceptionDelegate receives failures raised by delegate hooks, message
// handlers and timers. methodName identifies the failing path
// ("onMessage", "simulationInterval", ...). When absent, failures are
// logged and the room continues.
type ExceptionDelegate interface {
	OnUncaughtException(err error, methodName string)
}

// Factory builds a fresh delegate per room instance.
type Factory func() Delegate
