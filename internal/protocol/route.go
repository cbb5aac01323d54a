package protocol

import (
	"context"

	"Bitvault/internal/logger"
)

// RouteState is the lifecycle of an incoming message at a receiving handler.
type RouteState uint8

const (
	RouteReceived RouteState = iota // Message arrived
	RouteRouted                     // Message matched a handling method
	RouteHandled                    // Handler produced a reply
	RouteDenied                     // No handler for the message at this role
)

// String returns the state name.
func (s RouteState) String() string {
	switch s {
	case RouteReceived:
		return "RECEIVED"
	case RouteRouted:
		return "ROUTED"
	case RouteHandled:
		return "HANDLED"
	case RouteDenied:
		return "DENIED"
	default:
		return "UNKNOWN"
	}
}

// Handler has one method per request kind.
// Embed Unsupported to deny every kind a role does not override.
type Handler interface {
	HandlePut(ctx context.Context, req *PutRequest) *Reply
	HandleGet(ctx context.Context, req *GetRequest) *Reply
	HandleGetFileIDs(ctx context.Context, req *GetFileIDsRequest) *Reply
	HandleGetChecksums(ctx context.Context, req *GetChecksumsRequest) *Reply
	HandleBatch(ctx context.Context, req *BatchRequest) *Reply
	HandleCorrect(ctx context.Context, req *CorrectRequest) *Reply
}

// Unsupported denies every request kind. Role names the receiver in the diagnostic.
type Unsupported struct {
	Role string // Role names the receiving component
}

// HandlePut denies the request.
func (u Unsupported) HandlePut(context.Context, *PutRequest) *Reply { return Denied(KindPut, u.Role) }

// HandleGet denies the request.
func (u Unsupported) HandleGet(context.Context, *GetRequest) *Reply { return Denied(KindGet, u.Role) }

// HandleGetFileIDs denies the request.
func (u Unsupported) HandleGetFileIDs(context.Context, *GetFileIDsRequest) *Reply {
	return Denied(KindGetFileIDs, u.Role)
}

// HandleGetChecksums denies the request.
func (u Unsupported) HandleGetChecksums(context.Context, *GetChecksumsRequest) *Reply {
	return Denied(KindGetChecksums, u.Role)
}

// HandleBatch denies the request.
func (u Unsupported) HandleBatch(context.Context, *BatchRequest) *Reply {
	return Denied(KindBatch, u.Role)
}

// HandleCorrect denies the request.
func (u Unsupported) HandleCorrect(context.Context, *CorrectRequest) *Reply {
	return Denied(KindCorrect, u.Role)
}

// Route dispatches msg to the matching method of h and reports the final state.
func Route(ctx context.Context, h Handler, msg Message) (*Reply, RouteState) {
	var reply *Reply

	switch m := msg.(type) {
	case *PutRequest:
		reply = h.HandlePut(ctx, m)
	case *GetRequest:
		reply = h.HandleGet(ctx, m)
	case *GetFileIDsRequest:
		reply = h.HandleGetFileIDs(ctx, m)
	case *GetChecksumsRequest:
		reply = h.HandleGetChecksums(ctx, m)
	case *BatchRequest:
		reply = h.HandleBatch(ctx, m)
	case *CorrectRequest:
		reply = h.HandleCorrect(ctx, m)
	default:
		logger.Warn("message denied", "type", typeName(msg), "state", RouteDenied)
		return Failed(ReasonDenied, "permission denied: unknown message type %s", typeName(msg)), RouteDenied
	}

	if reply == nil {
		reply = Failed(ReasonNegative, "%s handler produced no reply", msg.Kind())
	}

	if reply.Status == StatusFailed && reply.Reason == ReasonDenied {
		logger.Warn("message denied", "kind", msg.Kind(), "collection", msg.Target(), "state", RouteDenied)
		return reply, RouteDenied
	}

	logger.Debug("message handled", "kind", msg.Kind(), "status", reply.Status, "state", RouteHandled)

	return reply, RouteHandled
}

// typeName describes a message value for diagnostics.
func typeName(msg Message) string {
	if msg == nil {
		return "<nil>"
	}

	return msg.Kind().String()
}

// progressKey is the context key of the progress callback.
type progressKey struct{}

// ProgressFunc receives PENDING replies emitted while a handler runs.
type ProgressFunc func(r *Reply)

// WithProgress attaches a progress callback to ctx.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress sends a PENDING reply through the callback in ctx, if any.
func ReportProgress(ctx context.Context, info string) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(Pending(info))
	}
}
