// Package audit provides the audit room notification subsystem.
//
// When configured with a Matrix room ID, the bridge posts concise
// human-readable summaries of provisioning events to that room so
// operators can monitor the agent roster without tailing logs.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oculair/letta-matrix-bridge/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindAgentProvisioned Kind = "agent.provisioned"
	KindAgentRenamed     Kind = "agent.renamed"
	KindRoomCreated      Kind = "room.created"
	KindSpaceCreated     Kind = "space.created"
	KindSpaceRecreated   Kind = "space.recreated"
	KindProvisioningError Kind = "provisioning.error"
)

// Event carries the data that the audit notifier formats and sends.
type Event struct {
	// Kind identifies the type of event.
	Kind Kind
	// Actor is the Matrix user ID that triggered the event.
	Actor string
	// Target is the primary resource affected (agent name, secret name, …).
	Target string
	// Message is a human-friendly description of what happened.
	Message string
	// TraceID ties the notification back to log lines carrying the same trace id.
	// When empty the value is taken from the context.
	TraceID string
	// Timestamp defaults to time.Now() when zero.
	Timestamp time.Time
}

// Notifier sends audit room notifications for major control-plane events.
type Notifier interface {
	// Notify posts an audit event. Implementations MUST NOT block the caller
	// for longer than a short timeout; send failures should be logged, not
	// propagated.
	Notify(ctx context.Context, evt Event)
}

// Sender is the subset of the Matrix client needed by MatrixNotifier.
// Defined as an interface so the notifier can be unit-tested independently.
type Sender interface {
	SendNotice(ctx context.Context, roomID, message string) (string, error)
}

// MatrixNotifier posts formatted notices to a Matrix audit room.
type MatrixNotifier struct {
	sender Sender
	roomID string
}

// NewMatrixNotifier creates a MatrixNotifier that posts to roomID via sender.
func NewMatrixNotifier(sender Sender, roomID string) *MatrixNotifier {
	return &MatrixNotifier{sender: sender, roomID: roomID}
}

// Notify formats evt as a human-readable notice and posts it to the audit room.
// The send runs synchronously under ctx, so the caller waits for it;
// errors are logged at WARN level and never returned.
func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" {
		return
	}

	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	icon := kindIcon(evt.Kind)
	msg := fmt.Sprintf("%s [%s] %s", icon, evt.Kind, evt.Message)
	if evt.Target != "" {
		msg = fmt.Sprintf("%s %s → %s", icon, evt.Target, evt.Message)
	}
	if tid != "" {
		msg = fmt.Sprintf("%s\n  trace: %s", msg, tid)
	}
	if evt.Actor != "" {
		msg = fmt.Sprintf("%s\n  actor: %s", msg, evt.Actor)
	}

	if _, err := n.sender.SendNotice(ctx, n.roomID, msg); err != nil {
		slog.Warn("audit notifier: failed to send room notice",
			"room", n.roomID, "kind", evt.Kind, "err", err)
	} else {
		slog.Debug("audit notifier: sent notice", "room", n.roomID, "kind", evt.Kind)
	}
}

// Noop is a no-op Notifier used when audit room notifications are disabled.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(_ context.Context, _ Event) {}

// kindIcon returns a Unicode icon for the event kind.
func kindIcon(k Kind) string {
	switch k {
	case KindAgentProvisioned:
		return "🟢"
	case KindAgentRenamed:
		return "✏️"
	case KindRoomCreated:
		return "💬"
	case KindSpaceCreated:
		return "🗂️"
	case KindSpaceRecreated:
		return "🔄"
	case KindProvisioningError:
		return "🚨"
	default:
		return "ℹ️"
	}
}
