// Package notify abstracts coordination notifications. Preference filtering
// and payload rendering belong to the concrete transports; the engine only
// hands over a title, a body and a severity.
package notify

import (
	"context"

	logx "github.com/sirdoy/pannello-stufa-sub002/pkg/logx"
)

// Message is one user-facing notification.
type Message struct {
	Title string
	Body  string
	// Critical messages bypass the coordination throttle.
	Critical bool
}

// Result reports delivery. Skipped is set when the transport itself decided
// not to deliver (e.g. no chat configured for the user).
type Result struct {
	Sent    bool
	Skipped string
}

// Notifier delivers a message to a user. Implementations own their transport
// timeout; errors are for the caller to log, never to abort a cycle on.
type Notifier interface {
	Send(ctx context.Context, userID string, msg Message) (Result, error)
}

// LogNotifier writes notifications to the log. Default transport when no
// real one is configured; also useful in development.
type LogNotifier struct {
	Log logx.Logger
}

func (n LogNotifier) Send(ctx context.Context, userID string, msg Message) (Result, error) {
	_ = ctx
	n.Log.Info("notification",
		logx.String("user", userID),
		logx.String("title", msg.Title),
		logx.String("body", msg.Body),
		logx.Bool("critical", msg.Critical))
	return Result{Sent: true}, nil
}
