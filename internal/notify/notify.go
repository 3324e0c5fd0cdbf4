package notify

import "github.com/rs/zerolog"

type Kind string

const (
	KindError Kind = "error"
	KindInfo  Kind = "info"
)

// Notifier is the user-facing notification surface. Calls are
// fire-and-forget: the caller never inspects an outcome.
type Notifier interface {
	Notify(kind Kind, message string)
}

// LogNotifier routes notifications to the structured log. Headless clients
// have no toast to show; embedders supply their own Notifier.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Notify(kind Kind, message string) {
	switch kind {
	case KindError:
		n.Log.Error().Msg(message)
	default:
		n.Log.Info().Msg(message)
	}
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) Notify(Kind, string) {}
