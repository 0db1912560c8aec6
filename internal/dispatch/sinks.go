package dispatch

import (
	"log/slog"

	"github.com/example/mandado-dispatch/internal/models"
)

// Sink mirrors the lifecycle engine's event sink so composites can be built
// here without importing the engine.
type Sink interface {
	BroadcastToCouriers(ev models.Event)
	NotifyIdentity(identityID string, ev models.Event) bool
}

// MultiSink fans every event out to several sinks. The live registry is one
// subscriber; the audit logger is another. NotifyIdentity reports delivery
// if any sink reached the recipient.
type MultiSink []Sink

func (m MultiSink) BroadcastToCouriers(ev models.Event) {
	for _, s := range m {
		s.BroadcastToCouriers(ev)
	}
}

func (m MultiSink) NotifyIdentity(identityID string, ev models.Event) bool {
	delivered := false
	for _, s := range m {
		if s.NotifyIdentity(identityID, ev) {
			delivered = true
		}
	}
	return delivered
}

// LogSink writes every published event to the structured log, giving an
// audit trail of what was told to whom.
type LogSink struct {
	Logger *slog.Logger
}

func (l *LogSink) BroadcastToCouriers(ev models.Event) {
	l.Logger.Info("event broadcast", "kind", ev.Kind, "payload", ev.Payload)
}

func (l *LogSink) NotifyIdentity(identityID string, ev models.Event) bool {
	l.Logger.Info("event notify", "identity", identityID, "kind", ev.Kind, "payload", ev.Payload)
	return false
}
