package push

import (
	"context"
	"log/slog"
)

// LogSink is the default Sink when no push vendor is configured: it logs
// what would have been sent rather than delivering anything. A production
// deployment wires in a real APNs/FCM-backed Sink instead.
type LogSink struct {
	Logger *slog.Logger
}

// Send implements Sink by logging each notification at info level.
func (s *LogSink) Send(_ context.Context, batch []Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, n := range batch {
		logger.Info("push notification", "deviceToken", redactToken(n.DeviceToken), "type", n.Type,
			"threadId", n.ThreadID, "jobId", n.JobID, "title", n.Title)
	}
	return nil
}

// redactToken avoids leaking full device tokens into logs.
func redactToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
