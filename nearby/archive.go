package nearby

import (
	"time"

	"go.uber.org/zap"

	"helphub/models"
)

// Archive persists session history. Methods are called from the dispatcher
// goroutine and should not block for long.
type Archive interface {
	BeginSession(sessionID, displayName string, startedAt int64) error
	RecordEndpoint(sessionID string, endpoint models.Endpoint, seenAt int64) error
	RecordMessage(sessionID string, message models.Message) error
	EndSession(sessionID string, endedAt int64) error
}

// archiveEvent is a SubscribeAll listener. Archive failures are logged and
// never reach the session's callers.
func (s *Session) archiveEvent(event Event) {
	archive := s.options.Archive
	var err error

	switch e := event.(type) {
	case DeviceDiscovered:
		err = archive.RecordEndpoint(s.id, models.Endpoint{ID: e.EndpointID, Name: e.EndpointName}, time.Now().UnixMilli())
	case ConnectionInitiated:
		if e.EndpointName != "" {
			err = archive.RecordEndpoint(s.id, models.Endpoint{ID: e.EndpointID, Name: e.EndpointName}, time.Now().UnixMilli())
		}
	case PayloadReceived:
		err = archive.RecordMessage(s.id, e.Message)
	case PayloadQueued:
		err = archive.RecordMessage(s.id, e.Message)
	case PayloadSent:
		err = archive.RecordMessage(s.id, e.Message)
	default:
		return
	}

	if err != nil {
		s.logger.Warn("archive write failed",
			zap.String("kind", string(event.Kind())),
			zap.String("endpoint_id", event.Endpoint()),
			zap.Error(err),
		)
	}
}
