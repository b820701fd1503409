package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Kinds of messages exchanged with other processes through the global sink
const (
	RemoteEvent  = "progress_event"
	RemoteClosed = "channel_closed"
)

type closedMessage struct {
	JobID string `json:"job_id"`
}

// HandleRemote applies a message published by another process. Events reach
// local subscribers only and are never forwarded back to the sink.
func (s *Service) HandleRemote(kind string, body []byte) error {
	switch kind {
	case RemoteEvent:
		var event ProgressEvent
		if err := json.Unmarshal(body, &event); err != nil {
			return fmt.Errorf("decode remote event: %w", err)
		}
		if event.JobID == "" {
			return fmt.Errorf("remote event without job_id")
		}
		s.deliver(event)
	case RemoteClosed:
		var msg closedMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("decode remote close: %w", err)
		}
		s.closeLocal(msg.JobID)
	default:
		s.logger.Debug("Ignoring unknown remote message", slog.String("kind", kind))
	}
	return nil
}
