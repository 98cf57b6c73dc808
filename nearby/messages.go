package nearby

import (
	"sync"
	"time"

	"helphub/models"
)

// MessageStore keeps an append-only, ordered message log per endpoint.
// Logs survive disconnects and are cleared only by Reset.
type MessageStore struct {
	mu   sync.RWMutex
	logs map[string][]models.Message
	now  func() time.Time
}

// NewMessageStore returns an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		logs: make(map[string][]models.Message),
		now:  time.Now,
	}
}

// Append adds content to endpointID's log and returns the stored message.
func (s *MessageStore) Append(endpointID string, direction models.Direction, content string) models.Message {
	status := models.StatusReceived
	if direction == models.DirectionSent {
		status = models.StatusQueued
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[endpointID]
	message := models.Message{
		EndpointID: endpointID,
		Direction:  direction,
		Content:    content,
		Sequence:   uint64(len(log)) + 1,
		Timestamp:  s.now().UnixMilli(),
		Status:     status,
	}
	s.logs[endpointID] = append(log, message)
	return message
}

// Ensure creates an empty log for endpointID if none exists.
func (s *MessageStore) Ensure(endpointID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[endpointID]; !ok {
		s.logs[endpointID] = nil
	}
}

// Has reports whether endpointID has a log, empty or not.
func (s *MessageStore) Has(endpointID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.logs[endpointID]
	return ok
}

// LastMessage returns the newest message for endpointID.
func (s *MessageStore) LastMessage(endpointID string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[endpointID]
	if len(log) == 0 {
		return models.Message{}, false
	}
	return log[len(log)-1], true
}

// AllForEndpoint returns a copy of endpointID's log in arrival order.
func (s *MessageStore) AllForEndpoint(endpointID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[endpointID]
	out := make([]models.Message, len(log))
	copy(out, log)
	return out
}

// SetStatus updates the status of one message and returns the updated copy.
func (s *MessageStore) SetStatus(endpointID string, sequence uint64, status models.MessageStatus) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[endpointID]
	if sequence == 0 || sequence > uint64(len(log)) {
		return models.Message{}, false
	}
	log[sequence-1].Status = status
	return log[sequence-1], true
}

// Previews maps every endpoint with a log to its last message content.
// Endpoints with an empty log map to "".
func (s *MessageStore) Previews() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.logs))
	for id, log := range s.logs {
		if len(log) == 0 {
			out[id] = ""
			continue
		}
		out[id] = log[len(log)-1].Content
	}
	return out
}

// Reset drops every log.
func (s *MessageStore) Reset() {
	s.mu.Lock()
	s.logs = make(map[string][]models.Message)
	s.mu.Unlock()
}
