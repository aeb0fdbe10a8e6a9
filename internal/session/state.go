package session

import (
	"fmt"

	"github.com/shehryarbajwa/cloud-browser/pkg/models"
)

var transitions = map[models.SessionStatus][]models.SessionStatus{
	models.StatusCreating: {models.StatusRunning, models.StatusError, models.StatusStopping, models.StatusStopped, models.StatusExpired},
	models.StatusRunning:  {models.StatusStopping, models.StatusExpired, models.StatusError},
	models.StatusStopping: {models.StatusStopped, models.StatusExpired, models.StatusError},
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to models.SessionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transition(s *models.Session, to models.SessionStatus) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	if to.Terminal() {
		s.ContainerID = ""
	}
	return nil
}
