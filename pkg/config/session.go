package config

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SessionConfig identifies the agent's grid session. The circuit code
// and ids normally come from the login response rather than a file.
type SessionConfig struct {
	// GridAddress is the host:port of the region's UDP endpoint
	GridAddress string `mapstructure:"grid_address"`
	// CircuitCode is the login-issued circuit code
	CircuitCode uint32 `mapstructure:"circuit_code"`
	// AgentID, SessionID are the login-issued UUIDs
	AgentID   string `mapstructure:"agent_id"`
	SessionID string `mapstructure:"session_id"`
}

func (s *SessionConfig) validate() error {
	if s.AgentID != "" {
		if _, err := uuid.Parse(s.AgentID); err != nil {
			return fmt.Errorf("invalid session.agent_id: %w", err)
		}
	}
	if s.SessionID != "" {
		if _, err := uuid.Parse(s.SessionID); err != nil {
			return fmt.Errorf("invalid session.session_id: %w", err)
		}
	}
	s.GridAddress = strings.TrimSpace(s.GridAddress)
	return nil
}

// AgentUUID parses AgentID, returning the zero UUID when unset.
func (s SessionConfig) AgentUUID() uuid.UUID {
	id, err := uuid.Parse(s.AgentID)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// SessionUUID parses SessionID, returning the zero UUID when unset.
func (s SessionConfig) SessionUUID() uuid.UUID {
	id, err := uuid.Parse(s.SessionID)
	if err != nil {
		return uuid.Nil
	}
	return id
}
