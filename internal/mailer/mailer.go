package mailer

import (
	"context"
	"log"
	"strings"
	"sync"
)

// Invitation is the data an invitation email needs.
type Invitation struct {
	To         string
	TeamOwner  string
	AcceptURL  string
	ExpiresISO string
	Resend     bool
}

// Mailer delivers invitation emails. Rendering and delivery live behind it.
type Mailer interface {
	SendInvitation(ctx context.Context, inv Invitation) error
}

// LogMailer writes invitations to the log; used when no delivery backend is configured.
type LogMailer struct {
	Logger *log.Logger

	mu   sync.Mutex
	Sent []Invitation
}

func (m *LogMailer) SendInvitation(ctx context.Context, inv Invitation) error {
	logger := m.Logger
	if logger == nil {
		logger = log.Default()
	}
	m.mu.Lock()
	m.Sent = append(m.Sent, inv)
	m.mu.Unlock()
	logger.Printf("[Mailer][Invitation] to=%s owner=%s resend=%v url=%s", strings.ToLower(inv.To), inv.TeamOwner, inv.Resend, inv.AcceptURL)
	return nil
}

// Outbox returns a copy of what was sent.
func (m *LogMailer) Outbox() []Invitation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Invitation(nil), m.Sent...)
}
