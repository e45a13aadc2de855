package local

import (
	"sync"
	"time"
)

// Email purposes recorded in the outbox. The purpose also namespaces the
// one-time token bound to the email.
const (
	EmailConfirmSignup = "confirm_signup"
	EmailPasswordReset = "password_reset"
	EmailMagicLink     = "magic_link"
)

// OutboundEmail is one message the provider would have sent. In development
// the outbox stands in for a mail service so flows stay end-to-end testable.
type OutboundEmail struct {
	To      string
	Purpose string
	Token   string
	SentAt  time.Time
}

// Outbox collects outbound emails instead of delivering them.
type Outbox struct {
	mutex  sync.Mutex
	emails []OutboundEmail
}

// NewOutbox returns an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{}
}

func (outbox *Outbox) append(email OutboundEmail) {
	outbox.mutex.Lock()
	defer outbox.mutex.Unlock()
	outbox.emails = append(outbox.emails, email)
}

// All returns a copy of every recorded email, oldest first.
func (outbox *Outbox) All() []OutboundEmail {
	outbox.mutex.Lock()
	defer outbox.mutex.Unlock()
	return append([]OutboundEmail(nil), outbox.emails...)
}

// LatestFor returns the most recent email for a recipient and purpose.
func (outbox *Outbox) LatestFor(recipient string, purpose string) (OutboundEmail, bool) {
	outbox.mutex.Lock()
	defer outbox.mutex.Unlock()
	for index := len(outbox.emails) - 1; index >= 0; index-- {
		if outbox.emails[index].To == recipient && outbox.emails[index].Purpose == purpose {
			return outbox.emails[index], true
		}
	}
	return OutboundEmail{}, false
}
