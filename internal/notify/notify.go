// Package notify hands transition events to the external messaging
// collaborator. The real delivery channel lives outside this service; the
// worker logs what it would have sent.
package notify

import (
	"context"
	"log"

	"github.com/tnmwangi/paysync/internal/kafka"
)

type Sender struct{}

func NewSender() *Sender {
	return &Sender{}
}

func (s *Sender) Send(_ context.Context, event kafka.TransitionEvent) error {
	log.Printf("notify client %s / provider %s: booking %s is %s (%s)", event.ClientID, event.ProviderID, event.BookingID, event.State, event.Type)
	return nil
}
