package live

import (
	"encoding/json"
	"log"

	"github.com/nats-io/nats.go"

	"UDPulse/internal/model"
)

// SnapshotHandler is a function that processes a received snapshot.
type SnapshotHandler func(snap *model.Snapshot)

// Subscriber follows the stats subject of a running engine.
type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
}

// NewSubscriber connects to the NATS server.
func NewSubscriber(url, subject string) (*Subscriber, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to NATS server at %s", url)
	return &Subscriber{nc: nc, subject: subject}, nil
}

// Start subscribes and dispatches every decoded snapshot to the handler.
func (s *Subscriber) Start(handler SnapshotHandler) error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		var snap model.Snapshot
		if err := json.Unmarshal(msg.Data, &snap); err != nil {
			log.Printf("Error unmarshalling snapshot: %v", err)
			return
		}
		handler(&snap)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	log.Printf("Subscribed to '%s'. Waiting for snapshots...", s.subject)
	return nil
}

// Close unsubscribes and closes the NATS connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
		log.Println("NATS connection closed.")
	}
}
