package live

import (
	"encoding/json"
	"log"

	"github.com/nats-io/nats.go"

	"UDPulse/internal/model"
)

// Publisher pushes stats snapshots to a NATS subject so a detached monitor
// can follow a run in real time. It implements model.SnapshotSink.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

// NewPublisher connects to the NATS server.
func NewPublisher(url, subject string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to NATS server at %s", url)
	return &Publisher{nc: nc, subject: subject}, nil
}

// Publish serializes a snapshot to JSON and publishes it to the configured
// NATS subject.
func (p *Publisher) Publish(snap *model.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subject, data)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		log.Println("NATS connection drained and closed.")
	}
}
