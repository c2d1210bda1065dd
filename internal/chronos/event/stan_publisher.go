package event

import (
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/stan.go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StanPublisher forwards domain events to a NATS Streaming subject so that
// external consumers can follow job state without talking to the scheduler.
type StanPublisher struct {
	conn    stan.Conn
	subject string
}

// ConnectStanPublisher dials the streaming cluster and returns a publisher
// bound to subject.
func ConnectStanPublisher(clusterID string, clientID string, servers []string, subject string) (*StanPublisher, error) {
	conn, err := stan.Connect(clusterID, clientID, stan.NatsURL(strings.Join(servers, ",")))
	if err != nil {
		return nil, errors.Wrapf(err, "error connecting to NATS streaming cluster %s", clusterID)
	}
	return &StanPublisher{conn: conn, subject: subject}, nil
}

func (p *StanPublisher) Observe(e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "error marshalling event")
	}
	return p.conn.Publish(p.subject, payload)
}

func (p *StanPublisher) Close() error {
	return p.conn.Close()
}
