package database

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// ConnectNATS dials the NATS server used for submission events.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	if url == "" {
		return nil, fmt.Errorf("nats url must not be empty")
	}

	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to nats: %w", err)
	}

	return conn, nil
}
