package feed

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// NATSSink publishes match events to a NATS subject per event kind
// (beer.events.<kind>). Publish failures are logged and dropped; the feed is
// best-effort by design.
type NATSSink struct {
	nc      *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSSink connects to url and returns a sink publishing under
// subjectPrefix (default "beer.events").
func NewNATSSink(url, subjectPrefix string, logger zerolog.Logger) (*NATSSink, error) {
	if subjectPrefix == "" {
		subjectPrefix = "beer.events"
	}
	nc, err := nats.Connect(url,
		nats.Name("beer-server"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}
	return &NATSSink{
		nc:      nc,
		subject: subjectPrefix,
		logger:  logger.With().Str("component", "nats_sink").Logger(),
	}, nil
}

// Publish implements Sink.
func (s *NATSSink) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal event")
		return
	}
	subject := fmt.Sprintf("%s.%s", s.subject, ev.Kind)
	if err := s.nc.Publish(subject, data); err != nil {
		s.logger.Warn().Err(err).Str("subject", subject).Msg("publish failed")
	}
}

// Close drains and closes the NATS connection.
func (s *NATSSink) Close() {
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
	}
}
