package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics exposed at /metrics on the admin listener.
var (
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beer_connections_total",
		Help: "Total number of TCP connections accepted",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "beer_connections_active",
		Help: "Current number of open client connections",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beer_connections_rejected_total",
		Help: "Connections rejected before handshake, by reason",
	}, []string{"reason"})

	handshakeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beer_handshake_failures_total",
		Help: "Handshakes that did not produce a classified connection",
	}, []string{"reason"})

	matchesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "beer_matches_active",
		Help: "Match sessions currently running",
	})

	matchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beer_matches_total",
		Help: "Completed matches by outcome cause",
	}, []string{"cause"})

	shotsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beer_shots_total",
		Help: "Shots resolved by the rules engine, by result",
	}, []string{"result"})

	reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beer_reconnects_total",
		Help: "Successful token reattachments",
	})

	promotionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beer_promotions_total",
		Help: "Spectators promoted into a vacated slot",
	})

	spectatorsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "beer_spectators_active",
		Help: "Spectators currently attached",
	})

	framesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beer_frames_sent_total",
		Help: "Framed packets written to clients",
	})

	framesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beer_frames_received_total",
		Help: "Framed packets read from clients",
	})

	receiveErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beer_receive_errors_total",
		Help: "Receive-side frame failures by class",
	}, []string{"class"})

	retransmitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beer_retransmits_total",
		Help: "Frames re-emitted in response to a NAK",
	})
)

func init() {
	prometheus.MustRegister(
		connectionsTotal,
		connectionsActive,
		connectionsRejected,
		handshakeFailures,
		matchesActive,
		matchesTotal,
		shotsTotal,
		reconnectsTotal,
		promotionsTotal,
		spectatorsActive,
		framesSent,
		framesReceived,
		receiveErrors,
		retransmitsTotal,
	)
}

func ConnectionOpened() { connectionsTotal.Inc(); connectionsActive.Inc() }
func ConnectionClosed() { connectionsActive.Dec() }

func ConnectionRejected(reason string) { connectionsRejected.WithLabelValues(reason).Inc() }
func HandshakeFailed(reason string)    { handshakeFailures.WithLabelValues(reason).Inc() }

func MatchStarted()              { matchesActive.Inc() }
func MatchEnded(cause string)    { matchesActive.Dec(); matchesTotal.WithLabelValues(cause).Inc() }
func ShotResolved(result string) { shotsTotal.WithLabelValues(result).Inc() }

func Reconnected()       { reconnectsTotal.Inc() }
func SpectatorPromoted() { promotionsTotal.Inc() }

func SpectatorJoined() { spectatorsActive.Inc() }
func SpectatorLeft()   { spectatorsActive.Dec() }

func FrameSent()                { framesSent.Inc() }
func FrameReceived()            { framesReceived.Inc() }
func ReceiveError(class string) { receiveErrors.WithLabelValues(class).Inc() }
func Retransmitted()            { retransmitsTotal.Inc() }

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
