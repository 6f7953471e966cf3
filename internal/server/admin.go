package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/beergame/beer/internal/feed"
	"github.com/beergame/beer/internal/monitoring"
)

// Admin is the observability sidecar listener: health, Prometheus scrape,
// and a read-only WebSocket feed of match events at /watch.
type Admin struct {
	addr   string
	lobby  *Lobby
	bus    *feed.Bus
	logger zerolog.Logger
	srv    *http.Server
}

func NewAdmin(addr string, lobby *Lobby, bus *feed.Bus, logger zerolog.Logger) *Admin {
	return &Admin{
		addr:   addr,
		lobby:  lobby,
		bus:    bus,
		logger: logger.With().Str("component", "admin").Logger(),
	}
}

// Run serves until ctx is cancelled.
func (a *Admin) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.Handle("/metrics", monitoring.Handler())
	mux.HandleFunc("/watch", a.handleWatch)

	a.srv = &http.Server{Addr: a.addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info().Str("addr", a.addr).Msg("admin listening")
	if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *Admin) handleHealth(w http.ResponseWriter, r *http.Request) {
	waiting, active, spectators := a.lobby.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"waiting":    waiting,
		"matches":    active,
		"spectators": spectators,
	})
}

// handleWatch upgrades to WebSocket and streams match events as JSON text
// frames. Watchers are write-only consumers; anything they send is read and
// discarded to keep the connection's control frames flowing.
func (a *Admin) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		a.logger.Debug().Err(err).Msg("watch upgrade failed")
		return
	}

	events := a.bus.Subscribe()
	a.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("watcher connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	}()

	defer func() {
		a.bus.Unsubscribe(events)
		conn.Close()
		a.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("watcher disconnected")
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := wsutil.WriteServerMessage(conn, ws.OpText, data); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
