// Package httpapi serves a read-only view of running polls: JSON endpoints,
// prometheus metrics and a websocket feed of tally changes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Xausdorf/reactpoll/internal/usecase"
)

const shutdownTimeout = 5 * time.Second

// Polls is implemented by usecase.Registry.
type Polls interface {
	List() []usecase.PollView
	Lookup(code string) (*usecase.Lifecycle, error)
}

type Server struct {
	polls    Polls
	hub      *Hub
	gatherer prometheus.Gatherer
	log      zerolog.Logger
}

func NewServer(polls Polls, hub *Hub, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	return &Server{
		polls:    polls,
		hub:      hub,
		gatherer: gatherer,
		log:      log.With().Str("component", "httpapi").Logger(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/polls", s.listPolls)
	r.Get("/polls/{code}", s.getPoll)
	r.Get("/ws/polls/{code}", s.pollFeed)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return r
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("http api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type optionView struct {
	Marker string `json:"marker"`
	Text   string `json:"text"`
	Votes  int    `json:"votes"`
}

type pollView struct {
	Code      string       `json:"code"`
	ChannelID string       `json:"channel_id"`
	OwnerID   string       `json:"owner_id"`
	Prompt    string       `json:"prompt"`
	Options   []optionView `json:"options"`
	Tally     []int        `json:"tally"`
	CreatedAt time.Time    `json:"created_at"`
	Deadline  time.Time    `json:"deadline"`
	Status    string       `json:"status"`
	Live      bool         `json:"live"`
	Permalink string       `json:"permalink"`
}

// snapshot is the first message of a websocket feed.
type snapshot struct {
	Type string `json:"type"`
	pollView
}

func newPollView(v usecase.PollView) pollView {
	options := make([]optionView, len(v.Options))
	for i, text := range v.Options {
		options[i] = optionView{Marker: v.Markers[i], Text: text, Votes: v.Counts[i]}
	}
	return pollView{
		Code:      v.Code,
		ChannelID: v.ChannelID,
		OwnerID:   v.OwnerID,
		Prompt:    v.Prompt,
		Options:   options,
		Tally:     v.Counts,
		CreatedAt: v.CreatedAt,
		Deadline:  v.Deadline,
		Status:    v.Status.String(),
		Live:      v.Live,
		Permalink: v.Permalink,
	}
}

func (s *Server) listPolls(w http.ResponseWriter, _ *http.Request) {
	views := s.polls.List()
	res := make([]pollView, len(views))
	for i, v := range views {
		res[i] = newPollView(v)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getPoll(w http.ResponseWriter, r *http.Request) {
	l, err := s.polls.Lookup(chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, http.StatusNotFound, "poll not found")
		return
	}
	writeJSON(w, http.StatusOK, newPollView(l.View()))
}

func (s *Server) pollFeed(w http.ResponseWriter, r *http.Request) {
	l, err := s.polls.Lookup(chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, http.StatusNotFound, "poll not found")
		return
	}
	initial, err := json.Marshal(snapshot{Type: "snapshot", pollView: newPollView(l.View())})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not encode poll")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket handshake failed")
		return
	}
	c := &client{
		conn:    conn,
		code:    l.Code(),
		send:    make(chan []byte, clientBuffer),
		initial: initial,
	}
	if !s.hub.subscribe(c) {
		conn.Close(websocket.StatusGoingAway, "server is shutting down")
		return
	}
	defer s.hub.unsubscribe(c)

	// the feed is one-way, CloseRead handles pings and notices the peer leaving
	ctx := conn.CloseRead(r.Context())
	c.writePump(ctx, s.log)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
