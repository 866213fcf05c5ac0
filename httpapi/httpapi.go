// Package httpapi serves the relay's auxiliary HTTP surface: username and
// room listings and a per-room presence stream.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/coregx/relay/sse"
)

// DefaultKeepAlive is the interval between presence stream keep-alives.
const DefaultKeepAlive = 30 * time.Second

// Directory answers membership queries. *room.Registry implements it.
type Directory interface {
	AllUsernames() []string
	Usernames(room string) []string
	Rooms() map[string][]string
}

// Options configures the handler.
//
// All fields are optional. Zero values use sensible defaults.
type Options struct {
	// Logger receives one line per request (default: disabled).
	Logger *zerolog.Logger

	// Feed enables GET /rooms/{room}/presence when set.
	Feed *sse.Feed

	// KeepAlive is the presence stream keep-alive interval (default: 30s).
	KeepAlive time.Duration
}

type api struct {
	dir       Directory
	feed      *sse.Feed
	keepAlive time.Duration
	log       zerolog.Logger
}

// NewHandler builds the router.
func NewHandler(dir Directory, opts *Options) http.Handler {
	if opts == nil {
		opts = &Options{}
	}
	a := &api{
		dir:       dir,
		feed:      opts.Feed,
		keepAlive: opts.KeepAlive,
		log:       zerolog.Nop(),
	}
	if a.keepAlive == 0 {
		a.keepAlive = DefaultKeepAlive
	}
	if opts.Logger != nil {
		a.log = *opts.Logger
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(allowAnyOrigin)

	r.Get("/get_usernames", a.usernames)
	r.Get("/rooms", a.rooms)
	if a.feed != nil {
		r.Get("/rooms/{room}/presence", a.presence)
	}
	return r
}

func (a *api) usernames(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, r, map[string][]string{"usernames": a.dir.AllUsernames()})
}

func (a *api) rooms(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, r, map[string]map[string][]string{"rooms": a.dir.Rooms()})
}

// presence streams the room's userlist: the current one first, then one
// event per membership change until the client goes away.
func (a *api) presence(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "room")

	conn, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer conn.Close()

	snapshot := func() []string { return a.dir.Usernames(name) }
	if err := a.feed.Subscribe(name, conn, snapshot); err != nil {
		return
	}
	defer a.feed.Unsubscribe(name, conn)

	ticker := time.NewTicker(a.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}

func (a *api) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Debug().Err(err).Str("path", r.URL.Path).Msg("write response")
	}
}

func allowAnyOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			a.log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}
