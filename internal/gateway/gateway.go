package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rickgao/exchange-core/internal/auction"
	"github.com/rickgao/exchange-core/internal/auth"
	"github.com/rickgao/exchange-core/internal/contest"
	"github.com/rickgao/exchange-core/internal/exchange"
	"github.com/rickgao/exchange-core/internal/ledger"
	"github.com/rickgao/exchange-core/internal/metrics"
	"github.com/rickgao/exchange-core/internal/model"
	"github.com/rickgao/exchange-core/internal/record"
	"github.com/rickgao/exchange-core/internal/trade"
	"github.com/rickgao/exchange-core/internal/wager"
)

// HeaderActor names the acting user.
const HeaderActor = "X-Actor-ID"

// Config holds gateway settings.
type Config struct {
	CASRetries int     // extra attempts after a lost compare-and-swap
	RateLimit  float64 // requests per second per actor; 0 disables limiting
	RateBurst  int
}

// Deps are the components the gateway drives.
type Deps struct {
	Trade    *trade.Engine
	Auction  *auction.House
	Wager    *wager.Broker
	Contest  *contest.Arbiter
	Ledger   *ledger.Ledger
	Records  record.Store
	Feed     http.Handler   // mounted at /v1/feed when set
	History  HistoryFunc    // serves /v1/records/{id}/events when set
	Verifier *auth.Verifier // signed requests required when set
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// HistoryFunc returns a record's past events.
type HistoryFunc func(ctx context.Context, recordID string) ([]model.Event, error)

// Server routes HTTP requests to the engines.
type Server struct {
	cfg     Config
	deps    Deps
	limiter *limiter
	logger  *slog.Logger
}

// New creates a gateway.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{cfg: cfg, deps: deps, logger: logger}
	if cfg.RateLimit > 0 {
		s.limiter = newLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		if s.deps.Feed != nil {
			r.Get("/feed", s.deps.Feed.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(s.instrument)
			r.Use(s.rateLimit)

			r.Get("/records/{id}", s.getRecord)
			if s.deps.History != nil {
				r.Get("/records/{id}/events", s.recordHistory)
			}
			r.Get("/users/{id}/records", s.listUserRecords)
			r.Get("/accounts/{id}", s.getAccount)
			r.Post("/accounts/{id}/adjustments", s.adjustAccount)

			r.Group(func(r chi.Router) {
				r.Use(requireActor)

				r.Post("/trades", s.proposeTrade)
				r.Post("/trades/{id}/offers", s.addTradeOffer)
				r.Post("/trades/{id}/accept", s.acceptTrade)
				r.Post("/trades/{id}/cancel", s.cancelTrade)

				r.Post("/auctions", s.createAuction)
				r.Post("/auctions/{id}/bids", s.placeBid)

				r.Post("/wagers", s.proposeWager)
				r.Post("/wagers/{id}/accept", s.acceptWager)
				r.Post("/wagers/{id}/decline", s.declineWager)
				r.Post("/wagers/{id}/cancel", s.cancelWager)
				r.Post("/wagers/{id}/resolve", s.resolveWager)

				r.Post("/contests", s.startContest)
				r.Post("/contests/{id}/inputs", s.registerInput)
				r.Post("/contests/{id}/finalize", s.finalizeContest)
			})
		})
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	if s.deps.Verifier == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Verifier.Verify(r); err != nil {
			s.logger.Warn("rejected unsigned request",
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"error", err,
			)
			writeJSON(w, http.StatusUnauthorized, errorBody{Code: "unauthorized", Message: err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderActor)
		if key == "" {
			key = r.RemoteAddr
		}
		if !s.limiter.allow(key, s.deps.Now()) {
			s.deps.Metrics.RateLimited()
			s.logger.Debug("rate limit exceeded", "key", key, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Code: "rate_limited", Message: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.deps.Metrics.Request(route, http.StatusText(status))
	})
}

func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderActor) == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Code: "no_actor", Message: HeaderActor + " header is required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// call runs a verb, retrying lost compare-and-swap races.
func (s *Server) call(ctx context.Context, fn func(context.Context) (exchange.Result, error)) (exchange.Result, error) {
	var (
		res exchange.Result
		err error
	)
	for attempt := 0; ; attempt++ {
		res, err = fn(ctx)
		if err == nil || !errors.Is(err, model.ErrConcurrentModification) || attempt >= s.cfg.CASRetries {
			return res, err
		}
		s.deps.Metrics.CASRetry()
		s.logger.Debug("retrying after concurrent modification", "attempt", attempt+1, "error", err)
	}
}

// respond writes a verb's outcome.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, res exchange.Result, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, res)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
