package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rickgao/exchange-core/internal/exchange"
	"github.com/rickgao/exchange-core/internal/model"
)

type proposeTradeRequest struct {
	Target string `json:"target"`
}

type createAuctionRequest struct {
	Item        string `json:"item"`
	Quantity    int64  `json:"quantity"`
	StartingBid int64  `json:"starting_bid"`
	Duration    string `json:"duration,omitempty"` // Go duration, e.g. "2h"; empty = default
}

type bidRequest struct {
	Amount int64 `json:"amount"`
}

type proposeWagerRequest struct {
	Opponent    string `json:"opponent"`
	Stake       int64  `json:"stake"`
	Description string `json:"description"`
}

type resolveWagerRequest struct {
	Winner string `json:"winner"`
}

type startContestRequest struct {
	Target string `json:"target"`
	Level  int    `json:"level"`
}

type adjustmentRequest struct {
	Balance int64       `json:"balance"`
	Items   model.Items `json:"items,omitempty"`
	Key     string      `json:"key"`
}

type recordsResponse struct {
	Records []model.Record `json:"records"`
}

type eventsResponse struct {
	Events []model.Event `json:"events"`
}

func actor(r *http.Request) string {
	return r.Header.Get(HeaderActor)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Code: "bad_request", Message: msg})
}

// onRecord serves a verb that takes only the record id and the actor.
func (s *Server) onRecord(fn func(ctx context.Context, id, user string) (exchange.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, user := chi.URLParam(r, "id"), actor(r)
		res, err := s.call(r.Context(), func(ctx context.Context) (exchange.Result, error) {
			return fn(ctx, id, user)
		})
		s.respond(w, r, http.StatusOK, res, err)
	}
}

func (s *Server) proposeTrade(w http.ResponseWriter, r *http.Request) {
	var req proposeTradeRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	res, err := s.deps.Trade.Propose(r.Context(), actor(r), req.Target)
	s.respond(w, r, http.StatusCreated, res, err)
}

func (s *Server) addTradeOffer(w http.ResponseWriter, r *http.Request) {
	var offer model.Offer
	if err := decode(r, &offer); err != nil {
		badRequest(w, err.Error())
		return
	}
	id, user := chi.URLParam(r, "id"), actor(r)
	res, err := s.call(r.Context(), func(ctx context.Context) (exchange.Result, error) {
		return s.deps.Trade.AddOffer(ctx, id, user, offer)
	})
	s.respond(w, r, http.StatusOK, res, err)
}

func (s *Server) acceptTrade(w http.ResponseWriter, r *http.Request) {
	s.onRecord(s.deps.Trade.Accept)(w, r)
}

func (s *Server) cancelTrade(w http.ResponseWriter, r *http.Request) {
	s.onRecord(s.deps.Trade.Cancel)(w, r)
}

func (s *Server) createAuction(w http.ResponseWriter, r *http.Request) {
	var req createAuctionRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	var duration time.Duration
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil {
			badRequest(w, "invalid duration: "+err.Error())
			return
		}
		duration = d
	}
	res, err := s.deps.Auction.Create(r.Context(), actor(r), req.Item, req.Quantity, req.StartingBid, duration)
	s.respond(w, r, http.StatusCreated, res, err)
}

func (s *Server) placeBid(w http.ResponseWriter, r *http.Request) {
	var req bidRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	id, user := chi.URLParam(r, "id"), actor(r)
	res, err := s.call(r.Context(), func(ctx context.Context) (exchange.Result, error) {
		return s.deps.Auction.PlaceBid(ctx, id, user, req.Amount)
	})
	s.respond(w, r, http.StatusOK, res, err)
}

func (s *Server) proposeWager(w http.ResponseWriter, r *http.Request) {
	var req proposeWagerRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	res, err := s.deps.Wager.Propose(r.Context(), actor(r), req.Opponent, req.Stake, req.Description)
	s.respond(w, r, http.StatusCreated, res, err)
}

func (s *Server) acceptWager(w http.ResponseWriter, r *http.Request) {
	s.onRecord(s.deps.Wager.Accept)(w, r)
}

func (s *Server) declineWager(w http.ResponseWriter, r *http.Request) {
	s.onRecord(s.deps.Wager.Decline)(w, r)
}

func (s *Server) cancelWager(w http.ResponseWriter, r *http.Request) {
	s.onRecord(s.deps.Wager.Cancel)(w, r)
}

func (s *Server) resolveWager(w http.ResponseWriter, r *http.Request) {
	var req resolveWagerRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	id, user := chi.URLParam(r, "id"), actor(r)
	res, err := s.call(r.Context(), func(ctx context.Context) (exchange.Result, error) {
		return s.deps.Wager.Resolve(ctx, id, user, req.Winner)
	})
	s.respond(w, r, http.StatusOK, res, err)
}

func (s *Server) startContest(w http.ResponseWriter, r *http.Request) {
	var req startContestRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	res, err := s.deps.Contest.Start(r.Context(), actor(r), req.Target, req.Level)
	s.respond(w, r, http.StatusCreated, res, err)
}

func (s *Server) registerInput(w http.ResponseWriter, r *http.Request) {
	s.onRecord(s.deps.Contest.RegisterInput)(w, r)
}

func (s *Server) finalizeContest(w http.ResponseWriter, r *http.Request) {
	s.onRecord(s.deps.Contest.Finalize)(w, r)
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Records.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) recordHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Records.Get(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	events, err := s.deps.History(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events})
}

func (s *Server) listUserRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Records.ActiveByParticipant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []model.Record{}
	}
	writeJSON(w, http.StatusOK, recordsResponse{Records: recs})
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.deps.Ledger.Account(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// adjustAccount lets collaborators such as the shop credit or debit an
// account. The key makes retries safe.
func (s *Server) adjustAccount(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.Key == "" {
		badRequest(w, "idempotency key is required")
		return
	}
	delta := model.Delta{Balance: req.Balance, Items: req.Items}
	if delta.IsZero() {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "invalid_amount", Message: "adjustment changes nothing"})
		return
	}
	acct, err := s.deps.Ledger.Adjust(r.Context(), chi.URLParam(r, "id"), delta, "api:"+req.Key)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}
