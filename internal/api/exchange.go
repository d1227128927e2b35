package api

import (
	"context"
	"net/url"
	"time"

	"github.com/rickgao/exchange-core/internal/exchange"
	"github.com/rickgao/exchange-core/internal/model"
)

func recordPath(kind, id, verb string) string {
	return "/v1/" + kind + "/" + url.PathEscape(id) + "/" + verb
}

func (c *Client) result(ctx context.Context, path string, body any) (exchange.Result, error) {
	var res exchange.Result
	err := c.post(ctx, path, body, &res)
	return res, err
}

// ProposeTrade opens a trade with target.
func (c *Client) ProposeTrade(ctx context.Context, target string) (exchange.Result, error) {
	return c.result(ctx, "/v1/trades", map[string]string{"target": target})
}

// AddTradeOffer adds to the actor's side of a trade.
func (c *Client) AddTradeOffer(ctx context.Context, id string, offer model.Offer) (exchange.Result, error) {
	return c.result(ctx, recordPath("trades", id, "offers"), offer)
}

// AcceptTrade accepts the current offers.
func (c *Client) AcceptTrade(ctx context.Context, id string) (exchange.Result, error) {
	return c.result(ctx, recordPath("trades", id, "accept"), nil)
}

// CancelTrade cancels a trade.
func (c *Client) CancelTrade(ctx context.Context, id string) (exchange.Result, error) {
	return c.result(ctx, recordPath("trades", id, "cancel"), nil)
}

// CreateAuction lists quantity of item. A zero duration uses the gateway
// default.
func (c *Client) CreateAuction(ctx context.Context, item string, quantity, startingBid int64, duration time.Duration) (exchange.Result, error) {
	body := map[string]any{"item": item, "quantity": quantity, "starting_bid": startingBid}
	if duration > 0 {
		body["duration"] = duration.String()
	}
	return c.result(ctx, "/v1/auctions", body)
}

// PlaceBid bids amount on an auction.
func (c *Client) PlaceBid(ctx context.Context, id string, amount int64) (exchange.Result, error) {
	return c.result(ctx, recordPath("auctions", id, "bids"), map[string]int64{"amount": amount})
}

// ProposeWager challenges opponent.
func (c *Client) ProposeWager(ctx context.Context, opponent string, stake int64, description string) (exchange.Result, error) {
	return c.result(ctx, "/v1/wagers", map[string]any{
		"opponent":    opponent,
		"stake":       stake,
		"description": description,
	})
}

// AcceptWager accepts a pending wager.
func (c *Client) AcceptWager(ctx context.Context, id string) (exchange.Result, error) {
	return c.result(ctx, recordPath("wagers", id, "accept"), nil)
}

// DeclineWager declines a pending wager.
func (c *Client) DeclineWager(ctx context.Context, id string) (exchange.Result, error) {
	return c.result(ctx, recordPath("wagers", id, "decline"), nil)
}

// CancelWager cancels a wager.
func (c *Client) CancelWager(ctx context.Context, id string) (exchange.Result, error) {
	return c.result(ctx, recordPath("wagers", id, "cancel"), nil)
}

// ResolveWager settles a wager; winner is a side name or a user id.
func (c *Client) ResolveWager(ctx context.Context, id, winner string) (exchange.Result, error) {
	return c.result(ctx, recordPath("wagers", id, "resolve"), map[string]string{"winner": winner})
}

// StartContest starts a contested transfer against target.
func (c *Client) StartContest(ctx context.Context, target string, level int) (exchange.Result, error) {
	return c.result(ctx, "/v1/contests", map[string]any{"target": target, "level": level})
}

// RegisterInput counts one contest input.
func (c *Client) RegisterInput(ctx context.Context, id string) (exchange.Result, error) {
	return c.result(ctx, recordPath("contests", id, "inputs"), nil)
}

// FinalizeContest decides a contest now.
func (c *Client) FinalizeContest(ctx context.Context, id string) (exchange.Result, error) {
	return c.result(ctx, recordPath("contests", id, "finalize"), nil)
}

// Record fetches a record by id.
func (c *Client) Record(ctx context.Context, id string) (model.Record, error) {
	var rec model.Record
	err := c.get(ctx, "/v1/records/"+url.PathEscape(id), &rec)
	return rec, err
}

// RecordEvents fetches a record's journaled events. The gateway serves this
// only when the journal is enabled.
func (c *Client) RecordEvents(ctx context.Context, id string) ([]model.Event, error) {
	var resp struct {
		Events []model.Event `json:"events"`
	}
	err := c.get(ctx, "/v1/records/"+url.PathEscape(id)+"/events", &resp)
	return resp.Events, err
}

// ActiveRecords lists user's non-terminal records.
func (c *Client) ActiveRecords(ctx context.Context, user string) ([]model.Record, error) {
	var resp struct {
		Records []model.Record `json:"records"`
	}
	err := c.get(ctx, "/v1/users/"+url.PathEscape(user)+"/records", &resp)
	return resp.Records, err
}

// Account fetches an account snapshot.
func (c *Client) Account(ctx context.Context, id string) (model.Account, error) {
	var acct model.Account
	err := c.get(ctx, "/v1/accounts/"+url.PathEscape(id), &acct)
	return acct, err
}

// Adjust credits or debits an account. Repeating a key is a no-op.
func (c *Client) Adjust(ctx context.Context, id string, delta model.Delta, key string) (model.Account, error) {
	var acct model.Account
	err := c.post(ctx, "/v1/accounts/"+url.PathEscape(id)+"/adjustments", map[string]any{
		"balance": delta.Balance,
		"items":   delta.Items,
		"key":     key,
	}, &acct)
	return acct, err
}
