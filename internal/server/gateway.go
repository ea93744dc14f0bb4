package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

// CallerHeader carries the authenticated caller identity, set by the edge.
const CallerHeader = "X-Caller-Id"

const maxBodyBytes = 1 << 20

// requestFn is one api method bound to its HTTP input.
type requestFn func(ctx context.Context, caller string, r *http.Request, params map[string]string) (any, error)

// bind adapts an api method: decode builds the request from the path,
// query and body.
func bind[Req, Resp any](call func(context.Context, string, *Req) (Resp, error), decode func(*http.Request, map[string]string, *Req) error) requestFn {
	return func(ctx context.Context, caller string, r *http.Request, params map[string]string) (any, error) {
		req := new(Req)
		if decode != nil {
			if err := decode(r, params, req); err != nil {
				return nil, err
			}
		}
		return call(ctx, caller, req)
	}
}

func (s *Server) registerRoutes(mux *runtime.ServeMux) error {
	a := s.api
	routes := []struct {
		method, pattern string
		created         bool
		fn              requestFn
	}{
		{"POST", "/v1/admin/initialize", true, bind(a.initialize, decodeBody[InitializeRequest])},
		{"POST", "/v1/admin/rebuild-indices", false, bind(a.rebuildIndices, nil)},
		{"GET", "/v1/admin/audit", false, bind(a.audit, nil)},
		{"GET", "/v1/stats", false, bind(a.stats, nil)},

		{"POST", "/v1/markets", true, bind(a.createMarket, decodeBody[CreateMarketRequest])},
		{"GET", "/v1/markets", false, bind(a.listMarkets, func(r *http.Request, _ map[string]string, req *ListMarketsRequest) error {
			req.MatchID = r.URL.Query().Get("match_id")
			return nil
		})},
		{"GET", "/v1/markets/{market_id}", false, bind(a.getMarket, marketRef)},
		{"POST", "/v1/markets/{market_id}/lock", false, bind(a.lockMarket, marketRef)},
		{"POST", "/v1/markets/{market_id}/cancel", false, bind(a.cancelMarket, marketRef)},
		{"POST", "/v1/markets/{market_id}/resolve", false, bind(a.resolveMarket, func(r *http.Request, p map[string]string, req *ResolveRequest) error {
			if err := decodeBody(r, p, req); err != nil {
				return err
			}
			return pathID(p, "market_id", (*uint64)(&req.MarketID))
		})},
		{"GET", "/v1/markets/{market_id}/bets", false, bind(a.marketBets, marketRef)},
		{"POST", "/v1/markets/{market_id}/bets", true, bind(a.placeBet, func(r *http.Request, p map[string]string, req *PlaceBetRequest) error {
			if err := decodeBody(r, p, req); err != nil {
				return err
			}
			return pathID(p, "market_id", (*uint64)(&req.MarketID))
		})},
		{"GET", "/v1/markets/{market_id}/quote", false, bind(a.quote, decodeQuote)},

		{"GET", "/v1/bets/{bet_id}", false, bind(a.getBet, betRef)},
		{"POST", "/v1/bets/{bet_id}/claim", false, bind(a.claimWinnings, betRef)},

		{"POST", "/v1/account/deposit", false, bind(a.deposit, decodeBody[AmountRequest])},
		{"POST", "/v1/account/withdraw", false, bind(a.withdraw, decodeBody[AmountRequest])},
		{"GET", "/v1/accounts/{owner}/balance", false, bind(a.balance, ownerRef)},
		{"GET", "/v1/accounts/{owner}/bets", false, bind(a.ownerBets, ownerRef)},
	}

	for _, rt := range routes {
		route := rt.method + " " + rt.pattern
		h := instrument(route, s.metrics, s.log, s.serveRoute(rt.fn, rt.created))
		if err := mux.HandlePath(rt.method, rt.pattern, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) serveRoute(fn requestFn, created bool) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		out, err := fn(r.Context(), r.Header.Get(CallerHeader), r, params)
		if err != nil {
			if httpStatus, _, _ := classify(err); httpStatus >= http.StatusInternalServerError {
				s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
			}
			writeError(w, err)
			return
		}
		code := http.StatusOK
		if created {
			code = http.StatusCreated
		}
		writeJSON(w, code, out)
	}
}

// decodeBody reads a JSON body into req. An empty body leaves req zeroed.
func decodeBody[Req any](r *http.Request, _ map[string]string, req *Req) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("malformed body: " + err.Error())
	}
	return nil
}

func pathID(params map[string]string, name string, dst *uint64) error {
	v, err := strconv.ParseUint(params[name], 10, 64)
	if err != nil {
		return badRequest("invalid " + name + ": " + params[name])
	}
	*dst = v
	return nil
}

func marketRef(_ *http.Request, p map[string]string, req *MarketRef) error {
	return pathID(p, "market_id", (*uint64)(&req.MarketID))
}

func betRef(_ *http.Request, p map[string]string, req *BetRef) error {
	return pathID(p, "bet_id", (*uint64)(&req.BetID))
}

func ownerRef(_ *http.Request, p map[string]string, req *OwnerRef) error {
	req.Owner = p["owner"]
	return nil
}

func decodeQuote(r *http.Request, p map[string]string, req *QuoteRequest) error {
	if err := pathID(p, "market_id", (*uint64)(&req.MarketID)); err != nil {
		return err
	}
	q := r.URL.Query()
	if v := q.Get("option_id"); v != "" {
		opt, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return badRequest("invalid option_id: " + v)
		}
		o := uint8(opt)
		req.OptionID = &o
	}
	amount, err := strconv.ParseInt(q.Get("amount"), 10, 64)
	if err != nil {
		return badRequest("invalid amount: " + q.Get("amount"))
	}
	req.Amount = amount
	return nil
}
