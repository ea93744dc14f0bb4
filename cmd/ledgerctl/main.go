// Command ledgerctl is an operator client for a running ledger's gRPC
// service.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"PariLedger/internal/ledger"
	"PariLedger/internal/market"
	"PariLedger/internal/server"

	"github.com/olekukonko/tablewriter"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func usage() {
	fmt.Println("Usage: ledgerctl [-addr host:port] [-caller id] <command> [args]")
	fmt.Println("  stats                  - ledger totals and fee rate")
	fmt.Println("  markets [-match id]    - open markets, or all markets of a match")
	fmt.Println("  market <market_id>     - one market with its option odds")
	fmt.Println("  bets <market_id>       - bets placed on a market")
	fmt.Println("  balance <owner>        - an owner's balance and bets")
	fmt.Println("  audit                  - run the invariant audit")
	fmt.Println("  rebuild-indices        - recompute derived indices")
}

func main() {
	addr := flag.String("addr", envOr("PARI_GRPC_ADDR", "localhost:9090"), "ledger gRPC address")
	caller := flag.String("caller", envOr("PARI_CALLER", "ledgerctl"), "caller identity for mutations")
	timeout := flag.Duration("timeout", 10*time.Second, "per-call timeout")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fatal(err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := &client{conn: conn, caller: *caller, out: os.Stdout}
	if err := c.dispatch(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		fatal(err)
	}
}

type client struct {
	conn   grpc.ClientConnInterface
	caller string
	out    io.Writer
}

func (c *client) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "stats":
		return c.stats(ctx)
	case "markets":
		fs := flag.NewFlagSet("markets", flag.ContinueOnError)
		match := fs.String("match", "", "match id")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return c.markets(ctx, *match)
	case "market":
		id, err := argID(args, "market_id")
		if err != nil {
			return err
		}
		return c.market(ctx, market.MarketID(id))
	case "bets":
		id, err := argID(args, "market_id")
		if err != nil {
			return err
		}
		return c.bets(ctx, market.MarketID(id))
	case "balance":
		if len(args) < 1 {
			return fmt.Errorf("balance: owner required")
		}
		return c.balance(ctx, args[0])
	case "audit":
		return c.audit(ctx)
	case "rebuild-indices":
		return c.rebuild(ctx)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func (c *client) call(ctx context.Context, method string, req, resp any) error {
	return server.Call(ctx, c.conn, method, c.caller, req, resp)
}

func (c *client) stats(ctx context.Context) error {
	var st server.StatsView
	if err := c.call(ctx, "GetStats", &server.Empty{}, &st); err != nil {
		return err
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("Metric", "Value")
	table.Append("fee rate", st.FeeRate)
	table.Append("total volume", st.TotalVolume)
	table.Append("protocol fees", st.ProtocolFees)
	table.Append("house net", st.HouseNet)
	table.Append("deposits", st.TotalDeposits)
	table.Append("withdrawals", st.TotalWithdrawals)
	table.Append("next market id", st.NextMarketID)
	table.Append("next bet id", st.NextBetID)
	return table.Render()
}

func (c *client) markets(ctx context.Context, matchID string) error {
	var ms []server.MarketView
	if err := c.call(ctx, "ListMarkets", &server.ListMarketsRequest{MatchID: matchID}, &ms); err != nil {
		return err
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "Match", "Category", "Title", "Status", "Locks at", "Pool")
	for _, m := range ms {
		table.Append(m.ID, m.MatchID, m.Category, m.Title, m.Status.String(), formatMillis(m.LocksAt), m.TotalPool)
	}
	return table.Render()
}

func (c *client) market(ctx context.Context, id market.MarketID) error {
	var m server.MarketView
	if err := c.call(ctx, "GetMarket", &server.MarketRef{MarketID: id}, &m); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "#%d %s [%s] %s\n", m.ID, m.Title, m.Category, m.Status)
	fmt.Fprintf(c.out, "match %s, locks %s, pool %d\n", m.MatchID, formatMillis(m.LocksAt), m.TotalPool)
	if m.WinningOption != nil {
		fmt.Fprintf(c.out, "winner: option %d\n", *m.WinningOption)
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Option", "Label", "Pool", "Odds", "Implied")
	for _, o := range m.Options {
		table.Append(o.ID, o.Label, o.Pool, o.DecimalOdds, o.ImpliedProbability)
	}
	return table.Render()
}

func (c *client) bets(ctx context.Context, id market.MarketID) error {
	var bets []server.BetView
	if err := c.call(ctx, "MarketBets", &server.MarketRef{MarketID: id}, &bets); err != nil {
		return err
	}
	return c.betTable(bets)
}

func (c *client) balance(ctx context.Context, owner string) error {
	var bal server.BalanceView
	if err := c.call(ctx, "GetBalance", &server.OwnerRef{Owner: owner}, &bal); err != nil {
		return err
	}
	var bets []server.BetView
	if err := c.call(ctx, "OwnerBets", &server.OwnerRef{Owner: owner}, &bets); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s: balance %d\n", bal.Owner, bal.Balance)
	if len(bets) == 0 {
		return nil
	}
	return c.betTable(bets)
}

func (c *client) betTable(bets []server.BetView) error {
	table := tablewriter.NewWriter(c.out)
	table.Header("Bet", "Owner", "Market", "Option", "Amount", "Odds", "Settled", "Payout")
	for _, b := range bets {
		payout := "-"
		if b.Payout != nil {
			payout = strconv.FormatInt(*b.Payout, 10)
		}
		table.Append(b.ID, b.Owner, b.MarketID, b.OptionID, b.Amount, b.DecimalOdds, b.Settled, payout)
	}
	return table.Render()
}

func (c *client) audit(ctx context.Context) error {
	var report ledger.Report
	if err := c.call(ctx, "Audit", &server.Empty{}, &report); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "markets %d, bets %d, owners %d\n", report.Markets, report.Bets, report.Owners)
	fmt.Fprintf(c.out, "digest %s\n", report.Digest)
	if report.OK() {
		fmt.Fprintln(c.out, "OK")
		return nil
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Check", "Detail")
	for _, v := range report.Violations {
		table.Append(v.Check, v.Detail)
	}
	if err := table.Render(); err != nil {
		return err
	}
	return fmt.Errorf("%d invariant violations", len(report.Violations))
}

func (c *client) rebuild(ctx context.Context) error {
	var st ledger.RebuildStats
	if err := c.call(ctx, "RebuildIndices", &server.Empty{}, &st); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "owner entries %d, market entries %d, open markets %d\n",
		st.OwnerEntries, st.MarketEntries, st.OpenMarkets)
	return nil
}

func argID(args []string, name string) (uint64, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("%s required", name)
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, args[0])
	}
	return id, nil
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "ledgerctl: %v\n", err)
	os.Exit(1)
}
