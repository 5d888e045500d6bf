// Package trace walks token flows from a protocol address through relay
// addresses, attributing funds to terminal recipients.
package trace

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/brojonat/tokenflow/service/ledger"
	"github.com/brojonat/tokenflow/service/metrics"
	"github.com/brojonat/tokenflow/service/transfers"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Walk is the outcome of one walk. Partial is set when the caller's context
// ended before the frontier was exhausted; the aggregator then holds what
// was attributed up to that point.
type Walk struct {
	Aggregator       *ledger.Aggregator
	Roles            map[string]ledger.Role
	OriginOutflow    decimal.Decimal
	Hops             int
	Partial          bool
	Malformed        int
	StoppedTransfers int
	HopLimitReached  int
	// Duplicates counts replayed transfers dropped before any amount was
	// summed.
	Duplicates int
}

// Walker classifies addresses reached from a protocol as Intermediary or
// Beneficiary.
type Walker struct {
	src      transfers.Source
	cfg      Config
	detector RelayDetector
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewWalker creates a Walker. detector, logger and m may be nil.
func NewWalker(src transfers.Source, cfg Config, detector RelayDetector, logger *slog.Logger, m *metrics.Metrics) *Walker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Walker{src: src, cfg: cfg, detector: detector, logger: logger, metrics: m}
}

// edge is one validated transfer into an address.
type edge struct {
	rec    ledger.TransferRecord
	amount decimal.Decimal
}

// node is an address awaiting classification with every inflow routed to
// it from the previous level.
type node struct {
	address string
	inflows []edge
	total   decimal.Decimal
	first   time.Time
	last    time.Time
}

func (n *node) add(e edge) {
	n.inflows = append(n.inflows, e)
	n.total = n.total.Add(e.amount)
	if n.first.IsZero() || e.rec.Timestamp.Before(n.first) {
		n.first = e.rec.Timestamp
	}
	if e.rec.Timestamp.After(n.last) {
		n.last = e.rec.Timestamp
	}
}

// Walk fetches the origin's outflows and walks from them.
func (w *Walker) Walk(ctx context.Context, partition, origin string) (*Walk, error) {
	outflows, err := w.src.Outgoing(ctx, partition, origin, transfers.TimeRange{})
	if err != nil {
		if ctx.Err() != nil {
			return &Walk{Aggregator: ledger.NewAggregator(), Roles: map[string]ledger.Role{}, OriginOutflow: decimal.Zero, Partial: true}, nil
		}
		return nil, err
	}
	return w.WalkFrom(ctx, partition, origin, outflows)
}

// WalkFrom walks from outflows already fetched for origin. Store errors
// other than the caller's context ending are returned as is.
func (w *Walker) WalkFrom(ctx context.Context, partition, origin string, outflows []ledger.TransferRecord) (*Walk, error) {
	origin = strings.ToLower(origin)
	res := &Walk{
		Aggregator:    ledger.NewAggregator(),
		Roles:         make(map[string]ledger.Role),
		OriginOutflow: decimal.Zero,
	}
	st := &walkState{
		ctx:     ctx,
		w:       w,
		res:     res,
		origin:  origin,
		pending: make(map[string]*node),
		seen:    make(map[string]map[ledger.Key]struct{}),
	}

	for _, rec := range outflows {
		e, ok := st.validate(rec, origin)
		if !ok {
			continue
		}
		if st.route(e) {
			res.OriginOutflow = res.OriginOutflow.Add(e.amount)
		}
	}

	for hop := 1; len(st.pending) > 0; hop++ {
		level := st.takeLevel()
		if ctx.Err() != nil {
			res.Partial = true
			break
		}
		if hop > w.cfg.MaxHops {
			for _, n := range level {
				st.classify(n, ledger.RoleBeneficiary, decimal.Zero, nil)
			}
			res.HopLimitReached += len(level)
			break
		}

		outs, relays, err := w.fetchLevel(ctx, partition, level)
		if err != nil {
			if ctx.Err() != nil {
				res.Partial = true
				break
			}
			return nil, err
		}
		res.Hops = hop

		var forwardedEdges []edge
		for i, n := range level {
			forwardedEdges = append(forwardedEdges, st.examine(n, outs[i], relays[i])...)
		}
		for _, e := range forwardedEdges {
			st.route(e)
		}
	}

	if w.metrics != nil {
		w.metrics.RecordWalkHops(res.Hops, res.Partial)
		w.metrics.RecordRecordsSkipped("transfers", "malformed", res.Malformed)
		w.metrics.RecordRecordsSkipped("transfers", "duplicate", res.Duplicates)
	}
	w.logger.InfoContext(ctx, "relay walk complete",
		"origin", origin,
		"hops", res.Hops,
		"classified", len(res.Roles),
		"partial", res.Partial,
		"malformed", res.Malformed,
		"duplicates", res.Duplicates,
	)
	return res, nil
}

// fetchLevel queries every node's outflows concurrently, bounded by FanOut.
func (w *Walker) fetchLevel(ctx context.Context, partition string, level []*node) ([][]ledger.TransferRecord, []bool, error) {
	outs := make([][]ledger.TransferRecord, len(level))
	relays := make([]bool, len(level))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.FanOut)
	for i, n := range level {
		g.Go(func() error {
			window := transfers.TimeRange{Start: n.first}
			if w.cfg.Window > 0 {
				window.End = n.last.Add(w.cfg.Window)
			}
			recs, err := w.src.Outgoing(gctx, partition, n.address, window)
			if err != nil {
				return err
			}
			outs[i] = recs

			if w.detector != nil && len(recs) > 0 {
				relay, err := w.detector.IsRelay(gctx, n.address)
				if err != nil {
					w.logger.WarnContext(gctx, "relay detection failed", "address", n.address, "error", err)
				}
				relays[i] = relay
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return outs, relays, nil
}

type walkState struct {
	ctx     context.Context
	w       *Walker
	res     *Walk
	origin  string
	pending map[string]*node
	// seen holds the keys of transfers already routed to each address.
	seen map[string]map[ledger.Key]struct{}
}

// firstDelivery records that e reached its recipient and reports whether
// this is the first time. Replayed records carry the same key.
func (st *walkState) firstDelivery(e edge) bool {
	keys, ok := st.seen[e.rec.To]
	if !ok {
		keys = make(map[ledger.Key]struct{})
		st.seen[e.rec.To] = keys
	}
	k := e.rec.Key()
	if _, dup := keys[k]; dup {
		st.res.Duplicates++
		return false
	}
	keys[k] = struct{}{}
	return true
}

func (st *walkState) takeLevel() []*node {
	level := make([]*node, 0, len(st.pending))
	for _, n := range st.pending {
		level = append(level, n)
	}
	sort.Slice(level, func(i, j int) bool { return level[i].address < level[j].address })
	st.pending = make(map[string]*node)
	return level
}

// validate turns rec into an edge. Malformed records are counted; zero
// amounts and self transfers are dropped.
func (st *walkState) validate(rec ledger.TransferRecord, from string) (edge, bool) {
	amount, err := rec.Amount()
	if err != nil {
		st.res.Malformed++
		st.w.logger.DebugContext(st.ctx, "skipping malformed transfer", "tx", rec.TxHash, "error", err)
		return edge{}, false
	}
	rec.From = strings.ToLower(rec.From)
	rec.To = strings.ToLower(rec.To)
	if !amount.IsPositive() || rec.To == from {
		return edge{}, false
	}
	return edge{rec: rec, amount: amount}, true
}

// route delivers e to its recipient: returned, stopped, credited to an
// already classified address, or queued for the next level. It reports
// false when e is a replay of a transfer already delivered.
func (st *walkState) route(e edge) bool {
	if !st.firstDelivery(e) {
		return false
	}
	to := e.rec.To
	agg := st.res.Aggregator

	if _, ok := st.w.cfg.ReturnAddresses[to]; ok || to == st.origin {
		agg.AddReturnedAmount(to, e.rec.Key(), e.amount)
		return true
	}
	if _, ok := st.w.cfg.StopAddresses[to]; ok {
		st.res.StoppedTransfers++
		return true
	}

	switch st.res.Roles[to] {
	case ledger.RoleBeneficiary:
		agg.AddAmount(to, ledger.RoleBeneficiary, e.rec.Key(), e.amount)
		return true
	case ledger.RoleIntermediary:
		// Late inflow to a relay is not traced again; it stays with the relay.
		agg.AddAmount(to, ledger.RoleIntermediary, e.rec.Key(), e.amount)
		agg.AddAmount(to, ledger.RoleBeneficiary, e.rec.Key(), e.amount)
		return true
	}

	n, ok := st.pending[to]
	if !ok {
		n = &node{address: to, total: decimal.Zero}
		st.pending[to] = n
	}
	n.add(e)
	return true
}

// examine applies the forwarding test to n and returns the edges it
// forwards to the next level. Outflows are consumed in timestamp order; one
// that would exceed the remaining balance is skipped and later, smaller
// outflows may still qualify.
func (st *walkState) examine(n *node, outflows []ledger.TransferRecord, knownRelay bool) []edge {
	if !n.total.IsPositive() {
		return nil
	}

	forwarded := decimal.Zero
	var qualifying []edge
	sent := make(map[ledger.Key]struct{})
	for _, rec := range outflows {
		e, ok := st.validate(rec, n.address)
		if !ok {
			continue
		}
		if !st.inWindow(n, e.rec.Timestamp) {
			continue
		}
		k := e.rec.Key()
		if _, dup := sent[k]; dup {
			st.res.Duplicates++
			continue
		}
		next := forwarded.Add(e.amount)
		if next.GreaterThan(n.total) {
			continue
		}
		sent[k] = struct{}{}
		forwarded = next
		qualifying = append(qualifying, e)
	}

	relay := len(qualifying) > 0 &&
		(knownRelay || forwarded.GreaterThanOrEqual(n.total.Mul(st.w.cfg.Threshold)))
	if !relay {
		st.classify(n, ledger.RoleBeneficiary, decimal.Zero, nil)
		return nil
	}
	st.classify(n, ledger.RoleIntermediary, forwarded, qualifying)
	return qualifying
}

func (st *walkState) inWindow(n *node, t time.Time) bool {
	for _, in := range n.inflows {
		if t.Before(in.rec.Timestamp) {
			continue
		}
		if st.w.cfg.Window <= 0 || !t.After(in.rec.Timestamp.Add(st.w.cfg.Window)) {
			return true
		}
	}
	return false
}

func (st *walkState) classify(n *node, role ledger.Role, forwarded decimal.Decimal, qualifying []edge) {
	agg := st.res.Aggregator
	st.res.Roles[n.address] = role
	for _, in := range n.inflows {
		agg.AddAmount(n.address, role, in.rec.Key(), in.amount)
	}
	if role == ledger.RoleIntermediary {
		if retained := n.total.Sub(forwarded); retained.IsPositive() {
			agg.AddRetained(n.address, retained, ledger.ResidualKey(n.address, "unforwarded"))
		}
	}
	if st.w.metrics != nil {
		st.w.metrics.RecordClassified(role.String())
	}
	st.w.logger.DebugContext(st.ctx, "classified address",
		"address", n.address,
		"role", role.String(),
		"inflow", n.total.String(),
		"forwarded", forwarded.String(),
		"outflows", len(qualifying),
	)
}
