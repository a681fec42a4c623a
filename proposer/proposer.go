// Package proposer ties safekeeper, election, streaming, eventloop, host,
// and sharedstate together into the single-threaded cooperative core of
// spec.md §4.1: the main poll cycle and the reconnect supervisor of §4.6.
package proposer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	set "github.com/deckarep/golang-set"

	"WP/configs"
	"WP/election"
	"WP/eventloop"
	"WP/host"
	"WP/metrics"
	"WP/safekeeper"
	"WP/sharedstate"
	"WP/statussvc"
	"WP/streaming"
	"WP/term"
	"WP/utils"
	"WP/wire"
)

// FatalError wraps any class-3 safety violation (spec.md §7) that must
// terminate the process; Run returns this type, never os.Exit-ing itself, so
// callers (tests, cmd/walproposer) control the actual exit.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string { return "proposer: " + e.Reason }

// Proposer is one running instance of the replication driver.
type Proposer struct {
	cfg configs.Config

	host  host.WAL
	clock host.Clock
	store *sharedstate.Block
	metr  *metrics.Registry
	poll  eventloop.Poller

	proposerID wire.UUID
	tenantID   wire.UUID
	timelineID wire.UUID

	acceptors []*safekeeper.Acceptor
	quorum    int

	coord  *election.Coordinator
	stream *streaming.Engine

	lastReconnectAttempt time.Time
	lastHeartbeat        time.Time
	lastCommitLsn        term.LSN
	lastAvailableLsn     term.LSN
	heartbeatInterval    time.Duration
}

// New constructs a Proposer from configuration, ready to Run. poller is
// injected so tests can substitute eventloop's non-Linux stub.
func New(cfg configs.Config, h host.WAL, clock host.Clock, rnd host.Rand, store *sharedstate.Block, reg *metrics.Registry, poll eventloop.Poller) (*Proposer, error) {
	tenantID, err := parseUUID(cfg.Tenant)
	if err != nil {
		return nil, fmt.Errorf("proposer: tenant: %w", err)
	}
	timelineID, err := parseUUID(cfg.Timeline)
	if err != nil {
		return nil, fmt.Errorf("proposer: timeline: %w", err)
	}

	seen := set.NewSet()
	for _, addr := range cfg.SafekeepersList {
		if !seen.Add(addr) {
			return nil, fmt.Errorf("proposer: safekeepers_list names %q more than once", addr)
		}
	}

	acceptors := make([]*safekeeper.Acceptor, len(cfg.SafekeepersList))
	for i, addr := range cfg.SafekeepersList {
		acceptors[i] = safekeeper.NewAcceptor(i, addr, safekeeper.NewTCPTransport(addr))
	}

	return &Proposer{
		cfg:               cfg,
		host:              h,
		clock:             clock,
		store:             store,
		metr:              reg,
		poll:              poll,
		proposerID:        wire.UUID(rnd.ProposerID()),
		tenantID:          tenantID,
		timelineID:        timelineID,
		acceptors:         acceptors,
		quorum:            cfg.Quorum(),
		heartbeatInterval: cfg.SafekeeperConnectionTimeout / 3,
	}, nil
}

func parseUUID(s string) (wire.UUID, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 16 {
		return wire.UUID{}, fmt.Errorf("invalid UUID %q", s)
	}
	var u wire.UUID
	copy(u[:], b)
	return u, nil
}

// Run is the main poll cycle of spec.md §4.1. It returns only on a fatal
// error or ctx cancellation.
func (p *Proposer) Run(ctx context.Context) error {
	for _, a := range p.acceptors {
		a.ResetConnection(safekeeper.NewTCPTransport(a.Addr))
		p.metr.Reconnects.Inc()
	}
	p.lastReconnectAttempt = p.clock.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		availableLsn, err := p.host.AvailableLsn(ctx)
		if err != nil {
			return fmt.Errorf("proposer: available LSN: %w", err)
		}
		p.metr.AvailableLsn.Set(float64(availableLsn))
		p.lastAvailableLsn = availableLsn

		pollAccs, conns := p.buildConnSet(availableLsn)
		if err := p.poll.Reset(conns); err != nil {
			return fmt.Errorf("proposer: poller reset: %w", err)
		}

		timeout := p.nextTimeout()
		res, err := p.poll.Wait(timeout)
		if err != nil {
			return fmt.Errorf("proposer: poller wait: %w", err)
		}

		if res.Woken {
			if err := p.broadcastActive(ctx, availableLsn); err != nil {
				return p.reportFatal(err)
			}
		}

		if res.FiredIndex >= 0 && res.FiredIndex < len(pollAccs) {
			if err := p.dispatchSocket(ctx, pollAccs[res.FiredIndex], availableLsn, res.Readable, res.Writable); err != nil {
				return p.reportFatal(err)
			}
		}

		if err := p.reconnectDue(); err != nil {
			return p.reportFatal(err)
		}
		if err := p.heartbeatDue(ctx, availableLsn); err != nil {
			return p.reportFatal(err)
		}
		p.enforceInactivity()
	}
}

// reportFatal counts err against metr.FatalAborts when it is (or wraps) a
// *FatalError — the spec's class-3 safety-violation abort path (§7) — and
// returns err unchanged so callers can keep propagating it.
func (p *Proposer) reportFatal(err error) error {
	var fe *FatalError
	if errors.As(err, &fe) {
		p.metr.FatalAborts.Inc()
	}
	return err
}

// buildConnSet rebuilds the watched set wholesale (spec.md §4.3's "removing
// an acceptor" simplification, carried through to the event set itself).
func (p *Proposer) buildConnSet(availableLsn term.LSN) ([]*safekeeper.Acceptor, []eventloop.Conn) {
	var pollAccs []*safekeeper.Acceptor
	var conns []eventloop.Conn
	for _, a := range p.acceptors {
		if a.State == safekeeper.Offline {
			continue
		}
		pollAccs = append(pollAccs, a)
		conns = append(conns, eventloop.Conn{Fd: a.Transport.Fd(), WantWrite: a.WantsWrite(availableLsn)})
	}
	return pollAccs, conns
}

// nextTimeout computes step 1 of spec.md §4.1: time until the next
// reconnect attempt is due, or no timeout if reconnects are disabled.
func (p *Proposer) nextTimeout() time.Duration {
	if p.cfg.SafekeeperReconnectTimeout <= 0 {
		return -1
	}
	elapsed := p.clock.Now().Sub(p.lastReconnectAttempt)
	remaining := p.cfg.SafekeeperReconnectTimeout - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// dispatchSocket drains every immediately available event off one ready
// socket (spec.md §4.5 "Recv loop": drain all available AppendResponses
// before acting), routing each to the election coordinator or streaming
// engine as appropriate.
func (p *Proposer) dispatchSocket(ctx context.Context, a *safekeeper.Acceptor, availableLsn term.LSN, readable, writable bool) error {
	gotAppendResponse := false
	for {
		ev, err := a.Advance(readable, writable)
		if err != nil {
			return fmt.Errorf("proposer: advance acceptor %d: %w", a.Index, err)
		}
		switch ev.Kind {
		case safekeeper.NoEvent:
			if gotAppendResponse {
				if err := p.handleAppendResponses(ctx, availableLsn); err != nil {
					return err
				}
			}
			return nil
		case safekeeper.ConnectionLost:
			// The reconnect supervisor picks this up next cycle; nothing
			// further to do on this dispatch.
			return nil
		case safekeeper.ReadyForGreeting:
			if !a.SendGreeting(p.greeting()) {
				a.ShutdownConnection()
				return nil
			}
		case safekeeper.GreetingReceived:
			if err := p.onGreeting(a, ev.Greeting); err != nil {
				return err
			}
		case safekeeper.VoteResponseReceived:
			if err := p.onVoteResponse(ctx, a, ev.VoteResponse); err != nil {
				return err
			}
		case safekeeper.AppendResponseReceived:
			if p.stream == nil {
				break
			}
			if err := p.stream.OnAppendResponse(ev.AppendResponse); err != nil {
				var fe *streaming.FatalError
				if errors.As(err, &fe) {
					return &FatalError{Reason: fe.Error()}
				}
				return err
			}
			gotAppendResponse = true
		}
		// Further frames may already be buffered from the same readiness
		// event; keep draining reads without re-asserting writable.
		writable = false
	}
}

// Snapshot implements statussvc.Source: a read-only view of current
// proposer state for the status service to report.
func (p *Proposer) Snapshot() statussvc.Snapshot {
	accs := make([]statussvc.AcceptorStatus, len(p.acceptors))
	for i, a := range p.acceptors {
		accs[i] = statussvc.AcceptorStatus{
			Index:    a.Index,
			Addr:     a.Addr,
			State:    a.State.String(),
			FlushLsn: uint64(a.AppendResponse.FlushLsn),
		}
	}
	var epochStart, truncate uint64
	if p.coord != nil {
		epochStart = uint64(p.coord.EpochStartLsn())
	}
	if p.stream != nil {
		truncate = uint64(p.stream.TruncateLsn())
	}
	return statussvc.Snapshot{
		Term:          uint64(p.currentTerm()),
		EpochStartLsn: epochStart,
		CommitLsn:     uint64(p.lastCommitLsn),
		TruncateLsn:   truncate,
		AvailableLsn:  uint64(p.lastAvailableLsn),
		Backpressure:  p.store.Backpressure(),
		Acceptors:     accs,
	}
}

func (p *Proposer) currentTerm() term.Term {
	if p.coord == nil {
		return 0
	}
	return p.coord.Term()
}

// greeting builds the ProposerGreeting sent once per fresh connection, right
// after START_WAL_PUSH completes (spec.md §4.3/§6).
func (p *Proposer) greeting() wire.ProposerGreeting {
	const protocolVersion = 2
	const pgVersion = 150000 // PG_VERSION_NUM-style encoding, major*10000
	return wire.ProposerGreeting{
		ProtocolVersion: protocolVersion,
		PgVersion:       pgVersion,
		ProposerID:      p.proposerID,
		SystemID:        p.cfg.SystemID,
		TimelineID:      p.timelineID,
		TenantID:        p.tenantID,
		TimelineOrdinal: p.cfg.PgTimeline,
		WalSegSize:      uint32(p.cfg.WalSegmentSize),
	}
}

func (p *Proposer) onGreeting(a *safekeeper.Acceptor, g wire.AcceptorGreeting) error {
	if p.coord == nil {
		p.coord = election.New(p.quorum, p.proposerID, p.cfg.WalSegmentSize, p.cfg.SyncSafekeepers, p.store.MineLastElectedTerm())
		p.metr.ElectionsStarted.Inc()
	}
	vr, ready := p.coord.OnGreeting(g)
	if !ready {
		return nil
	}
	for _, acc := range p.acceptors {
		if acc.State == safekeeper.Voting {
			acc.SendVoteRequest(vr)
		}
	}
	return nil
}

func (p *Proposer) onVoteResponse(ctx context.Context, a *safekeeper.Acceptor, vr wire.VoteResponse) error {
	out, err := p.coord.OnVoteResponse(ctx, a, vr, p.host, p.store)
	if err != nil {
		var fe *election.FatalError
		if errors.As(err, &fe) {
			return &FatalError{Reason: fe.Error()}
		}
		return err
	}

	if out.QuorumJustReached {
		p.metr.ElectionsWon.Inc()
		if out.TimelineStartLsnMismatch {
			p.metr.TimelineMismatches.Inc()
			configs.Warnf("acceptors disagreed on timelineStartLsn", configs.Fields{"term": uint64(p.coord.Term())})
		}
		p.stream = streaming.New(p.quorum, p.coord.Term(), p.coord.EpochStartLsn(), p.coord.TruncateLsn(), p.proposerID, p.cfg.SyncSafekeepers, p.host, p.store)
		for _, acc := range p.acceptors {
			if acc.State != safekeeper.Idle {
				continue
			}
			elected, err := p.coord.ElectedFor(acc)
			if err != nil {
				return &FatalError{Reason: err.Error()}
			}
			if err := acc.SendProposerElected(elected); err != nil {
				configs.Warnf("send ProposerElected failed", configs.Fields{"acceptor": acc.Index, "error": err.Error()})
			}
		}
		return nil
	}

	if out.SendElectedNow {
		if err := a.SendProposerElected(out.Elected); err != nil {
			configs.Warnf("send ProposerElected failed", configs.Fields{"acceptor": a.Index, "error": err.Error()})
		}
	}
	return nil
}

// handleAppendResponses implements the back half of spec.md §4.5's recv
// loop: recompute the quorum commit LSN and, if it advanced, broadcast it;
// advance truncateLsn; check sync-safekeepers termination.
func (p *Proposer) handleAppendResponses(ctx context.Context, availableLsn term.LSN) error {
	commit := p.stream.QuorumCommitLsn(p.acceptors)
	if commit > p.lastCommitLsn {
		p.lastCommitLsn = commit
		p.metr.CommitLsn.Set(float64(commit))
		if err := p.broadcastActive(ctx, availableLsn); err != nil {
			return err
		}
	}

	if _, err := p.stream.AdvanceTruncateLsn(ctx, p.acceptors); err != nil {
		return fmt.Errorf("proposer: %w", err)
	}
	p.metr.TruncateLsn.Set(float64(p.stream.TruncateLsn()))

	done, err := p.stream.MaybeFinishSyncSafekeepers(ctx, p.acceptors, func(a *safekeeper.Acceptor) error {
		return p.stream.SendChunks(ctx, a, availableLsn, p.lastCommitLsn)
	})
	if err != nil {
		return fmt.Errorf("proposer: %w", err)
	}
	if done {
		return &FatalError{Reason: "sync-safekeepers complete"}
	}
	return nil
}

func (p *Proposer) broadcastActive(ctx context.Context, availableLsn term.LSN) error {
	if p.stream == nil {
		return nil
	}
	for _, a := range p.acceptors {
		if a.State != safekeeper.Active {
			continue
		}
		if err := p.stream.SendChunks(ctx, a, availableLsn, p.lastCommitLsn); err != nil {
			return fmt.Errorf("proposer: %w", err)
		}
	}
	return nil
}

// reconnectDue implements spec.md §4.6's reconnect supervisor: runs at most
// once per safekeeper_reconnect_timeout, restarting only Offline acceptors.
func (p *Proposer) reconnectDue() error {
	if p.cfg.SafekeeperReconnectTimeout <= 0 {
		return nil
	}
	now := p.clock.Now()
	if now.Sub(p.lastReconnectAttempt) < p.cfg.SafekeeperReconnectTimeout {
		return nil
	}
	p.lastReconnectAttempt = now
	for _, a := range p.acceptors {
		if a.State != safekeeper.Offline {
			continue
		}
		a.ResetConnection(safekeeper.NewTCPTransport(a.Addr))
		p.metr.Reconnects.Inc()
	}
	return nil
}

// heartbeatDue sends an append (possibly zero-length) to every Active
// acceptor if we already hold quorum and some time has passed with no
// traffic (spec.md §4.1 step 4).
func (p *Proposer) heartbeatDue(ctx context.Context, availableLsn term.LSN) error {
	if p.stream == nil || p.heartbeatInterval <= 0 {
		return nil
	}
	now := p.clock.Now()
	if now.Sub(p.lastHeartbeat) < p.heartbeatInterval {
		return nil
	}
	p.lastHeartbeat = now
	return p.broadcastActive(ctx, availableLsn)
}

// enforceInactivity implements spec.md §4.1 step 5 / §5's connection_timeout.
func (p *Proposer) enforceInactivity() {
	now := p.clock.Now()
	connected := 0
	for _, a := range p.acceptors {
		if a.State == safekeeper.Offline {
			continue
		}
		connected++
		if a.Inactive(now, p.cfg.SafekeeperConnectionTimeout) {
			configs.Warnf("acceptor inactivity timeout", configs.Fields{"acceptor": a.Index, "addr": a.Addr, "error": utils.ErrTimeout.Error()})
			a.ShutdownConnection()
			connected--
		}
	}
	p.metr.ConnectedAcceptors.Set(float64(connected))
}
