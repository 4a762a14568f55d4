// Package game drives one duel end-to-end: commit exchange, synchronized
// reveal, deterministic winner resolution and emission of the finished
// record. Each side of a session runs its own Machine; there is no shared
// session object and no lock shared across sessions.
package game

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairgame-ops/highcard/fairness"
	"github.com/fairgame-ops/highcard/history"
	"github.com/fairgame-ops/highcard/relay"
	"github.com/fairgame-ops/highcard/session"
)

// State names one phase of the duel. Idle is initial; Finished and Aborted
// are terminal for an attempt.
type State string

const (
	StateIdle         State = "idle"
	StateAwaitingPeer State = "awaiting_peer"
	StateCommitted    State = "committed"
	StateRevealing    State = "revealing"
	StateFinished     State = "finished"
	StateAborted      State = "aborted"
)

// ErrDeadline reports that the opponent went silent past the per-state
// deadline. The session is abandoned and nothing is recorded.
var ErrDeadline = errors.New("opponent deadline expired")

// ViolationError is a protocol violation by the opponent: a reveal that does
// not open the stored commitment, a reveal before any commitment, or a
// malformed protocol frame. Violations terminate the attempt without an
// outcome and without a settlement record.
type ViolationError struct {
	Reason string
}

func (e *ViolationError) Error() string {
	return "protocol violation: " + e.Reason
}

// Sink receives the record of a finished session. *history.Log satisfies it.
type Sink interface {
	Append(history.Record) error
}

// transport is the slice of session.Client the machine depends on.
type transport interface {
	Connect(ctx context.Context, relayURL string, gameID uint64, opponent string) error
	Send(msgType relay.MessageType, payload any)
	On(event string, fn session.Handler) int
	Teardown()
}

// Summary reports how an attempt ended. Err is nil exactly when State is
// StateFinished.
type Summary struct {
	State        State
	Outcome      fairness.Outcome
	Winner       string // participant address, empty on tie
	MyCard       fairness.Card
	OpponentCard fairness.Card
	Err          error
}

// Config parameterizes one Machine.
type Config struct {
	RelayURL  string
	SessionID uint64
	Self      string
	Opponent  string
	// FirstPlayer fixes the player1/player2 ordering in settlement records;
	// it comes from the external matchmaking assignment.
	FirstPlayer bool
	// StateTimeout bounds how long the machine waits for the opponent in
	// Committed and Revealing. Zero means 30 seconds.
	StateTimeout time.Duration
	// CommitDelay is the pause between the local connected signal and the
	// commit transmission. Connected is a liveness signal only, so the
	// delay gives the opponent's client time to join the room; a commit
	// that is dropped anyway is recovered by the deadline. Zero means one
	// second.
	CommitDelay time.Duration
	// PreRevealDelay is the fixed pause between seeing both commitments and
	// sending the reveal, so the reveal cannot arrive before the opponent
	// has stored the paired commitment. Zero means one second.
	PreRevealDelay time.Duration
	// OnTransition, when set, observes every state change.
	OnTransition func(old, new State)
	Log          *slog.Logger
}

type eventKind int

const (
	evConnected eventKind = iota
	evCommit
	evCommitDue
	evReveal
	evRevealDue
	evDeadline
	evPlayAgain
	evQuit
)

type event struct {
	kind      eventKind
	attempt   uint64
	commit    commitMessage
	reveal    revealMessage
	malformed bool
}

// Machine is the per-participant state machine for one session. All state
// transitions happen on a single event goroutine; inbound message handlers
// and timers only enqueue events.
type Machine struct {
	cfg    Config
	client transport
	sink   Sink
	log    *slog.Logger

	events  chan event
	results chan Summary
	stopped chan struct{}
	quit    sync.Once

	mu    sync.Mutex
	state State

	// Everything below is attempt-scoped and touched only by the event
	// goroutine.
	attempt     uint64
	card        fairness.Card
	secret      fairness.Secret
	commitment  fairness.Commitment
	commitSent  bool
	revealSent  bool
	oppCommit   fairness.Commitment
	oppCard     fairness.Card
	oppRevealed bool
	// futureCommit buffers a commit for the next attempt received while the
	// local participant has not chosen to play again yet.
	futureCommit *commitMessage
	// pendingReveal buffers a reveal that arrived before the local commitment
	// was transmitted. It is replayed from sendCommit.
	pendingReveal *revealMessage
	deadline      *time.Timer
}

// NewMachine builds a machine over an existing (not yet connected) session
// client and the record sink that owns the reconciliation log.
func NewMachine(client *session.Client, sink Sink, cfg Config) (*Machine, error) {
	if client == nil {
		return nil, fmt.Errorf("session client is required")
	}
	return newMachine(client, sink, cfg)
}

func newMachine(client transport, sink Sink, cfg Config) (*Machine, error) {
	if client == nil {
		return nil, fmt.Errorf("session client is required")
	}
	if cfg.Self == "" || cfg.Opponent == "" {
		return nil, fmt.Errorf("both participant addresses are required")
	}
	if relay.SameAddress(cfg.Self, cfg.Opponent) {
		return nil, fmt.Errorf("participants must be distinct")
	}
	if cfg.StateTimeout <= 0 {
		cfg.StateTimeout = 30 * time.Second
	}
	if cfg.CommitDelay <= 0 {
		cfg.CommitDelay = time.Second
	}
	if cfg.PreRevealDelay <= 0 {
		cfg.PreRevealDelay = time.Second
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Machine{
		cfg:     cfg,
		client:  client,
		sink:    sink,
		log:     cfg.Log.With("session", cfg.SessionID, "self", cfg.Self),
		events:  make(chan event, 32),
		results: make(chan Summary, 4),
		stopped: make(chan struct{}),
		state:   StateIdle,
		attempt: 1,
	}, nil
}

// Start connects to the session room and runs the protocol until Quit or
// context cancellation. It returns once the connection attempt resolves.
func (m *Machine) Start(ctx context.Context) error {
	m.client.On(session.EventConnected, func(json.RawMessage) {
		m.post(event{kind: evConnected})
	})
	m.client.On(string(relay.TypeCommit), func(payload json.RawMessage) {
		var msg commitMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			m.post(event{kind: evCommit, malformed: true})
			return
		}
		m.post(event{kind: evCommit, attempt: msg.Attempt, commit: msg})
	})
	m.client.On(string(relay.TypeReveal), func(payload json.RawMessage) {
		var msg revealMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			m.post(event{kind: evReveal, malformed: true})
			return
		}
		m.post(event{kind: evReveal, attempt: msg.Attempt, reveal: msg})
	})

	m.setState(StateAwaitingPeer)
	if err := m.client.Connect(ctx, m.cfg.RelayURL, m.cfg.SessionID, m.cfg.Opponent); err != nil {
		m.setState(StateAborted)
		return err
	}

	go m.loop(ctx)
	return nil
}

// Results delivers one Summary per terminal state reached. After a finished
// attempt, PlayAgain starts another; the channel then delivers again.
func (m *Machine) Results() <-chan Summary {
	return m.results
}

// Stopped closes once the machine has shut down for good.
func (m *Machine) Stopped() <-chan struct{} {
	return m.stopped
}

// State reports the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PlayAgain re-enters the protocol with a fresh attempt after a finished
// duel. It is ignored in any other state.
func (m *Machine) PlayAgain() {
	m.post(event{kind: evPlayAgain})
}

// Quit ends the session: the transport is torn down and no further events
// are processed. Safe to call more than once.
func (m *Machine) Quit() {
	m.post(event{kind: evQuit})
}

func (m *Machine) post(ev event) {
	select {
	case <-m.stopped:
		return
	default:
	}
	select {
	case m.events <- ev:
	default:
		m.log.Warn("event queue full, dropping event", "kind", ev.kind)
	}
}

func (m *Machine) loop(ctx context.Context) {
	defer func() {
		m.stopDeadline()
		m.client.Teardown()
		m.quit.Do(func() { close(m.stopped) })
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			if ev.kind == evQuit {
				return
			}
			m.handle(ev)
		}
	}
}

func (m *Machine) handle(ev event) {
	switch ev.kind {
	case evConnected:
		if m.State() != StateAwaitingPeer {
			return
		}
		m.startAttempt()
	case evCommit:
		m.handleCommit(ev)
	case evCommitDue:
		if ev.attempt != m.attempt || m.State() != StateCommitted || m.commitSent {
			return
		}
		m.sendCommit()
	case evReveal:
		m.handleReveal(ev)
	case evRevealDue:
		if ev.attempt != m.attempt || m.State() != StateRevealing {
			return
		}
		m.sendReveal()
	case evDeadline:
		if ev.attempt != m.attempt {
			return
		}
		if s := m.State(); s != StateCommitted && s != StateRevealing {
			return
		}
		m.log.Warn("abandoning stalled session", "state", m.State())
		m.terminate(Summary{State: StateAborted, Err: ErrDeadline})
	case evPlayAgain:
		if m.State() != StateFinished {
			return
		}
		m.attempt++
		m.resetAttempt()
		m.setState(StateIdle)
		m.startAttempt()
		if m.futureCommit != nil && m.futureCommit.Attempt == m.attempt {
			buffered := *m.futureCommit
			m.futureCommit = nil
			m.handleCommit(event{kind: evCommit, attempt: buffered.Attempt, commit: buffered})
		}
	}
}

// startAttempt generates the local draw and schedules the commitment
// transmission. The commitment must be on the wire before any reveal is
// sent or accepted.
func (m *Machine) startAttempt() {
	card, secret, commitment, err := fairness.Generate()
	if err != nil {
		m.terminate(Summary{State: StateAborted, Err: fmt.Errorf("generate draw: %w", err)})
		return
	}
	m.card, m.secret, m.commitment = card, secret, commitment

	m.setState(StateCommitted)
	m.armDeadline()
	attempt := m.attempt
	time.AfterFunc(m.cfg.CommitDelay, func() {
		m.post(event{kind: evCommitDue, attempt: attempt})
	})
}

func (m *Machine) sendCommit() {
	m.client.Send(relay.TypeCommit, commitMessage{
		Attempt:    m.attempt,
		Commitment: hex.EncodeToString(m.commitment),
	})
	m.commitSent = true
	m.log.Debug("commitment transmitted", "attempt", m.attempt)

	if m.oppCommit != nil {
		m.enterRevealing()
	}
	if m.pendingReveal != nil {
		buffered := *m.pendingReveal
		m.pendingReveal = nil
		m.handleReveal(event{kind: evReveal, attempt: buffered.Attempt, reveal: buffered})
	}
}

func (m *Machine) handleCommit(ev event) {
	if ev.malformed {
		m.violation("malformed commit payload")
		return
	}
	if ev.attempt == m.attempt+1 && m.State() == StateFinished {
		// The opponent already chose to play again. Hold the commitment
		// until the local participant does too.
		msg := ev.commit
		m.futureCommit = &msg
		return
	}
	if ev.attempt != m.attempt {
		m.log.Debug("ignoring commit for stale attempt", "got", ev.attempt, "want", m.attempt)
		return
	}
	switch m.State() {
	case StateAwaitingPeer, StateIdle, StateCommitted:
	default:
		return
	}
	if m.oppCommit != nil {
		// Duplicate commit for this attempt; first one wins.
		return
	}
	commitment, err := hex.DecodeString(ev.commit.Commitment)
	if err != nil || len(commitment) != fairness.CommitmentSize {
		m.violation("malformed commitment encoding")
		return
	}
	m.oppCommit = commitment
	m.log.Debug("opponent commitment stored", "attempt", m.attempt)

	if m.State() == StateCommitted && m.commitSent {
		m.enterRevealing()
	}
}

// enterRevealing schedules the reveal after the fixed delay, so the reveal
// cannot race ahead of the opponent processing our commitment.
func (m *Machine) enterRevealing() {
	m.setState(StateRevealing)
	m.armDeadline()
	attempt := m.attempt
	time.AfterFunc(m.cfg.PreRevealDelay, func() {
		m.post(event{kind: evRevealDue, attempt: attempt})
	})
}

func (m *Machine) sendReveal() {
	m.client.Send(relay.TypeReveal, revealMessage{
		Attempt: m.attempt,
		Card:    uint8(m.card),
		Secret:  hex.EncodeToString(m.secret),
	})
	m.revealSent = true
	m.log.Debug("reveal transmitted", "attempt", m.attempt)
	m.finishIfReady()
}

func (m *Machine) handleReveal(ev event) {
	if ev.malformed {
		m.violation("malformed reveal payload")
		return
	}
	if ev.attempt != m.attempt {
		return
	}
	switch m.State() {
	case StateFinished, StateAborted:
		// Terminal for this attempt; a late duplicate is noise.
		return
	default:
	}
	if m.oppCommit == nil {
		m.violation("reveal received before any commitment")
		return
	}
	if !m.commitSent {
		// The local commitment must be on the wire before any reveal is
		// accepted for the attempt. Hold the reveal until then.
		msg := ev.reveal
		m.pendingReveal = &msg
		return
	}
	if m.oppRevealed {
		return
	}
	secret, err := hex.DecodeString(ev.reveal.Secret)
	if err != nil {
		m.violation("malformed reveal encoding")
		return
	}
	card := fairness.Card(ev.reveal.Card)
	// The hard gate: an unverified reveal must never produce an outcome.
	if !fairness.Verify(card, secret, m.oppCommit) {
		m.violation("reveal does not open the stored commitment")
		return
	}
	m.oppCard = card
	m.oppRevealed = true
	m.log.Debug("opponent reveal verified", "attempt", m.attempt)
	m.finishIfReady()
}

func (m *Machine) finishIfReady() {
	if m.State() != StateRevealing || !m.revealSent || !m.oppRevealed {
		return
	}

	outcome := fairness.Resolve(m.card, m.oppCard)
	var winner string
	switch outcome {
	case fairness.SelfWins:
		winner = m.cfg.Self
	case fairness.OpponentWins:
		winner = m.cfg.Opponent
	}

	m.stopDeadline()
	m.setState(StateFinished)
	m.log.Info("duel finished",
		"attempt", m.attempt,
		"myCard", uint8(m.card),
		"opponentCard", uint8(m.oppCard),
		"outcome", outcome.String(),
	)

	playerA, playerB := m.cfg.Self, m.cfg.Opponent
	if !m.cfg.FirstPlayer {
		playerA, playerB = m.cfg.Opponent, m.cfg.Self
	}
	record := history.Record{
		SessionID:    m.cfg.SessionID,
		PlayerA:      playerA,
		PlayerB:      playerB,
		Winner:       winner,
		SelfCard:     uint8(m.card),
		OpponentCard: uint8(m.oppCard),
		CreatedAt:    time.Now().UTC(),
	}
	if m.sink != nil {
		if err := m.sink.Append(record); err != nil {
			m.log.Error("recording finished session failed", "err", err)
		}
	}

	m.report(Summary{
		State:        StateFinished,
		Outcome:      outcome,
		Winner:       winner,
		MyCard:       m.card,
		OpponentCard: m.oppCard,
	})
}

func (m *Machine) violation(reason string) {
	m.log.Warn("protocol violation", "reason", reason)
	m.terminate(Summary{State: StateAborted, Err: &ViolationError{Reason: reason}})
}

// terminate moves to the aborted terminal. No outcome is computed and no
// record is appended.
func (m *Machine) terminate(s Summary) {
	m.stopDeadline()
	m.setState(StateAborted)
	m.report(s)
}

func (m *Machine) report(s Summary) {
	select {
	case m.results <- s:
	default:
		m.log.Warn("result dropped, nobody is listening")
	}
}

func (m *Machine) resetAttempt() {
	m.card, m.secret, m.commitment = 0, nil, nil
	m.commitSent, m.revealSent = false, false
	m.oppCommit, m.oppCard, m.oppRevealed = nil, 0, false
	m.pendingReveal = nil
	m.stopDeadline()
}

func (m *Machine) armDeadline() {
	m.stopDeadline()
	attempt := m.attempt
	m.deadline = time.AfterFunc(m.cfg.StateTimeout, func() {
		m.post(event{kind: evDeadline, attempt: attempt})
	})
}

func (m *Machine) stopDeadline() {
	if m.deadline != nil {
		m.deadline.Stop()
		m.deadline = nil
	}
}

func (m *Machine) setState(next State) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()
	if prev != next && m.cfg.OnTransition != nil {
		m.cfg.OnTransition(prev, next)
	}
}
