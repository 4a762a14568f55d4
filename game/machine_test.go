package game

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fairgame-ops/highcard/fairness"
	"github.com/fairgame-ops/highcard/history"
	"github.com/fairgame-ops/highcard/relay"
	"github.com/fairgame-ops/highcard/session"
)

type memorySink struct {
	mu      sync.Mutex
	records []history.Record
}

func (s *memorySink) Append(r history.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *memorySink) all() []history.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]history.Record(nil), s.records...)
}

func newTestRelay(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(relay.NewServer(nil))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(url string, self, opponent string, first bool) Config {
	return Config{
		RelayURL:       url,
		SessionID:      7,
		Self:           self,
		Opponent:       opponent,
		FirstPlayer:    first,
		StateTimeout:   5 * time.Second,
		CommitDelay:    150 * time.Millisecond,
		PreRevealDelay: 50 * time.Millisecond,
	}
}

func startMachine(t *testing.T, cfg Config, sink Sink) *Machine {
	t.Helper()
	m, err := NewMachine(session.New(cfg.Self, nil), sink, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Quit)
	return m
}

func awaitSummary(t *testing.T, m *Machine) Summary {
	t.Helper()
	select {
	case s := <-m.Results():
		return s
	case <-time.After(10 * time.Second):
		t.Fatal("no summary before timeout")
		return Summary{}
	}
}

func TestFullDuel(t *testing.T) {
	url := newTestRelay(t)
	sinkA := &memorySink{}
	sinkB := &memorySink{}

	alice := startMachine(t, testConfig(url, "alice", "bob", true), sinkA)
	bob := startMachine(t, testConfig(url, "bob", "alice", false), sinkB)

	sa := awaitSummary(t, alice)
	sb := awaitSummary(t, bob)

	if sa.State != StateFinished || sb.State != StateFinished {
		t.Fatalf("states %v / %v", sa.State, sb.State)
	}
	if sa.Err != nil || sb.Err != nil {
		t.Fatalf("errors %v / %v", sa.Err, sb.Err)
	}

	// Both sides saw the same two cards and computed the same winner.
	if sa.MyCard != sb.OpponentCard || sa.OpponentCard != sb.MyCard {
		t.Fatalf("card mismatch: alice %v/%v, bob %v/%v", sa.MyCard, sa.OpponentCard, sb.MyCard, sb.OpponentCard)
	}
	if sa.Winner != sb.Winner {
		t.Fatalf("winner disagreement: %q vs %q", sa.Winner, sb.Winner)
	}
	if sa.Outcome == fairness.Tie && sa.Winner != "" {
		t.Fatalf("tie with winner %q", sa.Winner)
	}

	ra, rb := sinkA.all(), sinkB.all()
	if len(ra) != 1 || len(rb) != 1 {
		t.Fatalf("records %d / %d", len(ra), len(rb))
	}
	// Matchmaking made alice player1 on both sides.
	if ra[0].PlayerA != "alice" || rb[0].PlayerA != "alice" {
		t.Fatalf("player ordering %+v / %+v", ra[0], rb[0])
	}
	if ra[0].Winner != rb[0].Winner {
		t.Fatalf("recorded winners differ: %+v / %+v", ra[0], rb[0])
	}
	if ra[0].Settled || rb[0].Settled {
		t.Fatal("fresh records must be unsettled")
	}
}

func TestPlayAgain(t *testing.T) {
	url := newTestRelay(t)
	sinkA := &memorySink{}
	sinkB := &memorySink{}

	alice := startMachine(t, testConfig(url, "alice", "bob", true), sinkA)
	bob := startMachine(t, testConfig(url, "bob", "alice", false), sinkB)

	awaitSummary(t, alice)
	awaitSummary(t, bob)

	alice.PlayAgain()
	bob.PlayAgain()

	sa := awaitSummary(t, alice)
	sb := awaitSummary(t, bob)
	if sa.State != StateFinished || sb.State != StateFinished {
		t.Fatalf("replay states %v / %v", sa.State, sb.State)
	}
	if sa.Winner != sb.Winner {
		t.Fatalf("replay winner disagreement: %q vs %q", sa.Winner, sb.Winner)
	}
	if len(sinkA.all()) != 2 || len(sinkB.all()) != 2 {
		t.Fatalf("records after replay %d / %d", len(sinkA.all()), len(sinkB.all()))
	}
}

// rawPeer drives the protocol by hand to provoke violations.
type rawPeer struct {
	t      *testing.T
	client *session.Client
}

func newRawPeer(t *testing.T, url string, self, opponent string, gameID uint64) *rawPeer {
	t.Helper()
	c := session.New(self, nil)
	if err := c.Connect(context.Background(), url, gameID, opponent); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Teardown)
	return &rawPeer{t: t, client: c}
}

func TestRevealBeforeCommitIsViolation(t *testing.T) {
	url := newTestRelay(t)
	sink := &memorySink{}
	alice := startMachine(t, testConfig(url, "alice", "bob", true), sink)

	peer := newRawPeer(t, url, "bob", "alice", 7)
	time.Sleep(50 * time.Millisecond)
	peer.client.Send(relay.TypeReveal, revealMessage{
		Attempt: 1,
		Card:    3,
		Secret:  strings.Repeat("ab", fairness.SecretSize),
	})

	s := awaitSummary(t, alice)
	if s.State != StateAborted {
		t.Fatalf("state %v", s.State)
	}
	var violation *ViolationError
	if !errors.As(s.Err, &violation) {
		t.Fatalf("err %v", s.Err)
	}
	if len(sink.all()) != 0 {
		t.Fatal("violation must not produce a settlement record")
	}
}

func TestUnverifiedRevealIsViolation(t *testing.T) {
	url := newTestRelay(t)
	sink := &memorySink{}
	alice := startMachine(t, testConfig(url, "alice", "bob", true), sink)

	peer := newRawPeer(t, url, "bob", "alice", 7)
	time.Sleep(50 * time.Millisecond)

	card, secret, commitment, err := fairness.Generate()
	if err != nil {
		t.Fatal(err)
	}
	peer.client.Send(relay.TypeCommit, commitMessage{
		Attempt:    1,
		Commitment: hex.EncodeToString(commitment),
	})
	// Wait for alice to commit and enter revealing, then open with a secret
	// that does not match the commitment.
	time.Sleep(400 * time.Millisecond)
	forged := make(fairness.Secret, fairness.SecretSize)
	copy(forged, secret)
	forged[0] ^= 0x01
	peer.client.Send(relay.TypeReveal, revealMessage{
		Attempt: 1,
		Card:    uint8(card),
		Secret:  hex.EncodeToString(forged),
	})

	s := awaitSummary(t, alice)
	if s.State != StateAborted {
		t.Fatalf("state %v", s.State)
	}
	var violation *ViolationError
	if !errors.As(s.Err, &violation) {
		t.Fatalf("err %v", s.Err)
	}
	if len(sink.all()) != 0 {
		t.Fatal("unverified reveal must not produce a settlement record")
	}
}

// recordingTransport satisfies the machine's transport without a relay, so a
// test can drive events by hand and observe the wire order.
type recordingTransport struct {
	mu   sync.Mutex
	sent []relay.MessageType
}

func (r *recordingTransport) Connect(context.Context, string, uint64, string) error { return nil }

func (r *recordingTransport) Send(msgType relay.MessageType, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msgType)
}

func (r *recordingTransport) On(string, session.Handler) int { return 0 }

func (r *recordingTransport) Teardown() {}

func TestEarlyRevealWaitsForOwnCommit(t *testing.T) {
	wire := &recordingTransport{}
	cfg := testConfig("", "alice", "bob", true)
	cfg.CommitDelay = time.Hour
	cfg.PreRevealDelay = time.Hour
	m, err := newMachine(wire, &memorySink{}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	m.setState(StateAwaitingPeer)
	m.handle(event{kind: evConnected})

	// The opponent commits and opens honestly before our own commitment is
	// on the wire.
	card, secret, commitment, err := fairness.Generate()
	if err != nil {
		t.Fatal(err)
	}
	m.handle(event{kind: evCommit, attempt: 1, commit: commitMessage{
		Attempt:    1,
		Commitment: hex.EncodeToString(commitment),
	}})
	m.handle(event{kind: evReveal, attempt: 1, reveal: revealMessage{
		Attempt: 1,
		Card:    uint8(card),
		Secret:  hex.EncodeToString(secret),
	}})

	if m.oppRevealed {
		t.Fatal("reveal accepted before the local commitment was transmitted")
	}
	if m.State() == StateAborted {
		t.Fatal("honest early reveal must wait, not abort")
	}

	m.handle(event{kind: evCommitDue, attempt: 1})
	if !m.commitSent {
		t.Fatal("commitment was not transmitted")
	}
	if !m.oppRevealed {
		t.Fatal("held reveal was not replayed after the commitment went out")
	}
	m.handle(event{kind: evRevealDue, attempt: 1})
	if m.State() != StateFinished {
		t.Fatalf("state %v", m.State())
	}
	if got := wire.sent; len(got) != 2 || got[0] != relay.TypeCommit || got[1] != relay.TypeReveal {
		t.Fatalf("wire order %v", got)
	}
}

func TestSilentOpponentTimesOut(t *testing.T) {
	url := newTestRelay(t)
	sink := &memorySink{}
	cfg := testConfig(url, "alice", "bob", true)
	cfg.StateTimeout = 300 * time.Millisecond
	cfg.CommitDelay = 50 * time.Millisecond
	alice := startMachine(t, cfg, sink)

	s := awaitSummary(t, alice)
	if s.State != StateAborted {
		t.Fatalf("state %v", s.State)
	}
	if !errors.Is(s.Err, ErrDeadline) {
		t.Fatalf("err %v", s.Err)
	}
	if len(sink.all()) != 0 {
		t.Fatal("abandoned session must not produce a settlement record")
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := NewMachine(nil, nil, Config{Self: "a", Opponent: "b"}); err == nil {
		t.Fatal("nil client accepted")
	}
	if _, err := NewMachine(session.New("a", nil), nil, Config{Self: "a", Opponent: "A"}); err == nil {
		t.Fatal("identical participants accepted")
	}
	if _, err := NewMachine(session.New("a", nil), nil, Config{Self: "a"}); err == nil {
		t.Fatal("missing opponent accepted")
	}
}

func TestStateTransitionsObserved(t *testing.T) {
	url := newTestRelay(t)
	var mu sync.Mutex
	var seen []State
	cfg := testConfig(url, "alice", "bob", true)
	cfg.OnTransition = func(_, next State) {
		mu.Lock()
		seen = append(seen, next)
		mu.Unlock()
	}
	alice := startMachine(t, cfg, &memorySink{})
	_ = startMachine(t, testConfig(url, "bob", "alice", false), &memorySink{})

	awaitSummary(t, alice)

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateAwaitingPeer, StateCommitted, StateRevealing, StateFinished}
	if len(seen) < len(want) {
		t.Fatalf("transitions %v", seen)
	}
	for i, s := range want {
		if seen[i] != s {
			t.Fatalf("transitions %v, want prefix %v", seen, want)
		}
	}
}
