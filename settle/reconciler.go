package settle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/fairgame-ops/highcard/history"
	"github.com/fairgame-ops/highcard/relay"
)

// Submitter delivers a settlement batch to the external ledger. The ledger
// treats a batch as atomic: either the whole batch is accepted or the call
// errors and nothing may be marked settled.
type Submitter interface {
	Submit(ctx context.Context, batch []Entry) error
}

// Store is the slice of the reconciliation log the reconciler needs.
// *history.Log satisfies it.
type Store interface {
	Pending() ([]history.Record, error)
	MarkSettled(seqs ...uint64) error
}

// Reconciler drains the pending reconciliation queue into the ledger.
type Reconciler struct {
	store Store
	sub   Submitter
	self  string
	key   *KeyPair
	log   *slog.Logger
}

// NewReconciler builds a reconciler for the given participant. The key is
// optional; without it entries are submitted without a local proof.
func NewReconciler(store Store, sub Submitter, self string, key *KeyPair, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{store: store, sub: sub, self: self, key: key, log: log}
}

// Run submits every pending record as one batch and, on confirmed success,
// marks the covered sessions settled. It returns the number of entries
// submitted. With nothing pending it is a no-op and never calls the ledger.
// On submission failure nothing is marked, so the next run re-presents the
// same records; idempotent acceptance is the ledger's contract.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	pending, err := r.store.Pending()
	if err != nil {
		return 0, fmt.Errorf("read pending records: %w", err)
	}
	batch := BuildBatch(pending)
	if len(batch) == 0 {
		return 0, nil
	}

	if r.key != nil {
		for i := range batch {
			proof, err := Attest(*r.key, batch[i])
			if err != nil {
				return 0, err
			}
			if relay.SameAddress(batch[i].Player1, r.self) {
				batch[i].Proof1 = proof
			} else {
				batch[i].Proof2 = proof
			}
		}
	}

	if err := r.sub.Submit(ctx, batch); err != nil {
		return 0, fmt.Errorf("submit batch of %d: %w", len(batch), err)
	}

	// Mark exactly the entries that were in the batch. A replay of the same
	// session recorded after Pending keeps its own pending entry.
	seqs := make([]uint64, 0, len(batch))
	for _, e := range batch {
		seqs = append(seqs, e.Seq)
	}
	if err := r.store.MarkSettled(seqs...); err != nil {
		return len(batch), fmt.Errorf("mark settled: %w", err)
	}
	r.log.Info("settlement batch confirmed", "entries", len(batch))
	return len(batch), nil
}

// HTTPSubmitter posts settlement batches as JSON to a ledger gateway.
type HTTPSubmitter struct {
	URL    string
	Client *http.Client
}

type submitRequest struct {
	Results []Entry `json:"results"`
}

// Submit posts the batch and treats any non-2xx status as failure.
func (s *HTTPSubmitter) Submit(ctx context.Context, batch []Entry) error {
	body, err := json.Marshal(submitRequest{Results: batch})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ledger rejected batch: %s", resp.Status)
	}
	return nil
}
