package queue

import (
	"encoding/hex"
	"fmt"
	"sort"

	"meshlink/internal/crypto"
)

const digestLabel = "meshlink:qdigest:v1"

// Digest returns the canonical state hash used to open a reconciliation
// round: SHA3 over sorted live id+content-fingerprint pairs followed by
// sorted tombstone ids. Cached for the digest TTL, invalidated on mutation.
func (q *Queue) Digest() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clk.Now()
	if q.digestOK && now.Sub(q.digestAt) < q.digestTTL {
		return q.digestValue
	}
	q.digestValue = q.computeDigestLocked()
	q.digestAt = now
	q.digestOK = true
	return q.digestValue
}

func (q *Queue) computeDigestLocked() string {
	type entry struct {
		id, fp string
	}
	live := make([]entry, 0, len(q.msgs))
	for id, m := range q.msgs {
		if m.Status.terminal() {
			continue
		}
		live = append(live, entry{
			id: hex.EncodeToString(id[:]),
			fp: hex.EncodeToString(crypto.SHA3_256(m.Envelope)),
		})
	}
	sort.Slice(live, func(i, j int) bool { return live[i].id < live[j].id })

	tombs := make([]string, 0, len(q.tombstones))
	for id := range q.tombstones {
		tombs = append(tombs, hex.EncodeToString(id[:]))
	}
	sort.Strings(tombs)

	h := []byte(digestLabel)
	for _, e := range live {
		h = append(h, e.id...)
		h = append(h, e.fp...)
	}
	h = append(h, '|')
	for _, t := range tombs {
		h = append(h, t...)
	}
	return hex.EncodeToString(crypto.SHA3_256(h))
}

func (q *Queue) invalidateDigestLocked() {
	q.digestOK = false
}

// SyncState returns the sorted live and tombstone id sets for a sync_ids
// exchange after a digest mismatch.
func (q *Queue) SyncState() (live, tombstones []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, m := range q.msgs {
		if m.Status.terminal() {
			continue
		}
		live = append(live, hex.EncodeToString(id[:]))
	}
	for id := range q.tombstones {
		tombstones = append(tombstones, hex.EncodeToString(id[:]))
	}
	sort.Strings(live)
	sort.Strings(tombstones)
	return live, tombstones
}

// ApplyRemoteState ingests a counterpart's id sets. Remote tombstones are
// adopted locally (deletes propagate, deleted ids are never resurrected)
// and the returned want set lists ids the counterpart holds that we are
// missing and have not tombstoned. A non-nil error means at least one
// adopted tombstone could not be made durable; the in-memory state still
// reflects the adoption.
func (q *Queue) ApplyRemoteState(remoteLive, remoteTombstones []string) (want []string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, s := range remoteTombstones {
		id, derr := decodeID16(s)
		if derr != nil {
			continue
		}
		if _, dead := q.tombstones[id]; dead {
			continue
		}
		delete(q.msgs, id)
		q.tombstones[id] = q.clk.Now()
		q.tombOrder = append(q.tombOrder, id)
		q.evictTombstonesLocked()
		q.invalidateDigestLocked()
		if q.ledger != nil {
			if aerr := q.ledger.AppendTombstone(id); aerr != nil && err == nil {
				err = fmt.Errorf("persist tombstone: %w", aerr)
			}
		}
	}
	for _, s := range remoteLive {
		id, derr := decodeID16(s)
		if derr != nil {
			continue
		}
		if _, dead := q.tombstones[id]; dead {
			continue
		}
		if _, have := q.msgs[id]; have {
			continue
		}
		want = append(want, s)
	}
	sort.Strings(want)
	return want, err
}

// Envelopes returns the wire envelopes for the requested ids, skipping ids
// we no longer hold. Feeds a sync_push response.
func (q *Queue) Envelopes(ids []string) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, 0, len(ids))
	for _, s := range ids {
		id, err := decodeID16(s)
		if err != nil {
			continue
		}
		m, ok := q.msgs[id]
		if !ok || m.Status.terminal() {
			continue
		}
		out = append(out, append([]byte(nil), m.Envelope...))
	}
	return out
}
