package txnlog

import (
	"encoding/json"
	"fmt"
	"time"

	"pkt.systems/txnd/internal/participant"
	"pkt.systems/txnd/internal/txn"
)

// Kind names a record type.
type Kind string

const (
	KindPrepare          Kind = "prepare"
	KindPrepareAndCommit Kind = "prepare_and_commit"
	KindCommit           Kind = "commit"
	KindAbort            Kind = "abort"
	// KindParticipant records a join (vote ACTIVE) or a single vote.
	KindParticipant Kind = "participant"
)

// Entry is the durable form of a participant handle.
type Entry struct {
	Ref        participant.Ref `json:"ref"`
	CrashCount int64           `json:"crash_count"`
	Vote       txn.Vote        `json:"vote"`
}

// Record is an immutable snapshot of one state-changing event.
type Record struct {
	Kind         Kind      `json:"kind"`
	TxnID        txn.ID    `json:"txn_id"`
	Participants []Entry   `json:"participants,omitempty"`
	Written      time.Time `json:"written"`
}

func entries(handles []*participant.Handle) []Entry {
	out := make([]Entry, len(handles))
	for i, h := range handles {
		out[i] = entryOf(h, h.Vote())
	}
	return out
}

func entryOf(h *participant.Handle, v txn.Vote) Entry {
	return Entry{Ref: h.Ref(), CrashCount: h.CrashCount(), Vote: v}
}

// PrepareRecord marks the start of a prepare round over handles.
func PrepareRecord(id txn.ID, handles []*participant.Handle) Record {
	return Record{Kind: KindPrepare, TxnID: id, Participants: entries(handles)}
}

// PrepareAndCommitRecord marks the start of the single-participant round.
func PrepareAndCommitRecord(id txn.ID, h *participant.Handle) Record {
	return Record{Kind: KindPrepareAndCommit, TxnID: id, Participants: []Entry{entryOf(h, h.Vote())}}
}

// CommitRecord marks the commit decision.
func CommitRecord(id txn.ID, handles []*participant.Handle) Record {
	return Record{Kind: KindCommit, TxnID: id, Participants: entries(handles)}
}

// AbortRecord marks the abort decision.
func AbortRecord(id txn.ID, handles []*participant.Handle) Record {
	return Record{Kind: KindAbort, TxnID: id, Participants: entries(handles)}
}

// ParticipantRecord records h with vote v. VoteActive records a join.
func ParticipantRecord(id txn.ID, h *participant.Handle, v txn.Vote) Record {
	return Record{Kind: KindParticipant, TxnID: id, Participants: []Entry{entryOf(h, v)}}
}

// Target is what a record replays into.
type Target interface {
	// RestoreParticipant adds the participant unless it is already present.
	RestoreParticipant(ref participant.Ref, crashCount int64) *participant.Handle
	// RestoreState sets the manager state. Setting the current state is a
	// no-op.
	RestoreState(state txn.State) error
}

// Apply replays r into t. Replaying the same record twice is a no-op.
func (r Record) Apply(t Target) error {
	switch r.Kind {
	case KindPrepare, KindPrepareAndCommit:
		r.restoreAll(t, false)
		return t.RestoreState(txn.Voting)
	case KindCommit:
		r.restoreAll(t, false)
		return t.RestoreState(txn.Committed)
	case KindAbort:
		r.restoreAll(t, false)
		return t.RestoreState(txn.Aborted)
	case KindParticipant:
		if len(r.Participants) != 1 {
			return fmt.Errorf("txnlog: participant record for %s carries %d entries", r.TxnID, len(r.Participants))
		}
		r.restoreAll(t, true)
		if r.Participants[0].Vote == txn.VoteAborted {
			return t.RestoreState(txn.Aborted)
		}
		return nil
	default:
		return fmt.Errorf("txnlog: unknown record kind %q", r.Kind)
	}
}

// restoreAll adds every carried participant. Votes are applied only for
// participant records; phase records snapshot votes for inspection.
func (r Record) restoreAll(t Target, withVote bool) {
	for _, e := range r.Participants {
		h := t.RestoreParticipant(e.Ref, e.CrashCount)
		if withVote && h != nil && e.Vote != txn.VoteActive {
			h.SetVote(e.Vote)
		}
	}
}

// Marshal encodes r as a single JSON document.
func (r Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal decodes a record produced by Marshal.
func Unmarshal(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("txnlog: decode record: %w", err)
	}
	if r.TxnID == 0 {
		return Record{}, fmt.Errorf("txnlog: decode record: missing txn id")
	}
	return r, nil
}
