package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Fold replays commits in chain order and returns the resulting snapshot.
// The first commit must be a genesis; every following commit must name
// its immediate predecessor as prev and the genesis as id. Fold does no
// I/O and is deterministic: the same commits always give the same
// document.
func Fold(commits []Commit) (*Snapshot, error) {
	if len(commits) == 0 {
		return nil, &ReadFailed{Reason: "empty commit list"}
	}

	var (
		doc        []byte
		genesisCID string
		linked     = make([]Commit, len(commits))
	)
	for i, c := range commits {
		if c.CID == "" {
			return nil, &ReadFailed{Reason: fmt.Sprintf("commit %d has no cid", i)}
		}
		if c.Envelope == nil || len(c.Envelope.Payload) == 0 {
			return nil, &ReadFailed{Reason: fmt.Sprintf("commit %s has no payload", c.CID)}
		}

		if i == 0 {
			data, err := genesisData(c)
			if err != nil {
				return nil, err
			}
			doc, genesisCID = data, c.CID
			c.PreviousCID = ""
			linked[i] = c
			continue
		}

		var u updatePayload
		if err := json.Unmarshal(c.Envelope.Payload, &u); err != nil {
			return nil, &ReadFailed{Reason: fmt.Sprintf("commit %s: malformed payload", c.CID), Err: err}
		}
		if c.PreviousCID != "" && c.PreviousCID != u.Prev {
			return nil, &ReadFailed{Reason: fmt.Sprintf("commit %s: listed predecessor %q disagrees with signed prev %q", c.CID, c.PreviousCID, u.Prev)}
		}
		if u.Prev != commits[i-1].CID {
			return nil, &ReadFailed{Reason: fmt.Sprintf("commit %s: prev %q does not match predecessor %q", c.CID, u.Prev, commits[i-1].CID)}
		}
		if u.ID != genesisCID {
			return nil, &ReadFailed{Reason: fmt.Sprintf("commit %s: belongs to stream %q, not %q", c.CID, u.ID, genesisCID)}
		}
		next, err := applyPatch(doc, u.Data)
		if err != nil {
			return nil, &ReadFailed{Reason: fmt.Sprintf("commit %s", c.CID), Err: err}
		}
		doc = next
		c.PreviousCID = u.Prev
		linked[i] = c
	}

	var out Document
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, &ReadFailed{Reason: "folded document is not an object", Err: err}
	}
	return &Snapshot{
		Document:   out,
		GenesisCID: genesisCID,
		TipCID:     commits[len(commits)-1].CID,
		Commits:    linked,
	}, nil
}

func genesisData(c Commit) ([]byte, error) {
	if c.PreviousCID != "" {
		return nil, &ReadFailed{Reason: fmt.Sprintf("genesis %s has a predecessor", c.CID)}
	}
	var g struct {
		genesisPayload
		Prev string `json:"prev"`
	}
	if err := json.Unmarshal(c.Envelope.Payload, &g); err != nil {
		return nil, &ReadFailed{Reason: fmt.Sprintf("genesis %s: malformed payload", c.CID), Err: err}
	}
	if g.Prev != "" {
		return nil, &ReadFailed{Reason: fmt.Sprintf("genesis %s has a predecessor", c.CID)}
	}
	data := bytes.TrimSpace(g.Data)
	if len(data) == 0 || data[0] != '{' {
		return nil, &ReadFailed{Reason: fmt.Sprintf("genesis %s: data is not an object", c.CID)}
	}
	return data, nil
}
