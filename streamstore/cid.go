package streamstore

import (
	"encoding/json"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/hazyhaar/streamreg/stream"
)

// CommitCID returns the CIDv1 (dag-json, sha2-256) of an envelope in its
// compact JSON encoding, along with those bytes.
func CommitCID(env *stream.Envelope) (string, []byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", nil, fmt.Errorf("streamstore: encode envelope: %w", err)
	}
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", nil, fmt.Errorf("streamstore: hash envelope: %w", err)
	}
	return cid.NewCidV1(cid.DagJSON, mh).String(), data, nil
}

// validCID reports whether s parses as a CID.
func validCID(s string) bool {
	_, err := cid.Decode(s)
	return err == nil
}
