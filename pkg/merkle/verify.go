package merkle

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/caracal-sh/caracal/pkg/canonicalize"
	"github.com/caracal-sh/caracal/pkg/contracts"
	"github.com/caracal-sh/caracal/pkg/crypto"
)

var (
	ErrRootMismatch    = errors.New("merkle: recomputed root does not match sealed root")
	ErrBadBatchSig     = errors.New("merkle: batch signature invalid")
	ErrRangeGap        = errors.New("merkle: events do not cover the batch range")
	ErrContentMismatch = errors.New("merkle: event content does not match its recorded hash")
)

// VerifyBatch recomputes the root over the events claimed by the batch and
// checks it against the stored root and signature. events must be exactly the
// batch's id range in order. Each leaf is rederived from the event payload,
// never taken from the stored content hash, so a rewritten column fails here
// even when the stored hash was left untouched.
func VerifyBatch(events []contracts.LedgerEvent, b *contracts.MerkleBatch, pub *ecdsa.PublicKey) error {
	want := b.LastEventID - b.FirstEventID + 1
	if int64(len(events)) != want {
		return fmt.Errorf("%w: have %d events, batch covers %d", ErrRangeGap, len(events), want)
	}
	leaves := make([][]byte, len(events))
	for i := range events {
		if events[i].ID != b.FirstEventID+int64(i) {
			return fmt.Errorf("%w: event id %d at position %d", ErrRangeGap, events[i].ID, i)
		}
		sum, err := canonicalize.Hash(events[i].CanonicalMap())
		if err != nil {
			return fmt.Errorf("event %d content hash: %w", events[i].ID, err)
		}
		if !bytes.Equal(sum, events[i].ContentHash) {
			return fmt.Errorf("%w: event %d", ErrContentMismatch, events[i].ID)
		}
		leaves[i] = sum
	}
	tree, err := Build(leaves)
	if err != nil {
		return err
	}
	if !bytes.Equal(tree.Root(), b.RootHash) {
		return fmt.Errorf("%w: batch %d [%d,%d]", ErrRootMismatch, b.BatchID, b.FirstEventID, b.LastEventID)
	}
	payload := SigningPayload(b.Partition, b.FirstEventID, b.LastEventID, b.RootHash)
	if !crypto.Verify(pub, payload, b.Signature) {
		return fmt.Errorf("%w: batch %d", ErrBadBatchSig, b.BatchID)
	}
	return nil
}
