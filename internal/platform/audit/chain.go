package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const genesis = "GENESIS"

func ComputeHash(prev string, e Event) string {
	h := sha256.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte("|" + e.AuditID))
	_, _ = h.Write([]byte("|" + e.RecordedAt.UTC().Format("2006-01-02T15:04:05.999999999Z")))
	_, _ = h.Write([]byte("|" + e.ActorID + "|" + e.ActorRole + "|" + e.Action + "|" + string(e.Result)))
	_, _ = h.Write([]byte("|" + e.ObjectType + "|" + e.ObjectID + "|" + e.Reason))
	_, _ = h.Write([]byte(fmt.Sprintf("|%x|%x", e.Before, e.After)))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify walks events oldest first and checks every link of the chain.
func Verify(events []Event) error {
	prev := genesis
	for i, e := range events {
		if e.HashPrev != prev {
			return fmt.Errorf("%w: event %d (%s) links to %s, want %s", ErrCorruptChain, i, e.AuditID, e.HashPrev, prev)
		}
		if ComputeHash(prev, e) != e.HashCurr {
			return fmt.Errorf("%w: event %d (%s) hash mismatch", ErrCorruptChain, i, e.AuditID)
		}
		prev = e.HashCurr
	}
	return nil
}
