package cryptoutils

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"github.com/ruteri/tee-solver-registry/interfaces"
)

// RTMR3 is the runtime measurement register dstack extends with application events.
const RTMR3 = 3

// ComposeHashEvent is the event name of the compose document measurement.
const ComposeHashEvent = "compose-hash"

// dstackEventTag prefixes every dstack runtime event digest.
var dstackEventTag = []byte{0x01, 0x00, 0x00, 0x08}

// ReplayRTMR folds the digests of events extended into imr, in log order,
// starting from the zero register: acc = SHA384(acc || digest).
// A log with no matching events replays to the zero digest.
func ReplayRTMR(eventLog []interfaces.EventLogEntry, imr uint32) ([sha512.Size384]byte, error) {
	var acc [sha512.Size384]byte
	for i, event := range eventLog {
		if event.IMR != imr {
			continue
		}

		digest, err := hex.DecodeString(event.Digest)
		if err != nil {
			return [sha512.Size384]byte{}, fmt.Errorf("%w: event %d digest: %v", interfaces.ErrMalformedInput, i, err)
		}

		h := sha512.New384()
		h.Write(acc[:])
		h.Write(digest)
		copy(acc[:], h.Sum(nil))
	}
	return acc, nil
}

// RuntimeEventDigest computes the digest dstack records for a named runtime event:
// SHA384(tag || ":" || name || ":" || payload).
func RuntimeEventDigest(name string, payload []byte) [sha512.Size384]byte {
	h := sha512.New384()
	h.Write(dstackEventTag)
	h.Write([]byte(":"))
	h.Write([]byte(name))
	h.Write([]byte(":"))
	h.Write(payload)

	var digest [sha512.Size384]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

// ComposeHashEventDigest derives, from the raw app compose document alone,
// the digest of the compose-hash event the guest extends into RTMR3.
func ComposeHashEventDigest(appCompose string) [sha512.Size384]byte {
	composeSum := sha256.Sum256([]byte(appCompose))
	return RuntimeEventDigest(ComposeHashEvent, composeSum[:])
}

// FindEvent returns the first event with the given name, in log order.
func FindEvent(eventLog []interfaces.EventLogEntry, name string) (interfaces.EventLogEntry, bool) {
	for _, event := range eventLog {
		if event.Event == name {
			return event, true
		}
	}
	return interfaces.EventLogEntry{}, false
}

// HasEventWithDigest reports whether some event with the given name, measured into imr,
// carries digest. Events of other registers never match.
// Digests are compared as decoded bytes so hex case does not matter.
func HasEventWithDigest(eventLog []interfaces.EventLogEntry, imr uint32, name string, digest []byte) bool {
	for _, event := range eventLog {
		if event.IMR != imr || event.Event != name {
			continue
		}
		recorded, err := hex.DecodeString(event.Digest)
		if err != nil {
			continue
		}
		if string(recorded) == string(digest) {
			return true
		}
	}
	return false
}
