package commitment

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"time"

	"github.com/iov-one/atomicswap"
	"github.com/iov-one/atomicswap/errors"
)

// GenerateSecret draws a fresh swap secret from the operating system's
// secure random source. It fails with ErrEntropy when the source is
// unavailable or produced detectably degenerate output.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, atomicswap.SecretLength)
	if _, err := rand.Read(secret); err != nil {
		return nil, errors.Wrapf(errors.ErrEntropy, "random source: %s", err)
	}
	if allZero(secret) {
		// An all-zero read is a practically impossible outcome of a
		// healthy random source. Treat it as a broken setup rather
		// than hand out a guessable secret.
		return nil, errors.Wrap(errors.ErrEntropy, "degenerate output")
	}
	return secret, nil
}

func allZero(b []byte) bool {
	var acc byte
	for _, c := range b {
		acc |= c
	}
	return acc == 0
}

// Commit derives the public commitment of given secret. The function is
// deterministic and pure: the same secret always yields the same commitment.
//
// sha256 is used because every ledger we bridge can compute it natively in
// its scripting environment, so the very same commitment locks value on all
// of them.
func Commit(secret []byte) []byte {
	hash := sha256.Sum256(secret)
	return hash[:]
}

// Verify returns true iff the secret is the preimage of the commitment. The
// comparison is constant-time so that repeated probing cannot leak partial
// match information.
func Verify(secret, commitment []byte) bool {
	if len(secret) != atomicswap.SecretLength || len(commitment) != atomicswap.CommitmentLength {
		return false
	}
	return subtle.ConstantTimeCompare(Commit(secret), commitment) == 1
}

// SafeDestinationTimelock computes the absolute destination timelock for
// given destination ledger clock and duration, and verifies the atomicity
// invariant
//
//   destDuration + safetyMargin <= sourceTimelock - sourceNow
//
// The two ledger clocks are independent, so each deadline is only ever
// compared against its own clock; the invariant is checked on the remaining
// durations, never across clocks. The margin is the time budget the
// orchestrator has to relay a secret revealed on the destination ledger back
// to the source lock. When the invariant cannot be satisfied the swap must
// be aborted instead of creating an unsafe lock; this function then returns
// ErrInvalidState.
func SafeDestinationTimelock(sourceTimelock, sourceNow, destNow atomicswap.UnixTime, destDuration, safetyMargin time.Duration) (atomicswap.UnixTime, error) {
	if destDuration <= 0 {
		return 0, errors.Wrap(errors.ErrInvalidInput, "destination duration must be positive")
	}
	if safetyMargin < 0 {
		return 0, errors.Wrap(errors.ErrInvalidInput, "negative safety margin")
	}
	if sourceTimelock <= sourceNow {
		return 0, errors.Wrap(errors.ErrInvalidState, "source lock already expired")
	}
	headroom := time.Duration(sourceTimelock-sourceNow) * time.Second
	if destDuration+safetyMargin > headroom {
		return 0, errors.Wrapf(errors.ErrInvalidState,
			"source timelock leaves %s, destination needs %s plus %s margin",
			headroom, destDuration, safetyMargin)
	}
	return destNow.Add(destDuration), nil
}
