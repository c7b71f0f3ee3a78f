package avauth

import (
	"time"

	"github.com/sipmesh/scscf/pkg/hss"
)

// ChallengeType distinguishes Digest from AKA challenges.
type ChallengeType int

const (
	ChallengeDigest ChallengeType = iota
	ChallengeAKA
)

// InitialNonceCount is the nonce_count value a freshly-issued challenge
// starts at.
const InitialNonceCount = 1

// ChallengeState is the per-challenge state machine :
// Issued -> Consumed -> Expired, or Issued -> Expired (timeout).
type ChallengeState int

const (
	StateIssued ChallengeState = iota
	StateConsumed
	StateExpired
)

// Challenge is the AuthChallenge record.
type Challenge struct {
	Type   ChallengeType
	IMPI   string
	Nonce  string
	Vector hss.AuthVector

	NonceCount        int
	CorrelationToken  string
	ScscfURI          string
	ExpiresAt         time.Time
	State             ChallengeState
}

// Expired reports whether now is past ExpiresAt.
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
