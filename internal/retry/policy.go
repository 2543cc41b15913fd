// Package retry implements the retry/rerouter policy table: given a
// broker's rejection of a produced batch, decide whether to hold the
// message for a metadata refresh, retry it after a backoff, or discard
// it outright, classifying unrecognized error codes via
// github.com/twmb/franz-go/pkg/kerr's generated retriability table rather
// than hand-maintaining one.
package retry

import (
	"math"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"

	"github.com/dory-project/dory/internal/discard"
)

// Disposition is the action the router/dispatcher should take for one
// rejected message.
type Disposition int

const (
	// DispositionRefreshAndHold means: trigger a metadata refresh and hold
	// the message for rerouting once the refresh completes (leadership is
	// in flux, not necessarily broken).
	DispositionRefreshAndHold Disposition = iota
	// DispositionRetryWithBackoff means: re-enqueue the message for another
	// send attempt after a backoff delay.
	DispositionRetryWithBackoff
	// DispositionDiscardImmediate means: the error is permanent for this
	// message regardless of remaining attempts (e.g. the message itself is
	// malformed or oversized).
	DispositionDiscardImmediate
	// DispositionDiscardMaxAttempts means: the message would otherwise be
	// retried, but it has already exhausted its attempt budget.
	DispositionDiscardMaxAttempts
)

func (d Disposition) String() string {
	switch d {
	case DispositionRefreshAndHold:
		return "RefreshAndHold"
	case DispositionRetryWithBackoff:
		return "RetryWithBackoff"
	case DispositionDiscardImmediate:
		return "DiscardImmediate"
	case DispositionDiscardMaxAttempts:
		return "DiscardMaxAttempts"
	default:
		return "Unknown"
	}
}

// Legacy Kafka protocol error codes this policy treats specially. The
// rest are delegated to kerr's Retriable classification.
const (
	codeCorruptMessage           int16 = 2
	codeLeaderNotAvailable       int16 = 5
	codeNotLeaderForPartition    int16 = 6
	codeMessageSizeTooLarge      int16 = 10
)

// Classify decides the Disposition and resulting discard.Reason for a
// message whose send attempt came back with a non-zero broker error code.
// attemptCount is the number of attempts already made (not counting this
// one); maxAttempts is the configured ceiling from msgDelivery.maxAttempts.
func Classify(code int16, attemptCount, maxAttempts int) (Disposition, discard.Reason) {
	switch code {
	case codeNotLeaderForPartition, codeLeaderNotAvailable:
		return DispositionRefreshAndHold, discard.Reason{Kind: discard.NoLeader, BrokerErrCode: code}
	case codeCorruptMessage:
		return DispositionDiscardImmediate, discard.Reason{Kind: discard.CorruptMessage, BrokerErrCode: code}
	case codeMessageSizeTooLarge:
		return DispositionDiscardImmediate, discard.Reason{Kind: discard.TooLarge, BrokerErrCode: code}
	}

	if maxAttempts > 0 && attemptCount+1 >= maxAttempts {
		return DispositionDiscardMaxAttempts, discard.Reason{Kind: discard.BrokerRejected, BrokerErrCode: code}
	}

	if kerrErr := kerr.ErrorForCode(code); kerrErr != nil && kerrErr.Retriable {
		return DispositionRetryWithBackoff, discard.Reason{Kind: discard.BrokerRejected, BrokerErrCode: code}
	}
	return DispositionDiscardImmediate, discard.Reason{Kind: discard.BrokerRejected, BrokerErrCode: code}
}

// BackoffDelay computes the per-message retry delay for attemptCount
// (0-indexed) using capped exponential growth; unlike the metadata
// fetcher's open-ended backoff, a single message's retries are bounded by
// maxAttempts so this never needs jitter or a "give up" signal of its own.
func BackoffDelay(attemptCount int, baseMs, maxMs int64) time.Duration {
	if baseMs <= 0 {
		baseMs = 100
	}
	delay := float64(baseMs) * math.Pow(2, float64(attemptCount))
	if maxMs > 0 && delay > float64(maxMs) {
		delay = float64(maxMs)
	}
	return time.Duration(delay) * time.Millisecond
}
