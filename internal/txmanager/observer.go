package txmanager

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Observer receives diagnostic callbacks. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	Submitted(from common.Address, res SubmissionResult)
	Attempted(hash common.Hash, attempt int, found bool)
	Finished(hash common.Hash, state State, attempts int, elapsed time.Duration)
}

type NopObserver struct{}

func (NopObserver) Submitted(common.Address, SubmissionResult) {}
func (NopObserver) Attempted(common.Hash, int, bool) {}
func (NopObserver) Finished(common.Hash, State, int, time.Duration) {}
