package reconciler

import (
	"fmt"

	"github.com/imyashkale/mcporchestrator/internal/logger"
)

// MaxRulePriority is the highest priority a listener accepts
const MaxRulePriority = 50000

// priorityBook tracks every priority in use on the listener, managed or not
type priorityBook struct {
	held map[int]string
}

func newPriorityBook() *priorityBook {
	return &priorityBook{held: make(map[int]string)}
}

// reserve records an observed priority
func (b *priorityBook) reserve(priority int, owner string) error {
	if holder, ok := b.held[priority]; ok && holder != owner {
		return &PriorityConflictError{Priority: priority, ServiceID: owner, Holder: holder}
	}
	b.held[priority] = owner
	return nil
}

// allocate hands out the lowest unused priority
func (b *priorityBook) allocate(owner string) (int, error) {
	for p := 1; p <= MaxRulePriority; p++ {
		if _, taken := b.held[p]; taken {
			continue
		}
		if err := b.reserve(p, owner); err != nil {
			logger.ForService(routingComponent, owner).WithField(logger.FieldError, err.Error()).
				Error("Priority allocation produced a conflict")
			return 0, err
		}
		return p, nil
	}
	return 0, fmt.Errorf("listener priority space exhausted (1-%d)", MaxRulePriority)
}
