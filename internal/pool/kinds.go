package pool

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"kworker/internal/worker"
)

var ErrUnknownKind = errors.New("pool: unknown worker kind")

// ContractFactory builds the contract for one worker instance.
type ContractFactory func() (worker.Contract, error)

var (
	kindsMu sync.RWMutex
	kinds   = map[string]ContractFactory{}
)

// Register is called from main (or an init func) before the pool is built.
func Register(kind string, f ContractFactory) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	kinds[kind] = f
}

func contractFor(kind string) (worker.Contract, error) {
	kindsMu.RLock()
	f, ok := kinds[kind]
	kindsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
	return f()
}

// Kinds lists the registered kinds in order.
func Kinds() []string {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
