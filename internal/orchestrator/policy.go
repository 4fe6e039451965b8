package orchestrator

import "fmt"

// OverlapPolicy decides what happens to a tick that arrives while a cycle
// is still running.
type OverlapPolicy string

const (
	// OverlapSkip drops the tick. The next cycle starts at the next tick.
	OverlapSkip OverlapPolicy = "skip"

	// OverlapQueue remembers the tick and starts a cycle as soon as the
	// running one finishes. At most one tick is remembered; further ticks
	// while one is pending are dropped.
	OverlapQueue OverlapPolicy = "queue"

	// OverlapConcurrent starts a new cycle for every tick.
	OverlapConcurrent OverlapPolicy = "concurrent"
)

// ParseOverlapPolicy validates a policy name. Empty means OverlapSkip.
func ParseOverlapPolicy(s string) (OverlapPolicy, error) {
	switch p := OverlapPolicy(s); p {
	case "":
		return OverlapSkip, nil
	case OverlapSkip, OverlapQueue, OverlapConcurrent:
		return p, nil
	default:
		return "", fmt.Errorf("unknown overlap policy %q (want skip, queue or concurrent)", s)
	}
}
