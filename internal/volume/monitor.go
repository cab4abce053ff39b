package volume

import (
	"context"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// DefaultPollInterval is how often the monitor re-enumerates volumes.
const DefaultPollInterval = 2 * time.Second

// Lister enumerates volumes; swapped out in tests.
type Lister func(ctx context.Context) ([]*Info, error)

// Monitor polls the volume set and fires onChange when the set of serials
// changes (a drive was plugged in or removed).
type Monitor struct {
	list     Lister
	interval time.Duration
	onChange func([]*Info)
	last     mapset.Set[string]
}

func NewMonitor(onChange func([]*Info)) *Monitor {
	return &Monitor{
		list:     List,
		interval: DefaultPollInterval,
		onChange: onChange,
		last:     mapset.NewSet[string](),
	}
}

// Check enumerates once and fires the callback if the serial set changed.
func (m *Monitor) Check(ctx context.Context) {
	volumes, err := m.list(ctx)
	if err != nil {
		slog.Warn("volume enumeration failed", "error", err)
		return
	}

	current := mapset.NewSet[string]()
	for _, v := range volumes {
		current.Add(v.Serial)
	}

	if current.Equal(m.last) {
		return
	}
	m.last = current
	m.onChange(volumes)
}

// Watch polls until ctx is cancelled.
func (m *Monitor) Watch(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
