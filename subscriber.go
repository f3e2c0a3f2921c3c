package pulseapm

import "sync"

// Subscriber wires framework hooks to the agent's entry points. A
// subscriber installs its hooks on Subscribe and disarms them on
// Unsubscribe; the hooks themselves call StartTransaction, TraceFunc and
// Report.
type Subscriber interface {
	Name() string
	Subscribe() error
	Unsubscribe() error
}

var (
	subscribersMu sync.Mutex
	subscribers   []Subscriber
)

// RegisterSubscriber subscribes s immediately and remembers it so Stop
// can unsubscribe it during shutdown.
func RegisterSubscriber(s Subscriber) error {
	if err := s.Subscribe(); err != nil {
		return err
	}
	subscribersMu.Lock()
	subscribers = append(subscribers, s)
	subscribersMu.Unlock()
	return nil
}

// UnregisterSubscriber unsubscribes s and forgets it.
func UnregisterSubscriber(s Subscriber) error {
	subscribersMu.Lock()
	for i, known := range subscribers {
		if known == s {
			subscribers = append(subscribers[:i], subscribers[i+1:]...)
			break
		}
	}
	subscribersMu.Unlock()
	return s.Unsubscribe()
}

// unsubscribeAll disarms every registered subscriber. Called by Stop.
func unsubscribeAll() {
	subscribersMu.Lock()
	all := subscribers
	subscribers = nil
	subscribersMu.Unlock()

	for _, s := range all {
		// Hooks that fail to disarm stay installed but find no agent
		// to call into once the singleton clears.
		_ = s.Unsubscribe()
	}
}
