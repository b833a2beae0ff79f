package automation

import (
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/jkaninda/omni/internal/domain"
)

// DebouncedMessage is one message held in a debounce window.
type DebouncedMessage struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"-"`
}

// Sender identifies who a conversation belongs to.
type Sender struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ConversationKey groups messages of one sender within one instance.
func ConversationKey(instanceID, senderID string) string {
	return instanceID + ":" + senderID
}

// FlushFunc receives the messages of a closed debounce window, oldest first.
type FlushFunc func(key string, messages []DebouncedMessage, from Sender, instanceID string)

// DelayStrategy decides how long a window stays open after activity.
// A zero delay closes the window immediately.
type DelayStrategy interface {
	Delay(firstAt, now time.Time) time.Duration
}

type fixedDelay time.Duration

func (d fixedDelay) Delay(_, _ time.Time) time.Duration { return time.Duration(d) }

type rangeDelay struct {
	min, max time.Duration
}

func (d rangeDelay) Delay(_, _ time.Time) time.Duration {
	if d.max <= d.min {
		return d.min
	}
	return d.min + time.Duration(rand.Int64N(int64(d.max-d.min)+1))
}

type presenceDelay struct {
	base, maxWait time.Duration
}

func (d presenceDelay) Delay(firstAt, now time.Time) time.Duration {
	if d.maxWait > 0 && now.Sub(firstAt) >= d.maxWait {
		return 0
	}
	return d.base
}

// NewDelayStrategy builds the strategy for a debounce config.
// Mode "none" and unknown modes yield a zero delay.
func NewDelayStrategy(cfg domain.DebounceConfig) DelayStrategy {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	switch cfg.Mode {
	case domain.DebounceFixed:
		return fixedDelay(ms(cfg.DelayMs))
	case domain.DebounceRange:
		return rangeDelay{min: ms(cfg.MinMs), max: ms(cfg.MaxMs)}
	case domain.DebouncePresence:
		return presenceDelay{base: ms(cfg.BaseDelayMs), maxWait: ms(cfg.MaxWaitMs)}
	default:
		return fixedDelay(0)
	}
}

type debounceWindow struct {
	messages   []DebouncedMessage
	firstAt    time.Time
	from       Sender
	instanceID string
	timer      *time.Timer
	gen        uint64
}

// Debouncer coalesces messages per conversation and hands each closed window
// to a FlushFunc. Flush callbacks run outside the lock.
type Debouncer struct {
	cfg      domain.DebounceConfig
	strategy DelayStrategy
	flush    FlushFunc
	now      func() time.Time

	mu      sync.Mutex
	windows map[string]*debounceWindow
}

// NewDebouncer creates a Debouncer for one automation.
func NewDebouncer(cfg domain.DebounceConfig, flush FlushFunc) *Debouncer {
	return &Debouncer{
		cfg:      cfg,
		strategy: NewDelayStrategy(cfg),
		flush:    flush,
		now:      time.Now,
		windows:  make(map[string]*debounceWindow),
	}
}

// Add appends a message to the conversation's window and restarts its timer.
func (d *Debouncer) Add(key string, msg DebouncedMessage, from Sender, instanceID string) {
	if !d.cfg.Active() {
		d.flush(key, []DebouncedMessage{msg}, from, instanceID)
		return
	}

	d.mu.Lock()
	w, ok := d.windows[key]
	if !ok {
		w = &debounceWindow{firstAt: d.now(), from: from, instanceID: instanceID}
		d.windows[key] = w
	}
	w.messages = append(w.messages, msg)
	fired := d.resetLocked(key, w)
	d.mu.Unlock()

	if fired != nil {
		d.flush(key, fired.messages, fired.from, fired.instanceID)
	}
}

// Extend restarts the timer of an open window when eventType is one of the
// configured presence events. It reports whether a window was extended.
func (d *Debouncer) Extend(key, eventType string) bool {
	if d.cfg.Mode != domain.DebouncePresence || !slices.Contains(d.cfg.ExtendOnEvents, eventType) {
		return false
	}

	d.mu.Lock()
	w, ok := d.windows[key]
	if !ok {
		d.mu.Unlock()
		return false
	}
	fired := d.resetLocked(key, w)
	d.mu.Unlock()

	if fired != nil {
		d.flush(key, fired.messages, fired.from, fired.instanceID)
	}
	return true
}

// resetLocked rearms the window timer. When the strategy returns zero the
// window is removed and returned so the caller can flush it after unlocking.
func (d *Debouncer) resetLocked(key string, w *debounceWindow) *debounceWindow {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++

	delay := d.strategy.Delay(w.firstAt, d.now())
	if delay <= 0 {
		delete(d.windows, key)
		return w
	}

	gen := w.gen
	w.timer = time.AfterFunc(delay, func() { d.fire(key, gen) })
	return nil
}

func (d *Debouncer) fire(key string, gen uint64) {
	d.mu.Lock()
	w, ok := d.windows[key]
	if !ok || w.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.windows, key)
	d.mu.Unlock()

	d.flush(key, w.messages, w.from, w.instanceID)
}

// FlushAll closes every open window immediately.
func (d *Debouncer) FlushAll() {
	d.mu.Lock()
	pending := make(map[string]*debounceWindow, len(d.windows))
	for key, w := range d.windows {
		if w.timer != nil {
			w.timer.Stop()
		}
		pending[key] = w
	}
	d.windows = make(map[string]*debounceWindow)
	d.mu.Unlock()

	for key, w := range pending {
		d.flush(key, w.messages, w.from, w.instanceID)
	}
}

// ActiveWindows returns the number of open windows.
func (d *Debouncer) ActiveWindows() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.windows)
}

// Pending returns the number of messages waiting in a conversation's window.
func (d *Debouncer) Pending(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.windows[key]; ok {
		return len(w.messages)
	}
	return 0
}
