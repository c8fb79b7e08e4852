// Package netwatch observes connectivity: it polls a probe, classifies
// link quality, fans out change notifications, and gates authentication
// operations that need a usable connection.
package netwatch

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Transport identifies the link type carrying traffic.
type Transport string

const (
	TransportWifi      Transport = "wifi"
	TransportCellular  Transport = "cellular"
	TransportEthernet  Transport = "ethernet"
	TransportBluetooth Transport = "bluetooth"
	TransportOther     Transport = "other"
	TransportNone      Transport = "none"
)

// Quality is the derived usability classification of the current link.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityOffline   Quality = "offline"
)

// CellularGeneration values reported by platform probes.
const (
	Cellular2G = "2g"
	Cellular3G = "3g"
	Cellular4G = "4g"
	Cellular5G = "5g"
)

// Status is a snapshot of connectivity. InternetReachable is a
// three-state signal: nil means the probe could not tell, which is
// treated optimistically.
type Status struct {
	Connected          bool
	InternetReachable  *bool
	Transport          Transport
	CellularGeneration string
}

// Quality classifies the link: wifi and ethernet are excellent,
// cellular good, anything else that still carries traffic fair, and a
// disconnected link offline. A cellular link at 2G is poor.
func (s Status) Quality() Quality {
	if !s.Connected {
		return QualityOffline
	}

	switch s.Transport {
	case TransportWifi, TransportEthernet:
		return QualityExcellent
	case TransportCellular:
		if s.CellularGeneration == Cellular2G {
			return QualityPoor
		}

		return QualityGood
	default:
		return QualityFair
	}
}

// SuitableForAuth reports whether authentication traffic should be
// attempted: not when disconnected, not when internet reachability is
// explicitly false, and not on a cellular link below the 3G usability
// floor.
func (s Status) SuitableForAuth() bool {
	if !s.Connected {
		return false
	}

	if s.InternetReachable != nil && !*s.InternetReachable {
		return false
	}

	if s.Transport == TransportCellular && s.CellularGeneration == Cellular2G {
		return false
	}

	return true
}

// Prober supplies the current connectivity status. Implementations must
// be safe for concurrent use.
type Prober interface {
	Probe(ctx context.Context) Status
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context) Status

func (f ProbeFunc) Probe(ctx context.Context) Status { return f(ctx) }

const (
	// defaultPollInterval is how often the observer re-probes.
	defaultPollInterval = 15 * time.Second

	// defaultProbeTimeout bounds a single dial probe.
	defaultProbeTimeout = 5 * time.Second

	// subscriberBuffer is the per-subscriber channel depth. A slow
	// subscriber loses intermediate snapshots rather than blocking the
	// poll loop.
	subscriberBuffer = 4
)

// DialProber probes connectivity by dialing the backend address over
// TCP. It cannot tell which physical transport carries the traffic, so
// a successful dial reports TransportOther.
type DialProber struct {
	// Address is a host:port to dial, typically the identity backend.
	Address string

	// Timeout bounds the dial; zero means the 5-second default.
	Timeout time.Duration
}

// Probe dials the configured address and reports connectivity.
func (p DialProber) Probe(ctx context.Context) Status {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = defaultProbeTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer

	conn, err := d.DialContext(dialCtx, "tcp", p.Address)
	if err != nil {
		unreachable := false
		return Status{Connected: false, InternetReachable: &unreachable, Transport: TransportNone}
	}

	_ = conn.Close()

	reachable := true

	return Status{Connected: true, InternetReachable: &reachable, Transport: TransportOther}
}

// Observer polls a Prober and fans out status changes to subscribers.
// It is the single source of connectivity truth for the orchestrator
// and the recovery engine.
type Observer struct {
	prober   Prober
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	current Status
	subs    map[int]chan Status
	nextSub int
}

// Option customizes an Observer.
type Option func(*Observer)

// WithInterval overrides the polling interval.
func WithInterval(d time.Duration) Option {
	return func(o *Observer) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithLogger sets the observer logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Observer) { o.logger = logger }
}

// NewObserver creates an observer around the given probe. The first
// status is Transport "none"/disconnected until Refresh or Run probes.
func NewObserver(prober Prober, opts ...Option) *Observer {
	o := &Observer{
		prober:   prober,
		interval: defaultPollInterval,
		logger:   slog.Default(),
		current:  Status{Connected: false, Transport: TransportNone},
		subs:     make(map[int]chan Status),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Current returns the latest observed status.
func (o *Observer) Current() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.current
}

// Quality returns the classification of the latest status.
func (o *Observer) Quality() Quality { return o.Current().Quality() }

// SuitableForAuth reports whether the latest status supports
// authentication traffic.
func (o *Observer) SuitableForAuth() bool { return o.Current().SuitableForAuth() }

// Subscribe registers for status-change notifications. The returned
// function unsubscribes; it is safe to call more than once.
func (o *Observer) Subscribe() (<-chan Status, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextSub
	o.nextSub++

	ch := make(chan Status, subscriberBuffer)
	o.subs[id] = ch

	var once sync.Once

	unsubscribe := func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()

			if c, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(c)
			}
		})
	}

	return ch, unsubscribe
}

// Refresh probes immediately, applies the result, and notifies
// subscribers when the status meaningfully changed.
func (o *Observer) Refresh(ctx context.Context) Status {
	next := o.prober.Probe(ctx)
	o.apply(next)

	return next
}

// SetStatus applies a status pushed from outside the poll loop (for
// example a platform connectivity callback) and notifies subscribers.
func (o *Observer) SetStatus(next Status) {
	o.apply(next)
}

func (o *Observer) apply(next Status) {
	o.mu.Lock()

	prev := o.current
	o.current = next

	changed := prev.Connected != next.Connected ||
		prev.Transport != next.Transport ||
		!reachabilityEqual(prev.InternetReachable, next.InternetReachable)

	if changed {
		// Deliver under the lock so an unsubscribe cannot close a
		// channel mid-send. Sends never block: slow subscribers drop
		// the snapshot and Current() always has the latest.
		for _, ch := range o.subs {
			select {
			case ch <- next:
			default:
			}
		}
	}

	o.mu.Unlock()

	if !changed {
		return
	}

	o.logger.Debug("connectivity changed",
		slog.Bool("connected", next.Connected),
		slog.String("transport", string(next.Transport)),
		slog.String("quality", string(next.Quality())),
	)
}

// reachabilityEqual compares the three-state reachability signal. A
// flip between known values, or between known and unknown, counts as a
// change.
func reachabilityEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}

// Run polls until the context is cancelled. It probes once immediately
// so Current() is meaningful as soon as Run starts.
func (o *Observer) Run(ctx context.Context) error {
	o.Refresh(ctx)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.Refresh(ctx)
		}
	}
}

// WaitForConnection blocks until the observer sees a connected status
// or the timeout elapses. Returns true on the first connected
// notification, false on timeout or context cancellation. It never
// hangs: the answer is always definite.
func (o *Observer) WaitForConnection(ctx context.Context, timeout time.Duration) bool {
	if o.Current().Connected {
		return true
	}

	ch, unsubscribe := o.Subscribe()
	defer unsubscribe()

	// Re-check after subscribing: the status may have flipped between
	// the fast-path check and registration.
	if o.Current().Connected {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		case st, ok := <-ch:
			if !ok {
				return false
			}

			if st.Connected {
				return true
			}
		}
	}
}
