package index

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/subwatch/subwatch/cfg"
	"github.com/subwatch/subwatch/telemetry"
)

// maxBackoffMultiple caps the probe backoff while disconnected.
const maxBackoffMultiple = 8

// Probe periodically dials the downstream network simulator to track
// connectivity. Consecutive failures past the threshold flip Connected;
// while disconnected the probe backs off exponentially up to a cap.
// Index operations never wait on the probe.
type Probe struct {
	address       string
	interval      time.Duration
	timeout       time.Duration
	failThreshold int

	connected atomic.Bool
	failures  atomic.Int32

	stopCh  chan struct{}
	running bool
	mu      sync.Mutex
}

// NewProbe builds a probe from configuration. Returns nil when no simulator
// address is configured.
func NewProbe(conf cfg.IndexConfiguration) *Probe {
	if conf.SimulatorAddress == "" {
		return nil
	}

	p := &Probe{
		address:       conf.SimulatorAddress,
		interval:      time.Duration(conf.ProbeIntervalSeconds) * time.Second,
		timeout:       time.Duration(conf.ProbeTimeoutSeconds) * time.Second,
		failThreshold: conf.ProbeFailThreshold,
	}
	// Optimistic until the first probe says otherwise
	p.connected.Store(true)
	return p
}

// Connected reports the current connectivity state.
func (p *Probe) Connected() bool {
	return p.connected.Load()
}

// Start begins probing in the background.
func (p *Probe) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		log.Warn().Msg("Connectivity probe already running")
		return
	}

	p.running = true
	p.stopCh = make(chan struct{})

	go p.runLoop()

	log.Info().
		Str("address", p.address).
		Dur("interval", p.interval).
		Msg("Connectivity probe started")
}

// Stop halts probing.
func (p *Probe) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}

	close(p.stopCh)
	p.running = false

	log.Info().Msg("Connectivity probe stopped")
}

func (p *Probe) runLoop() {
	timer := time.NewTimer(0) // probe immediately on start
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			p.probeOnce()
			timer.Reset(p.nextDelay())
		case <-p.stopCh:
			return
		}
	}
}

func (p *Probe) probeOnce() {
	conn, err := net.DialTimeout("tcp", p.address, p.timeout)
	if err != nil {
		p.onFailure(err)
		return
	}
	conn.Close()
	p.onSuccess()
}

func (p *Probe) onSuccess() {
	p.failures.Store(0)
	telemetry.SimulatorReachable.Set(1)

	if !p.connected.Swap(true) {
		log.Info().Str("address", p.address).Msg("Simulator connectivity restored")
	}
}

func (p *Probe) onFailure(err error) {
	failures := p.failures.Add(1)
	telemetry.ProbeFailuresTotal.Inc()

	if int(failures) >= p.failThreshold && p.connected.Swap(false) {
		telemetry.SimulatorReachable.Set(0)
		log.Warn().
			Str("address", p.address).
			Int32("consecutive_failures", failures).
			Err(err).
			Msg("Simulator connectivity lost")
	}
}

// nextDelay stretches the probe interval exponentially once the failure
// threshold is breached, capped at maxBackoffMultiple times the base.
func (p *Probe) nextDelay() time.Duration {
	failures := int(p.failures.Load())
	if failures < p.failThreshold {
		return p.interval
	}

	multiple := 1
	for n := failures - p.failThreshold; n > 0 && multiple < maxBackoffMultiple; n-- {
		multiple *= 2
	}

	return p.interval * time.Duration(multiple)
}
