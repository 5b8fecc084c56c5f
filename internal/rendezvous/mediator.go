package rendezvous

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaydesk/host/internal/logging"
	"github.com/relaydesk/host/internal/wire"
)

func floatToBits(f float64) uint64 { return math.Float64bits(f) }
func bitsToFloat(b uint64) float64 { return math.Float64frombits(b) }

var log = logging.L("rendezvous")

const (
	// RegInterval is the steady-state cadence of RegisterPeer, spec.md §4.2.
	RegInterval = 3 * time.Second
	// RendezvousTimeout bounds a TCP connect to the rendezvous or relay server.
	RendezvousTimeout = 12 * time.Second
	// DNSInterval is how long a mediator waits after MAX_FAILS2 before it
	// re-resolves the server hostname and rebinds its UDP socket.
	DNSInterval = 60 * time.Second
	// MaxFails1 unanswered registrations before latency is reported unknown.
	MaxFails1 = 3
	// MaxFails2 unanswered registrations before a DNS re-resolve + rebind.
	MaxFails2 = 10
	// directConnectTimeout bounds the punch side's local-address dial.
	directConnectTimeout = 30 * time.Millisecond
)

// idState is the process-wide, mutex-serialized host identity shared by
// every concurrently running mediator so a UUID_MISMATCH regeneration on
// one mediator is visible (and not raced) on the others.
type idState struct {
	mu       sync.Mutex
	id       string
	uuid     string
	confirmed bool
}

func (s *idState) snapshot() (id, uuid string, confirmed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.uuid, s.confirmed
}

func (s *idState) regenerate(newID func() string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = newID()
	s.confirmed = false
	return s.id
}

func (s *idState) confirm() {
	s.mu.Lock()
	s.confirmed = true
	s.mu.Unlock()
}

// PromoteFunc is invoked when a rendezvous round-trip (punch, fetch-local,
// or relay) yields a live TCP stream that should become a host Connection.
type PromoteFunc func(conn net.Conn, secure bool, peerID string)

// Config configures one Mediator instance, one per configured discovery
// server (spec.md says "all run concurrently" — callers create one Mediator
// per server and Start them independently).
type Config struct {
	Server      string // host:port of the discovery server's UDP endpoint
	TCPPort     int    // mediator's TCP port for PunchHoleSent / relay dial
	Identity    *wire.Identity
	UUID        string
	OnPromote   PromoteFunc
	OnConfigure func(ConfigureUpdate)
	// NewID allocates a fresh numeric short id after UUID_MISMATCH.
	NewID func() string
}

// Mediator runs the registration loop and incoming-request handler for one
// discovery server.
type Mediator struct {
	cfg Config
	ids *idState

	conn      *net.UDPConn
	remote    *net.UDPAddr
	serverHost string

	ema       atomic.Uint64 // latency EMA in ms, stored as bits via math.Float64bits
	fails     atomic.Int32
	serial    atomic.Int64

	shouldExit chan struct{}
	stopOnce   sync.Once
}

// New constructs a Mediator. Call Start to begin the registration loop.
func New(cfg Config) (*Mediator, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("rendezvous: identity required")
	}
	if cfg.NewID == nil {
		return nil, fmt.Errorf("rendezvous: NewID allocator required")
	}
	m := &Mediator{
		cfg:        cfg,
		ids:        &idState{id: cfg.Identity.ID, uuid: cfg.UUID},
		shouldExit: make(chan struct{}),
	}
	return m, nil
}

// Start runs the registration loop and the incoming-datagram handler until
// Stop is called or the process shuts down. Meant to be run in its own
// goroutine; panics in the loop body are not expected to escape since all
// fallible work returns errors, but callers running many mediators should
// still wrap Start in their own supervisor per spec.md §7's "nothing aborts
// the host process" propagation policy.
func (m *Mediator) Start() error {
	if err := m.dial(); err != nil {
		return err
	}
	go m.registrationLoop()
	go m.readLoop()
	return nil
}

// Stop signals SHOULD_EXIT; both loops observe it and return.
func (m *Mediator) Stop() {
	m.stopOnce.Do(func() {
		close(m.shouldExit)
		if m.conn != nil {
			m.conn.Close()
		}
	})
}

func (m *Mediator) dial() error {
	addr, err := net.ResolveUDPAddr("udp", m.cfg.Server)
	if err != nil {
		return fmt.Errorf("rendezvous: resolve %s: %w", m.cfg.Server, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("rendezvous: dial %s: %w", m.cfg.Server, err)
	}
	m.conn = conn
	m.remote = addr
	m.serverHost = m.cfg.Server
	return nil
}

// rebind re-resolves DNS and replaces the UDP socket; used after MAX_FAILS2
// unanswered registrations, to recover from laptop sleep or a network
// change that invalidated the old local port.
func (m *Mediator) rebind() {
	if m.conn != nil {
		m.conn.Close()
	}
	if err := m.dial(); err != nil {
		log.Warn("rendezvous rebind failed", "server", m.serverHost, "error", err)
		return
	}
	log.Info("rendezvous socket rebound", "server", m.serverHost)
	m.fails.Store(0)
}

func (m *Mediator) registrationLoop() {
	ticker := time.NewTicker(RegInterval)
	defer ticker.Stop()

	var dnsTimer *time.Timer
	for {
		select {
		case <-m.shouldExit:
			return
		case <-ticker.C:
			start := time.Now()
			id, _, _ := m.ids.snapshot()
			if err := m.sendEnvelope(TypeRegisterPeer, RegisterPeer{
				ID:     id,
				Serial: m.serial.Load(),
			}); err != nil {
				log.Warn("register_peer send failed", "error", err)
			}
			_ = start

			fails := m.fails.Add(1) // decremented back on a response in readLoop
			if fails >= MaxFails1 {
				m.ema.Store(0) // latency unknown
			}
			if fails >= MaxFails2 {
				if dnsTimer == nil {
					dnsTimer = time.AfterFunc(DNSInterval, m.rebind)
				}
			} else if dnsTimer != nil {
				dnsTimer.Stop()
				dnsTimer = nil
			}
		}
	}
}

func (m *Mediator) readLoop() {
	buf := make([]byte, 16*1024) // 16KB MTU-safe per spec.md §6
	for {
		select {
		case <-m.shouldExit:
			return
		default:
		}

		n, _, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-m.shouldExit:
				return
			default:
				log.Warn("rendezvous read failed", "error", err)
				continue
			}
		}
		m.fails.Store(0)

		var env Envelope
		if err := json.Unmarshal(buf[:n], &env); err != nil {
			log.Warn("rendezvous: malformed envelope", "error", err)
			continue
		}
		m.handleEnvelope(&env)
	}
}

func (m *Mediator) handleEnvelope(env *Envelope) {
	switch env.Type {
	case TypeRegisterPeerResponse:
		var resp RegisterPeerResponse
		if err := json.Unmarshal(env.Payload, &resp); err != nil {
			return
		}
		if resp.RequestPk {
			m.sendRegisterPk()
		}
	case TypeRegisterPkResponse:
		var resp RegisterPkResponse
		if err := json.Unmarshal(env.Payload, &resp); err != nil {
			return
		}
		m.handleRegisterPkResponse(resp.Code)
	case TypeConfigureUpdate:
		var cu ConfigureUpdate
		if err := json.Unmarshal(env.Payload, &cu); err != nil {
			return
		}
		m.serial.Store(cu.Serial)
		if m.cfg.OnConfigure != nil {
			m.cfg.OnConfigure(cu)
		}
	case TypePunchHole:
		var p PunchHole
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		go m.handlePunchHole(&p)
	case TypeFetchLocalAddr:
		var f FetchLocalAddr
		if err := json.Unmarshal(env.Payload, &f); err != nil {
			return
		}
		go m.handleFetchLocalAddr(&f)
	case TypeRequestRelay:
		var r RequestRelay
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return
		}
		go m.handleRequestRelay(&r)
	}
}

func (m *Mediator) sendRegisterPk() {
	id, uuid, _ := m.ids.snapshot()
	if err := m.sendEnvelope(TypeRegisterPk, RegisterPk{
		ID:   id,
		UUID: uuid,
		PK:   m.cfg.Identity.PublicKey,
	}); err != nil {
		log.Warn("register_pk send failed", "error", err)
	}
}

func (m *Mediator) handleRegisterPkResponse(code RegisterPkResponseCode) {
	switch code {
	case RegisterOK:
		m.ids.confirm()
	case RegisterUUIDMismatch:
		newID := m.ids.regenerate(m.cfg.NewID)
		log.Warn("rendezvous id regenerated after UUID_MISMATCH", "newID", newID)
		m.sendRegisterPk()
	case RegisterIDExists, RegisterTooFrequent, RegisterServerError, RegisterInvalidFormat:
		log.Error("rendezvous registration rejected", "code", code)
	}
}

// UpdateLatency folds one round-trip sample into the EMA:
// ema = sample/30 + ema*29/30, per spec.md §4.2.
func (m *Mediator) UpdateLatency(sampleMs int64) {
	for {
		old := m.ema.Load()
		var oldF float64
		if old != 0 {
			oldF = bitsToFloat(old)
		}
		newF := float64(sampleMs)/30 + oldF*29/30
		if m.ema.CompareAndSwap(old, floatToBits(newF)) {
			return
		}
	}
}

// LatencyMs returns the current EMA, or 0 if unknown (never measured or
// degraded past MaxFails1).
func (m *Mediator) LatencyMs() float64 {
	return bitsToFloat(m.ema.Load())
}

func (m *Mediator) sendEnvelope(msgType string, payload any) error {
	if m.conn == nil {
		return fmt.Errorf("rendezvous: not connected")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := Envelope{Type: msgType, Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = m.conn.Write(data)
	return err
}
