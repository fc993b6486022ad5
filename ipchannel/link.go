package ipchannel

import (
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// dispatchTarget is whatever the link multiplexer delivers an inbound
// datagram to once it has worked out which peer sent it -- a per-peer
// Client in production, a recording fake in tests.
type dispatchTarget interface {
	// handleInbound delivers one decoded frame. For a frame without
	// AuthFlag, raw is the exact header+extended-header+body byte range the
	// frame's own header claimed. For an authenticated frame, raw is every
	// frame of the datagram with the digest (which follows the first frame)
	// spliced out, which is what that digest was computed over -- the
	// target is responsible for verifying it with its own peer secret.
	handleInbound(h Header, ext *ExtendedHeader, body packet, raw []byte, digest []byte, from *net.UDPAddr)
}

type addrKey struct {
	ip   string
	port uint16
}

func keyFor(addr *net.UDPAddr) addrKey {
	return addrKey{ip: addr.IP.String(), port: uint16(addr.Port)}
}

type altPortEntry struct {
	port    uint16
	expires time.Time
}

// linkSnapshot is an immutable view of the dispatch tables. The link
// multiplexer swaps these atomically (RCU-style) on registry changes
// instead of holding a lock across every inbound datagram, which is the
// hot path.
type linkSnapshot struct {
	byAddr     map[addrKey]dispatchTarget
	byIP       map[string]dispatchTarget
	ipCount    map[string]int
	byDeviceID map[string]dispatchTarget
	altPorts   map[string]altPortEntry // keyed by peer IP
}

func emptySnapshot() *linkSnapshot {
	return &linkSnapshot{
		byAddr:     make(map[addrKey]dispatchTarget),
		byIP:       make(map[string]dispatchTarget),
		ipCount:    make(map[string]int),
		byDeviceID: make(map[string]dispatchTarget),
		altPorts:   make(map[string]altPortEntry),
	}
}

func (s *linkSnapshot) clone() *linkSnapshot {
	n := emptySnapshot()
	for k, v := range s.byAddr {
		n.byAddr[k] = v
	}
	for k, v := range s.byIP {
		n.byIP[k] = v
	}
	for k, v := range s.ipCount {
		n.ipCount[k] = v
	}
	for k, v := range s.byDeviceID {
		n.byDeviceID[k] = v
	}
	for k, v := range s.altPorts {
		n.altPorts[k] = v
	}
	return n
}

// linkMux fans inbound datagrams on one shared UDP socket out to the right
// per-peer Client, and serializes outbound sends onto that same socket.
// It is the IP-router analogue of the teacher's control plane, generalized
// from a single connected peer to many peers sharing one local port.
type linkMux struct {
	sock   *channelSocket
	logger log.Logger
	clock  ClockSource
	stats  *statCounters

	snapshot atomic.Value // *linkSnapshot

	mu sync.Mutex // serializes registry writers; readers use the snapshot

	localAddrs map[string]bool // this host's own addresses, for multicast loopback filtering

	masterTarget dispatchTarget // the channel master itself, for non-DATA self-sourced traffic
}

func newLinkMux(sock *channelSocket, logger log.Logger, clock ClockSource, stats *statCounters) *linkMux {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	m := &linkMux{
		sock:       sock,
		logger:     log.With(logger, "component", "link"),
		clock:      clock,
		stats:      stats,
		localAddrs: localAddrSet(),
	}
	m.snapshot.Store(emptySnapshot())
	return m
}

func localAddrSet() map[string]bool {
	set := make(map[string]bool)
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return set
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok {
			set[ipNet.IP.String()] = true
		}
	}
	return set
}

func (m *linkMux) current() *linkSnapshot {
	return m.snapshot.Load().(*linkSnapshot)
}

func (m *linkMux) update(fn func(*linkSnapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.current().clone()
	fn(next)
	m.snapshot.Store(next)
}

// Register binds a peer's known (IP, port) address and LonTalk device id
// to target, so future datagrams from that peer dispatch directly.
func (m *linkMux) Register(addr *net.UDPAddr, deviceID []byte, target dispatchTarget) {
	m.update(func(s *linkSnapshot) {
		k := keyFor(addr)
		if _, exists := s.byAddr[k]; !exists {
			s.ipCount[k.ip]++
		}
		s.byAddr[k] = target
		if s.ipCount[k.ip] == 1 {
			s.byIP[k.ip] = target
		} else {
			delete(s.byIP, k.ip)
		}
		if len(deviceID) > 0 {
			s.byDeviceID[hex.EncodeToString(deviceID)] = target
		}
	})
}

// SetMaster records the channel master as the dispatch target for
// self-sourced, non-DATA multicast traffic (step 1 of dispatch).
func (m *linkMux) SetMaster(target dispatchTarget) {
	m.masterTarget = target
}

// Unregister removes a peer's dispatch entries.
func (m *linkMux) Unregister(addr *net.UDPAddr, deviceID []byte) {
	m.update(func(s *linkSnapshot) {
		k := keyFor(addr)
		if _, exists := s.byAddr[k]; exists {
			delete(s.byAddr, k)
			s.ipCount[k.ip]--
			if s.ipCount[k.ip] <= 0 {
				delete(s.ipCount, k.ip)
				delete(s.byIP, k.ip)
			} else if s.ipCount[k.ip] == 1 {
				for other, target := range s.byAddr {
					if other.ip == k.ip {
						s.byIP[k.ip] = target
					}
				}
			}
		}
		if len(deviceID) > 0 {
			delete(s.byDeviceID, hex.EncodeToString(deviceID))
		}
		delete(s.altPorts, k.ip)
	})
}

// learnAltPort records that addr.IP's traffic is currently arriving from a
// different port than registered, so later lookups on that IP dispatch to
// the IP's sole registered peer (if it has exactly one) instead of falling
// through to device-id extraction every time. Entries expire after
// altPortCacheTTL.
func (m *linkMux) learnAltPort(ip string, port uint16) {
	m.update(func(s *linkSnapshot) {
		s.altPorts[ip] = altPortEntry{port: port, expires: time.Now().Add(altPortCacheTTL)}
	})
	m.stats.incAltPortUsed()
}

// dispatch implements the multiplexer's lookup algorithm: multicast
// loopback filter, direct hit, vendor extended-header port override,
// alt-port cache, IP-only DATA disambiguation, device-id extraction, and
// finally an unknown-sender diagnostic.
func (m *linkMux) dispatch(from *net.UDPAddr, h Header, ext *ExtendedHeader, body packet, raw, digest []byte) {
	// 1. self-sourced traffic: a datagram whose source address is one of
	// this host's own addresses either is the genuine multicast loopback
	// (same send-socket port too -- drop it) or this host's own traffic
	// arriving by a different local route, which is routed on by type
	// rather than by the usual address-based lookup.
	if m.localAddrs[from.IP.String()] {
		if uint16(from.Port) == uint16(m.sock.LocalAddr().Port) {
			level.Debug(m.logger).Log("msg", "dropping multicast loopback", "from", from)
			return
		}
		s := m.current()
		if h.Type == packetTypeData {
			if target, ok := s.byIP[from.IP.String()]; ok {
				target.handleInbound(h, ext, body, raw, digest, from)
			}
			return
		}
		if m.masterTarget != nil {
			m.masterTarget.handleInbound(h, ext, body, raw, digest, from)
		}
		return
	}

	s := m.current()

	// 2. direct (srcIP, srcPort) hit.
	if target, ok := s.byAddr[keyFor(from)]; ok {
		target.handleInbound(h, ext, body, raw, digest, from)
		return
	}

	// 3. vendor extended-header port override: the sender told us its real
	// port because something on the path (typically NAT) rewrote the UDP
	// source port.
	if ext != nil && ext.SenderPort != 0 {
		k := addrKey{ip: from.IP.String(), port: ext.SenderPort}
		if target, ok := s.byAddr[k]; ok {
			m.learnAltPort(from.IP.String(), uint16(from.Port))
			target.handleInbound(h, ext, body, raw, digest, from)
			return
		}
	}

	// 4. alt-port cache for a peer (typically the configuration server)
	// whose source port we have already learned wanders.
	if entry, ok := s.altPorts[from.IP.String()]; ok && time.Now().Before(entry.expires) {
		if target, ok := s.byIP[from.IP.String()]; ok {
			target.handleInbound(h, ext, body, raw, digest, from)
			return
		}
	}

	// 5. IP-only disambiguation for DATA frames: if this IP has exactly one
	// registered peer, a port mismatch is NAT re-mapping, not ambiguity.
	if h.Type == packetTypeData {
		if target, ok := s.byIP[from.IP.String()]; ok {
			m.learnAltPort(from.IP.String(), uint16(from.Port))
			target.handleInbound(h, ext, body, raw, digest, from)
			return
		}
	}

	// 6. device-id extraction: an ECH_DEVID packet names the sending
	// device explicitly, independent of its current address.
	if devID, ok := body.(*EchDevIDPacket); ok {
		key := hex.EncodeToString(devID.DeviceID)
		if target, ok := s.byDeviceID[key]; ok {
			m.learnAltPort(from.IP.String(), uint16(from.Port))
			target.handleInbound(h, ext, body, raw, digest, from)
			return
		}
	}

	// 7. unknown sender: ask it to identify itself.
	level.Debug(m.logger).Log("msg", "unknown sender, requesting device id", "from", from, "type", h.Type)
	m.stats.incDropped()
	m.sendDevIDRequest(from)
}

func (m *linkMux) sendDevIDRequest(to *net.UDPAddr) {
	h := Header{Version: ProtocolV2Current, VendorPrivate: true, Type: packetTypeEchDevIDReq}
	body := &EchDevIDPacket{Type: packetTypeEchDevIDReq, SenderPort: uint16(m.sock.LocalAddr().Port)}
	encoded, err := EncodePacket(h, nil, body)
	if err != nil {
		level.Debug(m.logger).Log("msg", "failed to build device id request", "err", err)
		return
	}
	if err := m.sock.SendTo(encoded, to); err != nil {
		level.Debug(m.logger).Log("msg", "failed to send device id request", "to", to, "err", err)
	}
}

// Send writes an already-encoded datagram to addr.
func (m *linkMux) Send(addr *net.UDPAddr, datagram []byte) error {
	return m.sock.SendTo(datagram, addr)
}

// Run drives the receive loop until stop is closed. It is intended to run
// as one of the channel master's supervised goroutines.
func (m *linkMux) Run(stop <-chan struct{}) error {
	buf := make([]byte, udpMaxPktLen*maxSegments)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		if err := m.sock.SetReadDeadline(time.Now().Add(recvWakeTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		n, from, err := m.sock.RecvFrom(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("recv: %w", err)
		}

		m.parseDatagram(buf[:n], from)
	}
}

// parseDatagram walks every aggregated frame in one inbound datagram,
// dispatching each in turn. A datagram that fails to parse at all is
// counted and dropped; a datagram that parses partially dispatches what it
// could and stops at the first error. When the first frame carries
// AuthFlag, the digest that follows it covers every frame in the datagram.
func (m *linkMux) parseDatagram(b []byte, from *net.UDPAddr) {
	var authRaw, digest []byte
	first := true
	for len(b) > 0 {
		h, ext, body, consumed, err := ParsePacketFrom(b)
		if err != nil {
			level.Debug(m.logger).Log("msg", "failed to parse inbound packet", "from", from, "err", err)
			m.stats.incParseErrors()
			return
		}

		raw := b[:consumed]
		rest := b[consumed:]

		if first && h.AuthFlag {
			if len(rest) < authDigestLen {
				level.Debug(m.logger).Log("msg", "truncated authentication digest", "from", from)
				m.stats.incParseErrors()
				return
			}
			digest = rest[:authDigestLen]
			rest = rest[authDigestLen:]
			authRaw = append(append([]byte{}, raw...), rest...)
		}
		first = false

		if h.AuthFlag && digest != nil {
			m.dispatch(from, h, ext, body, authRaw, digest)
		} else {
			m.dispatch(from, h, ext, body, raw, nil)
		}
		b = rest
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	t, ok := err.(timeouter)
	return ok && t.Timeout()
}
