package ipchannel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"golang.org/x/sync/errgroup"
)

// MasterConfig is the static bring-up configuration for one IP channel.
type MasterConfig struct {
	Local        string
	CSAddr       string
	DeviceName   string
	Authenticate bool
	Secret       Secret
	VendorCode   uint16

	Aggregate       bool
	AggregateWindow time.Duration
	BWLimit         bool
	Reorder         bool
	ReorderEscrow   time.Duration
	ChannelTimeout  time.Duration

	BWLimitKBPerSec uint32
	UseTOS          bool
	TOSBits         byte
	EIA852Strict    bool

	NATAddr  string
	NTP1Addr string
	NTP2Addr string

	PersistPath string

	MulticastGroup string
	Interface      string
}

func (c MasterConfig) withDefaults() MasterConfig {
	if c.AggregateWindow == 0 {
		c.AggregateWindow = 16 * time.Millisecond
	}
	if c.ReorderEscrow == 0 {
		c.ReorderEscrow = 50 * time.Millisecond
	}
	if c.ChannelTimeout == 0 {
		c.ChannelTimeout = 1500 * time.Millisecond
	}
	return c
}

// Master is the IP channel's membership and configuration coordinator. It
// owns the shared socket, the link multiplexer, the set of per-peer
// Clients, and the worker loop that negotiates with the configuration
// server and keeps persisted state in sync.
type Master struct {
	cfg    MasterConfig
	logger log.Logger
	clock  ClockSource
	stats  *statCounters

	sock *channelSocket
	mux  *linkMux
	lre  LRE

	persist *persistWriter

	mu              sync.Mutex
	version         ProtocolVersion
	members         []MemberEntry // insertion-ordered, capped at maxMemberCount
	clients         map[string]*Client
	csAddr          *net.UDPAddr
	routing         ChannelRouting
	devRegSent      bool
	sessionID       uint32
	lastKnownCSHost string
	lastKnownCSPort uint16

	// modeReqSent/modeReqAt track an in-flight ECH_MODE_REQ version
	// negotiation probe: the master commits to the peer-declared version
	// if the peer replies within modeCheckWindow, and falls back to the
	// legacy version once the window lapses without a reply.
	modeReqSent bool
	modeReqAt   time.Time

	addrWatcher *addrWatcher

	work          workBit
	workCh        chan struct{}
	lastChanRoute time.Time

	segSender   *segmentSender
	segReceiver *segmentReceiver

	outReqID    uint16
	pendingReqs map[uint16]*pendingRequest
}

type pendingRequest struct {
	kind      reqKind
	attempts  int
	lastSent  time.Time
	onSuccess func(packet)
}

// NewMaster creates a Master for one channel, binding its shared socket.
func NewMaster(cfg MasterConfig, lre LRE, logger log.Logger) (*Master, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.NewNopLogger()
	}

	sock, err := newChannelSocket(cfg.Local)
	if err != nil {
		return nil, fmt.Errorf("bind channel socket: %w", err)
	}

	clock := NewSystemClock()
	stats := &statCounters{}
	mux := newLinkMux(sock, logger, clock, stats)

	csAddr, err := net.ResolveUDPAddr("udp", cfg.CSAddr)
	if err != nil {
		sock.Close()
		return nil, fmt.Errorf("resolve configuration server address: %w", err)
	}

	host, portStr, err := net.SplitHostPort(cfg.CSAddr)
	var csPort uint16
	if err == nil {
		if p, perr := net.LookupPort("udp", portStr); perr == nil {
			csPort = uint16(p)
		}
	}

	var m *Master
	m = &Master{
		cfg:             cfg,
		logger:          log.With(logger, "component", "master", "channel", cfg.Local),
		clock:           clock,
		stats:           stats,
		sock:            sock,
		mux:             mux,
		lre:             lre,
		csAddr:          csAddr,
		clients:         make(map[string]*Client),
		workCh:          make(chan struct{}, 1),
		segSender:       newSegmentSender(func(seg SegmentPacket) { m.sendToCS(Header{Version: ProtocolV2Current, Type: packetTypeSegment}, &seg) }),
		segReceiver:     newSegmentReceiver(),
		pendingReqs:     make(map[uint16]*pendingRequest),
		sessionID:       uint32(time.Now().UnixNano()),
		lastKnownCSHost: host,
		lastKnownCSPort: csPort,
	}

	if cfg.PersistPath != "" {
		m.persist = newPersistWriter(cfg.PersistPath, logger)
	}

	mux.Register(csAddr, nil, dispatchFunc(m.handleInbound))
	mux.SetMaster(dispatchFunc(m.handleInbound))

	if cfg.MulticastGroup != "" {
		group := net.ParseIP(cfg.MulticastGroup)
		if group != nil {
			if err := sock.JoinMulticast(group, cfg.Interface); err != nil {
				level.Debug(m.logger).Log("msg", "failed to join multicast group", "err", err)
			}
		}
	}

	if cfg.UseTOS {
		if err := sock.SetTOS(int(cfg.TOSBits)); err != nil {
			level.Debug(m.logger).Log("msg", "failed to set IP_TOS", "err", err)
		}
	}

	if aw, err := newAddrWatcher(logger); err != nil {
		level.Debug(m.logger).Log("msg", "address watcher unavailable", "err", err)
	} else {
		m.addrWatcher = aw
	}

	return m, nil
}

// dispatchFunc adapts a plain function to the dispatchTarget interface.
type dispatchFunc func(h Header, ext *ExtendedHeader, body packet, raw, digest []byte, from *net.UDPAddr)

func (f dispatchFunc) handleInbound(h Header, ext *ExtendedHeader, body packet, raw, digest []byte, from *net.UDPAddr) {
	f(h, ext, body, raw, digest, from)
}

// Run drives the channel master's supervised workers until ctx is
// cancelled: the link multiplexer's receive loop, the membership/
// configuration worker, the persistence writer, the aggregation/bandwidth
// timer, the segmentation timer, and, when one could be opened, the local
// address watcher.
func (m *Master) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	g.Go(func() error {
		<-ctx.Done()
		close(stop)
		return nil
	})

	g.Go(func() error {
		return m.mux.Run(stop)
	})

	g.Go(func() error {
		return m.workerLoop(ctx)
	})

	if m.persist != nil {
		g.Go(func() error {
			return m.persist.Run(ctx)
		})
	}

	g.Go(func() error {
		return m.aggregationLoop(ctx)
	})

	g.Go(func() error {
		return m.segmentationLoop(ctx)
	})

	if m.addrWatcher != nil {
		g.Go(func() error {
			return m.addrWatcher.Run(stop, func() { m.scheduleWork(workSetLink) })
		})
	}

	m.scheduleWork(workReadPersist | workSendDevRegister | workRequestInfo)

	return g.Wait()
}

// Close releases the channel's socket. Callers should cancel the context
// passed to Run and wait for it to return before calling Close.
func (m *Master) Close() error {
	if m.addrWatcher != nil {
		_ = m.addrWatcher.Close()
	}
	return m.sock.Close()
}

// scheduleWork ORs bits into the pending work mask and wakes the worker.
func (m *Master) scheduleWork(bits workBit) {
	m.mu.Lock()
	m.work |= bits
	m.mu.Unlock()
	select {
	case m.workCh <- struct{}{}:
	default:
	}
}

// workerLoop is the bitmask-driven worker: each wake processes every bit
// currently set and clears it, per spec.md §4.5.
func (m *Master) workerLoop(ctx context.Context) error {
	ticker := time.NewTicker(requestRetrySpacing)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.workCh:
			m.processWork()
		case <-ticker.C:
			m.checkVersionNegotiation()
			m.retryPendingRequests()
		}
	}
}

func (m *Master) processWork() {
	m.mu.Lock()
	bits := m.work
	m.work = 0
	m.mu.Unlock()

	if bits&workReadPersist != 0 && m.persist != nil {
		if state, err := m.persist.Load(); err == nil && state != nil {
			m.applyPersistedState(state)
		}
	}
	if bits&workSendDevRegister != 0 {
		m.sendDevRegister()
	}
	if bits&workRequestInfo != 0 {
		m.requestChanMembers()
	}
	if bits&workSendChanRouting != 0 {
		m.sendChanRoutingIfDue()
	}
	if bits&workWritePersist != 0 && m.persist != nil {
		m.persist.Schedule(m.snapshotState())
	}
	if bits&workSetLink != 0 {
		// Interface address changes trigger a fresh DEV_REGISTER; the link
		// multiplexer's set of local addresses, captured when it was
		// created, is not refreshed.
		m.sendDevRegister()
	}
}

func (m *Master) applyPersistedState(s *persistedState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members = s.Members
	m.version = s.Version
	m.routing = s.Routing
	m.sessionID = s.SessionID
	m.lastKnownCSHost = s.LastKnownCSHost
	m.lastKnownCSPort = s.LastKnownCSPort
}

func (m *Master) snapshotState() *persistedState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &persistedState{
		DateTime:  m.clock.NowDateTime(),
		SessionID: m.sessionID,

		Members: m.members,
		Version: m.version,
		Routing: m.routing,

		LocalAddr: m.cfg.Local,
		CSAddr:    m.cfg.CSAddr,
		NTP1Addr:  m.cfg.NTP1Addr,
		NTP2Addr:  m.cfg.NTP2Addr,
		NATAddr:   m.cfg.NATAddr,

		Aggregate:    m.cfg.Aggregate,
		BWLimit:      m.cfg.BWLimit,
		Reorder:      m.cfg.Reorder,
		Authenticate: m.cfg.Authenticate,
		EIA852Strict: m.cfg.EIA852Strict,

		Secret:     m.cfg.Secret,
		DeviceName: m.cfg.DeviceName,

		LastKnownCSHost: m.lastKnownCSHost,
		LastKnownCSPort: m.lastKnownCSPort,
	}
}

// --- outbound control traffic to the configuration server ---

func (m *Master) sendToCS(h Header, body packet) {
	h.VendorCode = m.cfg.VendorCode
	h.AuthFlag = m.cfg.Authenticate
	encoded, err := EncodePacket(h, nil, body)
	if err != nil {
		level.Debug(m.logger).Log("msg", "failed to encode outbound control packet", "err", err)
		return
	}
	if m.cfg.Authenticate {
		encoded = signPacket(h.Version, m.cfg.Secret, encoded)
	}
	if err := m.mux.Send(m.csAddr, encoded); err != nil {
		level.Debug(m.logger).Log("msg", "send to configuration server failed", "err", err)
	}
}

func (m *Master) sendDevRegister() {
	m.mu.Lock()
	version := m.version
	if version == ProtocolUnknown {
		version = ProtocolV2Current
	}
	m.mu.Unlock()

	local := m.sock.LocalAddr()
	var localIP [4]byte
	if ip4 := local.IP.To4(); ip4 != nil {
		copy(localIP[:], ip4)
	}

	p := &DevRegisterPacket{
		LocalIP:             localIP,
		LocalPort:           uint16(local.Port),
		EIA852AuthSupported: true,
		ChannelTimeoutMs:    uint32(m.cfg.ChannelTimeout.Milliseconds()),
		DeviceName:          m.cfg.DeviceName,
	}
	m.sendToCS(Header{Version: version, Type: packetTypeDevRegister}, p)
}

func (m *Master) requestChanMembers() {
	now := time.Now()
	m.mu.Lock()
	m.outReqID++
	id := m.outReqID
	m.pendingReqs[id] = &pendingRequest{kind: ReqKindChanMembers, lastSent: now}
	version := m.version
	if version == ProtocolUnknown {
		version = ProtocolV2Current
	}
	m.mu.Unlock()

	// A reply to REQ_INFO may arrive segmented; the receiver must already
	// be expecting this request id before the first SEGMENT for it shows
	// up, or Accept rejects every fragment as unsolicited.
	m.segReceiver.BeginExpecting(id, ReqKindChanMembers, now)

	req := &ReqInfoPacket{Kind: ReqKindChanMembers, RequestID: id, Reason: reqReasonAll}
	m.sendToCS(Header{Version: version, Type: packetTypeReqInfo}, req)
}

func (m *Master) retryPendingRequests() {
	now := time.Now()
	m.mu.Lock()
	var toSend []*ReqInfoPacket
	var toDrop []uint16
	for id, pr := range m.pendingReqs {
		if time.Since(pr.lastSent) < requestRetrySpacing {
			continue
		}
		if pr.attempts >= requestRetryCount {
			toDrop = append(toDrop, id)
			continue
		}
		pr.attempts++
		pr.lastSent = now
		toSend = append(toSend, &ReqInfoPacket{Kind: pr.kind, RequestID: id, Reason: reqReasonAll})
	}
	for _, id := range toDrop {
		delete(m.pendingReqs, id)
	}
	version := m.version
	if version == ProtocolUnknown {
		version = ProtocolV2Current
	}
	m.mu.Unlock()

	for _, req := range toSend {
		// Re-register the expectation on every retransmit: the prior
		// attempt's reassembly window may already have timed out and been
		// swept by segmentationLoop.
		m.segReceiver.BeginExpecting(req.RequestID, req.Kind, now)
		m.sendToCS(Header{Version: version, Type: packetTypeReqInfo}, req)
	}
}

func (m *Master) sendChanRoutingIfDue() {
	m.mu.Lock()
	if time.Since(m.lastChanRoute) < chanRoutingHoldDown {
		m.mu.Unlock()
		m.scheduleWork(workSendChanRouting)
		return
	}
	m.lastChanRoute = time.Now()
	routing := m.routing
	version := m.version
	if version == ProtocolUnknown {
		version = ProtocolV2Current
	}
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	p := &ChanRoutingPacket{DateTime: m.clock.NowDateTime(), Routing: routing}
	m.sendToCS(Header{Version: version, Type: packetTypeChanRouting}, p)

	// The configuration server isn't the only one that needs to learn a
	// routing change: every channel member routes on it too.
	m.broadcastChanRouting(version, p, clients)
}

// broadcastChanRouting sends a CHN_ROUTING packet directly to every live
// peer client, independent of (and in addition to) the copy sent to the
// configuration server above.
func (m *Master) broadcastChanRouting(version ProtocolVersion, p *ChanRoutingPacket, clients []*Client) {
	h := Header{Version: version, Type: packetTypeChanRouting, VendorCode: m.cfg.VendorCode, AuthFlag: m.cfg.Authenticate}
	encoded, err := EncodePacket(h, nil, p)
	if err != nil {
		level.Debug(m.logger).Log("msg", "failed to encode channel routing broadcast", "err", err)
		return
	}
	for _, c := range clients {
		datagram := encoded
		if m.cfg.Authenticate {
			datagram = signPacket(h.Version, c.cfg.Secret, append([]byte(nil), encoded...))
		}
		if err := m.mux.Send(c.cfg.Addr, datagram); err != nil {
			level.Debug(m.logger).Log("msg", "send channel routing to peer failed", "peer", c.cfg.Addr, "err", err)
		}
	}
}

// --- inbound handling from the configuration server ---

func (m *Master) handleInbound(h Header, ext *ExtendedHeader, body packet, raw, digest []byte, from *net.UDPAddr) {
	if m.cfg.Authenticate || h.AuthFlag {
		if digest == nil {
			m.stats.incAuthFailures()
			return
		}
		signed := append(append([]byte{}, raw...), digest...)
		ok, usedAlt := verifyPacket(h.Version, m.cfg.Secret, signed)
		if !ok {
			m.stats.incAuthFailures()
			return
		}
		if usedAlt {
			m.stats.incAltAuthUsed()
		}
	}

	switch p := body.(type) {
	case *ChanMembersPacket:
		m.onChanMembers(p)
	case *DevConfigurePacket:
		m.onDevConfigure(p)
	case *ResponsePacket:
		m.onResponse(p)
	case *SegmentPacket:
		m.onSegment(p)
	case *EchGenericPacket:
		if p.Type == packetTypeEchMode {
			m.onEchMode(h, p)
		}
	default:
		level.Debug(m.logger).Log("msg", "unhandled control packet at master", "type", h.Type)
	}
}

// checkVersionNegotiation drives the ECH_MODE_REQ/ECH_MODE handshake: on
// the first call with no version yet negotiated it sends the probe; once
// modeCheckWindow has passed with no reply, the configuration server is
// taken to be legacy (v1), which never answers ECH_MODE_REQ at all.
func (m *Master) checkVersionNegotiation() {
	m.mu.Lock()
	if m.version != ProtocolUnknown {
		m.mu.Unlock()
		return
	}
	if !m.modeReqSent {
		m.modeReqSent = true
		m.modeReqAt = time.Now()
		m.mu.Unlock()
		m.sendModeRequest()
		return
	}
	expired := time.Since(m.modeReqAt) >= modeCheckWindow
	m.mu.Unlock()

	if expired {
		m.mu.Lock()
		if m.version == ProtocolUnknown {
			m.version = ProtocolV1Legacy
		}
		m.mu.Unlock()
	}
}

func (m *Master) sendModeRequest() {
	body := &EchGenericPacket{Type: packetTypeEchModeReq, Body: []byte{byte(ProtocolV2Current)}}
	m.sendToCS(Header{Version: ProtocolV2Current, VendorPrivate: true, Type: packetTypeEchModeReq}, body)
}

// onEchMode commits to the version the configuration server actually
// declared in its ECH_MODE reply, rather than trusting whatever version
// byte happened to be on some unrelated inbound packet's header.
func (m *Master) onEchMode(h Header, p *EchGenericPacket) {
	version := h.Version
	if len(p.Body) > 0 {
		if v := ProtocolVersion(p.Body[0]); v == ProtocolV1Legacy || v == ProtocolV2Current {
			version = v
		}
	}
	m.mu.Lock()
	m.version = version
	m.modeReqSent = false
	m.mu.Unlock()
}

func (m *Master) onChanMembers(p *ChanMembersPacket) {
	m.mu.Lock()
	if len(p.Members) > maxMemberCount {
		p.Members = p.Members[:maxMemberCount]
	}
	m.members = p.Members
	m.mu.Unlock()

	m.reconcileClients(p.Members)
	m.scheduleWork(workWritePersist)
}

func (m *Master) onDevConfigure(p *DevConfigurePacket) {
	m.mu.Lock()
	m.devRegSent = true
	m.mu.Unlock()
}

func (m *Master) onResponse(p *ResponsePacket) {
	if p.Code == ResponseAck {
		m.mu.Lock()
		delete(m.pendingReqs, p.RequestID)
		m.mu.Unlock()
		m.segSender.HandleAck(p.RequestID)
	}
}

func (m *Master) onSegment(p *SegmentPacket) {
	complete, body, err := m.segReceiver.Accept(p, time.Now())
	if err != nil {
		level.Debug(m.logger).Log("msg", "segment reassembly error", "err", err)
		m.stats.incSegmentsDiscarded()
		return
	}
	if !complete {
		return
	}
	switch b := body.(type) {
	case *ChanMembersPacket:
		m.onChanMembers(b)
	}
}

// reconcileClients brings the live Client set in line with the membership
// table: new members get a Client, members no longer present are stopped
// and unregistered.
func (m *Master) reconcileClients(members []MemberEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(members))
	for _, mem := range members {
		addr := &net.UDPAddr{IP: net.IP(mem.IP[:]), Port: int(mem.Port)}
		key := addr.String()
		seen[key] = true
		if _, ok := m.clients[key]; ok {
			continue
		}

		cfg := ClientConfig{
			Addr:            addr,
			Secret:          m.cfg.Secret,
			Authenticate:    m.cfg.Authenticate,
			Version:         m.version,
			VendorCode:      m.cfg.VendorCode,
			Aggregate:       m.cfg.Aggregate,
			AggregateWindow: m.cfg.AggregateWindow,
			BWLimit:         m.cfg.BWLimit,
			Reorder:         m.cfg.Reorder,
			ReorderEscrow:   m.cfg.ReorderEscrow,
			StalenessLimit:  m.cfg.ChannelTimeout / 2,
			ChannelTimeout:  m.cfg.ChannelTimeout,
		}
		c := NewClient(cfg, m.mux, m.lre, m.clock, m.stats, m.logger)
		m.clients[key] = c
		m.mux.Register(addr, nil, c)
	}

	for key, c := range m.clients {
		if !seen[key] {
			c.Stop()
			m.mux.Unregister(c.cfg.Addr, nil)
			delete(m.clients, key)
		}
	}
}

// aggregationLoop flushes every client's queued frames on a fixed tick,
// the shared timer for the per-peer aggregation/bandwidth window.
func (m *Master) aggregationLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.AggregateWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			m.mu.Lock()
			clients := make([]*Client, 0, len(m.clients))
			for _, c := range m.clients {
				clients = append(clients, c)
			}
			m.mu.Unlock()
			for _, c := range clients {
				c.Flush(now)
			}
		}
	}
}

// segmentationLoop drives the segmentation engine's retransmit/timeout
// scan for traffic exchanged with the configuration server.
func (m *Master) segmentationLoop(ctx context.Context) error {
	ticker := time.NewTicker(segmentScanPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, id := range m.segSender.Scan(now) {
				level.Debug(m.logger).Log("msg", "abandoned outbound segmented transfer", "request_id", id)
				m.stats.incSegmentsDiscarded()
			}
			for _, id := range m.segReceiver.Scan(now) {
				level.Debug(m.logger).Log("msg", "abandoned inbound segmented transfer", "request_id", id)
				m.stats.incSegmentsDiscarded()
			}
		}
	}
}

// StatsSnapshot returns the channel-wide counters.
func (m *Master) StatsSnapshot() StatCounters {
	return m.stats.Snapshot()
}

// Broadcast hands frame to every peer client currently on the channel,
// for delivery onward as an outbound DATA packet. The LRE calls this to
// fan a frame received from elsewhere (another channel, a native link
// adapter) out across the IP channel's membership.
func (m *Master) Broadcast(frame LonTalkFrame, priority Priority) {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()
	for _, c := range clients {
		c.AcceptOutbound(frame, priority)
	}
}
