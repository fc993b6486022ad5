package ipchannel

import (
	"net"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// ClientConfig configures the per-peer policy a Client applies to one
// channel member's traffic.
type ClientConfig struct {
	Addr         *net.UDPAddr
	DeviceID     []byte
	Secret       Secret
	Authenticate bool
	Version      ProtocolVersion
	VendorCode   uint16

	Aggregate       bool
	AggregateWindow time.Duration
	BWLimit         bool
	Reorder         bool
	ReorderEscrow   time.Duration
	StalenessLimit  time.Duration
	ChannelTimeout  time.Duration // inbound DATA frames older than this are discarded

	LocalExt *ExtendedHeader // only set for ProtocolV2Current peers
}

type queuedFrame struct {
	frame    LonTalkFrame
	priority Priority
	queuedAt time.Time
}

type escrowedFrame struct {
	frame    LonTalkFrame
	priority Priority
	arrived  time.Time
}

// datagramSender is the subset of linkMux a Client needs in order to
// transmit. Narrowing it to an interface lets tests substitute a recorder
// without standing up a real socket.
type datagramSender interface {
	Send(addr *net.UDPAddr, datagram []byte) error
}

// Client is the per-peer engine: it applies aggregation, bandwidth
// limiting, sequencing, reordering and authentication to one channel
// member's traffic, in both directions. It implements PeerClient (for the
// LRE) and dispatchTarget (for the link multiplexer).
type Client struct {
	cfg    ClientConfig
	mux    datagramSender
	lre    LRE
	clock  ClockSource
	stats  *statCounters
	logger log.Logger

	mu sync.Mutex

	state *fsm

	session uint32
	outSeq  uint32

	pending []queuedFrame

	bwTokens     int
	bwLastRefill time.Time

	inSession  uint32
	haveInSess bool
	inSeq      uint32
	haveInSeq  bool
	escrow     map[uint32]escrowedFrame

	routing ChannelRouting
}

func newClientFSM() *fsm {
	return &fsm{
		current: "idle",
		table: []eventDesc{
			{from: "idle", to: "bound", events: []string{"bind"}},
			{from: "bound", to: "transmitting", events: []string{"transmit"}},
			{from: "transmitting", to: "bound", events: []string{"quiesce"}},
			{from: "bound", to: "stopped", events: []string{"stop"}},
			{from: "transmitting", to: "stopped", events: []string{"stop"}},
			{from: "idle", to: "stopped", events: []string{"stop"}},
		},
	}
}

// NewClient creates a Client bound to one channel member.
func NewClient(cfg ClientConfig, mux datagramSender, lre LRE, clock ClockSource, stats *statCounters, logger log.Logger) *Client {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.StalenessLimit == 0 {
		cfg.StalenessLimit = 2 * time.Second
	}
	if cfg.ChannelTimeout == 0 {
		cfg.ChannelTimeout = 1500 * time.Millisecond
	}
	c := &Client{
		cfg:    cfg,
		mux:    mux,
		lre:    lre,
		clock:  clock,
		stats:  stats,
		logger: log.With(logger, "component", "client", "peer", cfg.Addr),
		state:  newClientFSM(),
		escrow: make(map[uint32]escrowedFrame),
	}
	c.bwTokens = bwLimitSlotsPerSecond
	c.bwLastRefill = time.Now()
	_ = c.state.handleEvent("bind")
	return c
}

// --- PeerClient ---

// AcceptOutbound queues a frame from the LRE for transmission. If
// aggregation is disabled the frame is flushed immediately.
func (c *Client) AcceptOutbound(frame LonTalkFrame, priority Priority) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = append(c.pending, queuedFrame{frame: frame, priority: priority, queuedAt: time.Now()})
	if !c.cfg.Aggregate {
		c.flushLocked()
	}
}

// Route returns the peer's last-announced channel-routing descriptor.
func (c *Client) Route() ChannelRouting {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.routing
}

// Address reports this client's LonTalk addressing tuple as known to the
// LRE. Full subnet/node and domain tracking lives with the routing
// descriptor; this only surfaces the peer's declared unique id.
func (c *Client) Address() (domain []byte, subnetNode uint8, uniqueID []byte) {
	return nil, 0, c.cfg.DeviceID
}

// --- outbound ---

// Flush is called periodically (every AggregateWindow) by the owning
// Master to drain queued frames into datagrams.
func (c *Client) Flush(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

func (c *Client) dropStaleLocked(now time.Time) {
	kept := c.pending[:0]
	for _, qf := range c.pending {
		if now.Sub(qf.queuedAt) > c.cfg.StalenessLimit {
			c.stats.incDropped()
			continue
		}
		kept = append(kept, qf)
	}
	c.pending = kept
}

// isStaleLocked reports whether an inbound DATA frame timestamped ts is
// older than the channel timeout, comparing monotonic millisecond ticks
// wraparound-safely the same way sequence numbers are.
func (c *Client) isStaleLocked(ts uint32) bool {
	age := int32(c.clock.NowMs() - ts)
	return age > int32(c.cfg.ChannelTimeout.Milliseconds())
}

func (c *Client) refillBWLocked(now time.Time) {
	if now.Sub(c.bwLastRefill) >= time.Second {
		c.bwTokens = bwLimitSlotsPerSecond
		c.bwLastRefill = now
	}
}

func (c *Client) flushLocked() {
	now := time.Now()
	c.dropStaleLocked(now)
	if len(c.pending) == 0 {
		return
	}

	if c.cfg.BWLimit {
		c.refillBWLocked(now)
		if c.bwTokens <= 0 {
			return
		}
	}

	for len(c.pending) > 0 {
		if c.cfg.BWLimit && c.bwTokens <= 0 {
			return
		}
		datagram, consumed := c.buildDatagramLocked(c.pending)
		if consumed == 0 {
			return
		}
		if datagram != nil {
			if err := c.mux.Send(c.cfg.Addr, datagram); err != nil {
				level.Debug(c.logger).Log("msg", "send failed", "err", err)
			} else {
				_ = c.state.handleEvent("transmit")
				if c.cfg.BWLimit {
					c.bwTokens--
				}
			}
		}
		c.pending = c.pending[consumed:]
	}
}

// buildDatagramLocked packs as many leading frames as fit under
// udpMaxPktLen into one aggregated datagram, returning the bytes to send
// and how many frames were consumed from frames.
func (c *Client) buildDatagramLocked(frames []queuedFrame) (datagram []byte, consumed int) {
	var pieces [][]byte
	size := 0

	for consumed < len(frames) {
		piece, err := c.encodeDataFrameLocked(frames[consumed].frame)
		if err != nil {
			level.Debug(c.logger).Log("msg", "failed to encode outbound frame", "err", err)
			consumed++
			continue
		}
		if consumed > 0 && size+len(piece) > udpMaxPktLen {
			break
		}
		pieces = append(pieces, piece)
		size += len(piece)
		consumed++
		if size > udpMaxPktLen {
			break
		}
	}

	if len(pieces) == 0 {
		return nil, consumed
	}

	all := joinBytes(pieces)
	if !c.cfg.Authenticate {
		return all, consumed
	}

	digest := digestFor(c.cfg.Version, c.cfg.Secret, all)
	// Per the wire format's odd authentication placement: the digest sits
	// immediately after the first frame, not after the whole datagram.
	out := make([]byte, 0, len(all)+authDigestLen)
	out = append(out, pieces[0]...)
	out = append(out, digest[:]...)
	for _, p := range pieces[1:] {
		out = append(out, p...)
	}
	return out, consumed
}

func joinBytes(pieces [][]byte) []byte {
	total := 0
	for _, p := range pieces {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range pieces {
		out = append(out, p...)
	}
	return out
}

func (c *Client) encodeDataFrameLocked(frame LonTalkFrame) ([]byte, error) {
	c.outSeq++
	h := Header{
		Version:    c.cfg.Version,
		Type:       packetTypeData,
		AuthFlag:   c.cfg.Authenticate,
		VendorCode: c.cfg.VendorCode,
		Session:    c.session,
		Sequence:   c.outSeq,
		Timestamp:  c.clock.NowMs(),
	}
	framed := appendLonTalkCRC(frame)
	return EncodePacket(h, c.cfg.LocalExt, &DataPacket{Frame: framed})
}

// --- dispatchTarget / inbound ---

func (c *Client) handleInbound(h Header, ext *ExtendedHeader, body packet, raw, digest []byte, from *net.UDPAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h.AuthFlag || c.cfg.Authenticate {
		if digest == nil {
			c.stats.incAuthFailures()
			level.Debug(c.logger).Log("msg", "missing authentication digest")
			return
		}
		signed := append(append([]byte{}, raw...), digest...)
		ok, usedAlt := verifyPacket(h.Version, c.cfg.Secret, signed)
		if !ok {
			c.stats.incAuthFailures()
			level.Debug(c.logger).Log("msg", "authentication failed", "from", from)
			return
		}
		if usedAlt {
			c.stats.incAltAuthUsed()
		}
	}

	switch p := body.(type) {
	case *DataPacket:
		c.handleDataLocked(h, p)
	case *ChanRoutingPacket:
		c.routing = p.Routing
	default:
		level.Debug(c.logger).Log("msg", "unhandled control packet at client", "type", h.Type)
	}
}

func (c *Client) handleDataLocked(h Header, p *DataPacket) {
	if c.isStaleLocked(h.Timestamp) {
		c.stats.incDropped()
		return
	}

	frame, ok := verifyLonTalkCRC(p.Frame)
	if !ok {
		c.stats.incCrcErrors()
		if c.lre != nil && c.lre.NeedsValidCRC() {
			return
		}
	}

	if !c.haveInSess || h.Session != c.inSession {
		c.inSession = h.Session
		c.haveInSess = true
		c.haveInSeq = false
		c.escrow = make(map[uint32]escrowedFrame)
	}

	if !c.cfg.Reorder {
		c.deliver(frame, PriorityNormal)
		return
	}

	c.acceptSequencedLocked(h.Sequence, frame)
}

func (c *Client) acceptSequencedLocked(seq uint32, frame LonTalkFrame) {
	if !c.haveInSeq {
		c.inSeq = seq
		c.haveInSeq = true
		c.deliver(frame, PriorityNormal)
		c.drainEscrowLocked()
		return
	}

	switch {
	case seq == c.inSeq || sequenceLessOrEqual(seq, c.inSeq):
		c.stats.incDuplicates()
	case seq == c.inSeq+1:
		c.inSeq = seq
		c.deliver(frame, PriorityNormal)
		c.drainEscrowLocked()
	default:
		c.escrow[seq] = escrowedFrame{frame: frame, priority: PriorityNormal, arrived: time.Now()}
		c.evictStaleEscrowLocked()
	}
}

func sequenceLessOrEqual(a, b uint32) bool {
	return int32(a-b) <= 0
}

func (c *Client) drainEscrowLocked() {
	for {
		next := c.inSeq + 1
		ef, ok := c.escrow[next]
		if !ok {
			return
		}
		delete(c.escrow, next)
		c.inSeq = next
		c.deliver(ef.frame, ef.priority)
	}
}

// evictStaleEscrowLocked gives up waiting for a gap once it has sat in
// escrow longer than ReorderEscrow, counting the missing frames as lost
// and jumping the expected sequence forward to the oldest frame we have.
func (c *Client) evictStaleEscrowLocked() {
	if c.cfg.ReorderEscrow == 0 || len(c.escrow) == 0 {
		return
	}
	now := time.Now()
	var oldestSeq uint32
	oldestSet := false
	for seq, ef := range c.escrow {
		if now.Sub(ef.arrived) < c.cfg.ReorderEscrow {
			continue
		}
		if !oldestSet || sequenceLessOrEqual(seq, oldestSeq) {
			oldestSeq = seq
			oldestSet = true
		}
	}
	if !oldestSet {
		return
	}
	lost := oldestSeq - c.inSeq - 1
	if lost > 0 {
		c.stats.incLost(lost)
	}
	c.inSeq = oldestSeq
	c.deliver(c.escrow[oldestSeq].frame, c.escrow[oldestSeq].priority)
	delete(c.escrow, oldestSeq)
	c.drainEscrowLocked()
}

func (c *Client) deliver(frame LonTalkFrame, priority Priority) {
	if c.lre == nil {
		return
	}
	c.lre.RoutePacket(priority, c, frame)
}

// Stop transitions the client to its terminal state.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.state.handleEvent("stop")
}

// StatsSnapshot returns the live counters attributed to this channel.
func (c *Client) StatsSnapshot() StatCounters {
	return c.stats.Snapshot()
}
