package ipchannel

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Segmentation splits a control packet whose body exceeds maxSegmentPayload
// into a series of SEGMENT packets, and reassembles them at the far end.
// The request that caused the oversized reply (a REQ_INFO of some Kind)
// supplies the RequestID segments are keyed on, and the receiver already
// knows which kind of control packet it asked for, so a SEGMENT packet
// itself carries no packet-type information.
//
// The sender holds "the ball" for a request from the moment it sends the
// first burst of segments until the receiver either acknowledges the
// whole transfer (RESPONSE/Ack) or the request is abandoned. While it
// holds the ball it retransmits the final segment every
// segmentRetransTimeout, unless the receiver instead asks for specific
// missing segments (REQ_INFO{Kind: ReqKindSegment}), in which case it
// retransmits only those. A request with no activity for
// segmentQuietTimeout, or any activity at all past segmentBusyTimeout
// from when it started, is abandoned.

func kindToPacketType(k reqKind) (packetType, error) {
	switch k {
	case ReqKindChanMembers:
		return packetTypeChanMembers, nil
	case ReqKindChanRouting:
		return packetTypeChanRouting, nil
	case ReqKindDevResponse:
		return packetTypeDevConfigure, nil
	case ReqKindCSType:
		return packetTypeEchConfig, nil
	}
	return 0, fmt.Errorf("request kind %d does not name a reassemblable control packet", k)
}

func segmentCount(bodyLen int) int {
	n := (bodyLen + maxSegmentPayload - 1) / maxSegmentPayload
	if n == 0 {
		n = 1
	}
	return n
}

// splitIntoSegments breaks body into ordered fragments no longer than
// maxSegmentPayload each.
func splitIntoSegments(body []byte) [][]byte {
	n := segmentCount(len(body))
	frags := make([][]byte, 0, n)
	for i := 0; i < len(body); i += maxSegmentPayload {
		end := i + maxSegmentPayload
		if end > len(body) {
			end = len(body)
		}
		frags = append(frags, body[i:end])
	}
	if len(frags) == 0 {
		frags = append(frags, nil)
	}
	return frags
}

type outboundTransfer struct {
	requestID  uint16
	dateTime   uint32
	fragments  [][]byte
	createdAt  time.Time
	lastSent   time.Time
	lastActive time.Time
	onlySegID  *uint8 // non-nil once the receiver asks for a specific missing segment
}

// segmentSender drives the sending side of a segmented control-packet
// transfer. Every method takes mu, so it is safe for concurrent use.
type segmentSender struct {
	mu      sync.Mutex
	send    func(SegmentPacket)
	pending map[uint16]*outboundTransfer
}

func newSegmentSender(send func(SegmentPacket)) *segmentSender {
	return &segmentSender{send: send, pending: make(map[uint16]*outboundTransfer)}
}

// Begin starts a segmented transfer for body under requestID, sending the
// full initial burst immediately. If len(body) fits in a single segment it
// is still segmented as a one-segment transfer: callers needing the
// unsegmented fast path should check maxSegmentPayload before calling in.
func (s *segmentSender) Begin(requestID uint16, dateTime uint32, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	t := &outboundTransfer{
		requestID:  requestID,
		dateTime:   dateTime,
		fragments:  splitIntoSegments(body),
		createdAt:  now,
		lastSent:   now,
		lastActive: now,
	}
	if len(t.fragments) > maxSegments {
		t.fragments = t.fragments[:maxSegments]
	}
	s.pending[requestID] = t

	for i, frag := range t.fragments {
		s.send(s.buildSegment(t, uint8(i), frag))
	}
}

func (s *segmentSender) buildSegment(t *outboundTransfer, id uint8, frag []byte) SegmentPacket {
	flags := uint8(segFlagValid)
	if int(id) == len(t.fragments)-1 {
		flags |= segFlagFinal
	}
	return SegmentPacket{
		RequestID: t.requestID,
		SegmentID: id,
		DateTime:  t.dateTime,
		Flags:     flags,
		Fragment:  frag,
	}
}

// HandleAck completes and discards a transfer once the receiver
// acknowledges it in full.
func (s *segmentSender) HandleAck(requestID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, requestID)
}

// HandleSegmentRequest retransmits one missing segment of an in-progress
// transfer, narrowing future retransmits to that segment alone.
func (s *segmentSender) HandleSegmentRequest(requestID uint16, segmentID uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.pending[requestID]
	if !ok || int(segmentID) >= len(t.fragments) {
		return
	}
	id := segmentID
	t.onlySegID = &id
	t.lastActive = time.Now()
	t.lastSent = t.lastActive
	s.send(s.buildSegment(t, segmentID, t.fragments[segmentID]))
}

// Scan retransmits anything due and abandons anything past its timeout,
// returning the request IDs abandoned this call.
func (s *segmentSender) Scan(now time.Time) []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var abandoned []uint16
	for id, t := range s.pending {
		if now.Sub(t.createdAt) >= segmentBusyTimeout || now.Sub(t.lastActive) >= segmentQuietTimeout {
			abandoned = append(abandoned, id)
			delete(s.pending, id)
			continue
		}
		if now.Sub(t.lastSent) >= segmentRetransTimeout {
			if t.onlySegID != nil {
				s.send(s.buildSegment(t, *t.onlySegID, t.fragments[*t.onlySegID]))
			} else {
				last := uint8(len(t.fragments) - 1)
				s.send(s.buildSegment(t, last, t.fragments[last]))
			}
			t.lastSent = now
		}
	}
	return abandoned
}

type inboundTransfer struct {
	kind       reqKind
	fragments  map[uint8][]byte
	final      *uint8
	dateTime   uint32
	createdAt  time.Time
	lastActive time.Time
}

// segmentReceiver reassembles inbound segmented transfers the caller
// itself requested. The caller must call BeginExpecting before segments
// for a RequestID can be accepted.
type segmentReceiver struct {
	mu      sync.Mutex
	pending map[uint16]*inboundTransfer
}

func newSegmentReceiver() *segmentReceiver {
	return &segmentReceiver{pending: make(map[uint16]*inboundTransfer)}
}

// BeginExpecting registers that requestID's reply, once reassembled,
// should be decoded as the control packet kind names.
func (r *segmentReceiver) BeginExpecting(requestID uint16, kind reqKind, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[requestID] = &inboundTransfer{
		kind:       kind,
		fragments:  make(map[uint8][]byte),
		createdAt:  now,
		lastActive: now,
	}
}

// Accept stores one segment and, once every fragment of a final-flagged
// transfer has arrived, reassembles and decodes the complete body.
func (r *segmentReceiver) Accept(seg *SegmentPacket, now time.Time) (complete bool, body packet, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.pending[seg.RequestID]
	if !ok {
		return false, nil, fmt.Errorf("segment for unexpected request id %d", seg.RequestID)
	}
	if !seg.IsValid() {
		return false, nil, fmt.Errorf("segment %d of request %d marked invalid", seg.SegmentID, seg.RequestID)
	}

	t.lastActive = now
	t.fragments[seg.SegmentID] = seg.Fragment
	if seg.IsFinal() {
		id := seg.SegmentID
		t.final = &id
	}

	if t.final == nil {
		return false, nil, nil
	}
	for i := uint8(0); i <= *t.final; i++ {
		if _, ok := t.fragments[i]; !ok {
			return false, nil, nil
		}
	}

	full := make([]byte, 0, maxControlPayload)
	for i := uint8(0); i <= *t.final; i++ {
		full = append(full, t.fragments[i]...)
	}

	pt, kerr := kindToPacketType(t.kind)
	if kerr != nil {
		delete(r.pending, seg.RequestID)
		return false, nil, kerr
	}
	decoded, derr := decodeBody(pt, full)
	if derr != nil {
		delete(r.pending, seg.RequestID)
		return false, nil, derr
	}

	delete(r.pending, seg.RequestID)
	return true, decoded, nil
}

// MissingSegments returns the gaps in a still-incomplete transfer, in
// ascending order, for building a REQ_INFO{Kind: ReqKindSegment} gap-fill
// request per segment. If the final segment has not yet been seen, the
// upper bound of what might be missing is unknown and this returns nil.
func (r *segmentReceiver) MissingSegments(requestID uint16) []uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.pending[requestID]
	if !ok || t.final == nil {
		return nil
	}
	var missing []uint8
	for i := uint8(0); i <= *t.final; i++ {
		if _, ok := t.fragments[i]; !ok {
			missing = append(missing, i)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

// Scan abandons any inbound transfer that has gone quiet or overrun the
// busy cap, returning the request IDs abandoned this call.
func (r *segmentReceiver) Scan(now time.Time) []uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var abandoned []uint16
	for id, t := range r.pending {
		if now.Sub(t.createdAt) >= segmentBusyTimeout || now.Sub(t.lastActive) >= segmentQuietTimeout {
			abandoned = append(abandoned, id)
			delete(r.pending, id)
		}
	}
	return abandoned
}
