package ipchannel

import (
	"net"
	"testing"
	"time"
)

type recordingSender struct {
	datagrams [][]byte
}

func (s *recordingSender) Send(addr *net.UDPAddr, datagram []byte) error {
	s.datagrams = append(s.datagrams, append([]byte{}, datagram...))
	return nil
}

type recordingLRE struct {
	routed []LonTalkFrame
}

func (r *recordingLRE) RoutePacket(priority Priority, client PeerClient, frame LonTalkFrame) {
	r.routed = append(r.routed, frame)
}
func (r *recordingLRE) NeedsAllBroadcasts() bool { return false }
func (r *recordingLRE) NeedsValidCRC() bool      { return true }

func testClient(t *testing.T, cfg ClientConfig) (*Client, *recordingSender, *recordingLRE) {
	t.Helper()
	sender := &recordingSender{}
	lre := &recordingLRE{}
	if cfg.Addr == nil {
		cfg.Addr = &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 1628}
	}
	c := NewClient(cfg, sender, lre, NewFakeClock(0, 0), &statCounters{}, nil)
	return c, sender, lre
}

func TestClientAggregatesUntilFlush(t *testing.T) {
	c, sender, _ := testClient(t, ClientConfig{Aggregate: true, Version: ProtocolV1Legacy})

	c.AcceptOutbound(LonTalkFrame{1, 2, 3}, PriorityNormal)
	c.AcceptOutbound(LonTalkFrame{4, 5, 6}, PriorityNormal)
	if len(sender.datagrams) != 0 {
		t.Fatalf("expected no sends before flush, got %d", len(sender.datagrams))
	}

	c.Flush(time.Now())
	if len(sender.datagrams) != 1 {
		t.Fatalf("expected one aggregated datagram, got %d", len(sender.datagrams))
	}

	datagram := sender.datagrams[0]
	_, _, body1, consumed, err := ParsePacketFrom(datagram)
	if err != nil {
		t.Fatalf("parse first frame: %v", err)
	}
	dp1 := body1.(*DataPacket)
	if frame, ok := verifyLonTalkCRC(dp1.Frame); !ok || string(frame) != string([]byte{1, 2, 3}) {
		t.Fatalf("first frame mismatch: %+v", dp1)
	}

	_, _, body2, _, err := ParsePacketFrom(datagram[consumed:])
	if err != nil {
		t.Fatalf("parse second frame: %v", err)
	}
	dp2 := body2.(*DataPacket)
	if frame, ok := verifyLonTalkCRC(dp2.Frame); !ok || string(frame) != string([]byte{4, 5, 6}) {
		t.Fatalf("second frame mismatch: %+v", dp2)
	}
}

func TestClientSendsImmediatelyWithoutAggregation(t *testing.T) {
	c, sender, _ := testClient(t, ClientConfig{Aggregate: false, Version: ProtocolV1Legacy})
	c.AcceptOutbound(LonTalkFrame{9, 9}, PriorityNormal)
	if len(sender.datagrams) != 1 {
		t.Fatalf("expected immediate send, got %d datagrams", len(sender.datagrams))
	}
}

func TestClientDropsStaleFramesOnFlush(t *testing.T) {
	c, sender, _ := testClient(t, ClientConfig{Aggregate: true, Version: ProtocolV1Legacy, StalenessLimit: time.Millisecond})
	c.AcceptOutbound(LonTalkFrame{1}, PriorityNormal)
	time.Sleep(5 * time.Millisecond)
	c.Flush(time.Now())
	if len(sender.datagrams) != 0 {
		t.Fatalf("expected stale frame to be dropped, got %d datagrams", len(sender.datagrams))
	}
}

func TestClientAuthenticatesOutboundDatagram(t *testing.T) {
	secret := testSecret()
	c, sender, _ := testClient(t, ClientConfig{
		Aggregate:    true,
		Version:      ProtocolV2Current,
		Authenticate: true,
		Secret:       secret,
	})
	c.AcceptOutbound(LonTalkFrame{1, 2}, PriorityNormal)
	c.AcceptOutbound(LonTalkFrame{3, 4}, PriorityNormal)
	c.Flush(time.Now())

	if len(sender.datagrams) != 1 {
		t.Fatalf("expected one datagram, got %d", len(sender.datagrams))
	}
	datagram := sender.datagrams[0]

	h, _, _, consumed, err := ParsePacketFrom(datagram)
	if err != nil {
		t.Fatalf("parse first frame: %v", err)
	}
	if !h.AuthFlag {
		t.Fatal("expected auth flag set on first frame")
	}
	rest := datagram[consumed:]
	if len(rest) < authDigestLen {
		t.Fatalf("datagram too short to hold a digest after frame 1: %d bytes remain", len(rest))
	}
}

func TestClientInboundCRCFailureDropsFrame(t *testing.T) {
	c, _, lre := testClient(t, ClientConfig{Version: ProtocolV1Legacy})

	framed := appendLonTalkCRC([]byte{1, 2, 3})
	framed[0] ^= 0xff // corrupt the frame so the CRC no longer matches

	h := Header{Version: ProtocolV1Legacy, Type: packetTypeData, Session: 1, Sequence: 1}
	c.handleInbound(h, nil, &DataPacket{Frame: framed}, nil, nil, c.cfg.Addr)

	if len(lre.routed) != 0 {
		t.Fatalf("expected CRC failure to suppress delivery, got %d routed frames", len(lre.routed))
	}
}

func TestClientInboundReordersAndFillsGaps(t *testing.T) {
	c, _, lre := testClient(t, ClientConfig{Version: ProtocolV1Legacy, Reorder: true, ReorderEscrow: time.Second})

	send := func(seq uint32, payload byte) {
		framed := appendLonTalkCRC([]byte{payload})
		h := Header{Version: ProtocolV1Legacy, Type: packetTypeData, Session: 1, Sequence: seq}
		c.handleInbound(h, nil, &DataPacket{Frame: framed}, nil, nil, c.cfg.Addr)
	}

	send(1, 0xAA)
	send(3, 0xCC) // arrives early, should be escrowed
	if len(lre.routed) != 1 {
		t.Fatalf("expected only seq 1 delivered so far, got %d", len(lre.routed))
	}
	send(2, 0xBB) // fills the gap, should release both 2 and 3
	if len(lre.routed) != 3 {
		t.Fatalf("expected all three frames delivered in order, got %d", len(lre.routed))
	}
	want := []byte{0xAA, 0xBB, 0xCC}
	for i, frame := range lre.routed {
		if len(frame) != 1 || frame[0] != want[i] {
			t.Fatalf("routed[%d] = %v, want %v", i, frame, want[i])
		}
	}
}

func TestClientInboundDropsDuplicates(t *testing.T) {
	c, _, lre := testClient(t, ClientConfig{Version: ProtocolV1Legacy, Reorder: true, ReorderEscrow: time.Second})

	send := func(seq uint32) {
		framed := appendLonTalkCRC([]byte{byte(seq)})
		h := Header{Version: ProtocolV1Legacy, Type: packetTypeData, Session: 1, Sequence: seq}
		c.handleInbound(h, nil, &DataPacket{Frame: framed}, nil, nil, c.cfg.Addr)
	}

	send(1)
	send(1)
	if len(lre.routed) != 1 {
		t.Fatalf("expected duplicate to be dropped, got %d routed frames", len(lre.routed))
	}
	if c.stats.Snapshot().Duplicates != 1 {
		t.Fatalf("expected duplicate counter to increment, got %+v", c.stats.Snapshot())
	}
}

func TestClientInboundDropsStaleFrame(t *testing.T) {
	clock := NewFakeClock(0, 0)
	sender := &recordingSender{}
	lre := &recordingLRE{}
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 1628}
	c := NewClient(ClientConfig{Addr: addr, Version: ProtocolV1Legacy, ChannelTimeout: 100 * time.Millisecond}, sender, lre, clock, &statCounters{}, nil)

	framed := appendLonTalkCRC([]byte{1})
	h := Header{Version: ProtocolV1Legacy, Type: packetTypeData, Session: 1, Sequence: 1, Timestamp: 0}
	clock.Advance(200 * time.Millisecond)

	c.handleInbound(h, nil, &DataPacket{Frame: framed}, nil, nil, addr)
	if len(lre.routed) != 0 {
		t.Fatalf("expected stale frame to be dropped, got %d routed frames", len(lre.routed))
	}
	if c.stats.Snapshot().Dropped != 1 {
		t.Fatalf("expected dropped counter to increment, got %+v", c.stats.Snapshot())
	}
}

func TestClientInboundAcceptsFreshFrame(t *testing.T) {
	clock := NewFakeClock(0, 0)
	sender := &recordingSender{}
	lre := &recordingLRE{}
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 1628}
	c := NewClient(ClientConfig{Addr: addr, Version: ProtocolV1Legacy, ChannelTimeout: 100 * time.Millisecond}, sender, lre, clock, &statCounters{}, nil)

	framed := appendLonTalkCRC([]byte{1})
	h := Header{Version: ProtocolV1Legacy, Type: packetTypeData, Session: 1, Sequence: 1, Timestamp: 0}
	clock.Advance(50 * time.Millisecond)

	c.handleInbound(h, nil, &DataPacket{Frame: framed}, nil, nil, addr)
	if len(lre.routed) != 1 {
		t.Fatalf("expected fresh frame to be delivered, got %d routed frames", len(lre.routed))
	}
}

func TestClientInboundAuthFailureDropsFrame(t *testing.T) {
	secret := testSecret()
	c, _, lre := testClient(t, ClientConfig{Version: ProtocolV2Current, Authenticate: true, Secret: secret})

	framed := appendLonTalkCRC([]byte{1})
	h := Header{Version: ProtocolV2Current, Type: packetTypeData, AuthFlag: true, Session: 1, Sequence: 1}
	raw, err := EncodePacket(h, nil, &DataPacket{Frame: framed})
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}
	badDigest := make([]byte, authDigestLen)

	c.handleInbound(h, nil, &DataPacket{Frame: framed}, raw, badDigest, c.cfg.Addr)
	if len(lre.routed) != 0 {
		t.Fatalf("expected auth failure to suppress delivery, got %d routed frames", len(lre.routed))
	}
	if c.stats.Snapshot().AuthFailures != 1 {
		t.Fatalf("expected auth failure counter to increment, got %+v", c.stats.Snapshot())
	}
}

func TestClientInboundAuthSuccess(t *testing.T) {
	secret := testSecret()
	c, _, lre := testClient(t, ClientConfig{Version: ProtocolV2Current, Authenticate: true, Secret: secret})

	framed := appendLonTalkCRC([]byte{1})
	h := Header{Version: ProtocolV2Current, Type: packetTypeData, AuthFlag: true, Session: 1, Sequence: 1}
	raw, err := EncodePacket(h, nil, &DataPacket{Frame: framed})
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}
	digest := digestFor(ProtocolV2Current, secret, raw)

	c.handleInbound(h, nil, &DataPacket{Frame: framed}, raw, digest[:], c.cfg.Addr)
	if len(lre.routed) != 1 {
		t.Fatalf("expected properly authenticated frame to be delivered, got %d", len(lre.routed))
	}
}
