package ipchannel

import (
	"net"
	"testing"

	"github.com/go-kit/kit/log"
)

type recordingTarget struct {
	calls []recordedCall
}

type recordedCall struct {
	h    Header
	ext  *ExtendedHeader
	body packet
	from *net.UDPAddr
}

func (r *recordingTarget) handleInbound(h Header, ext *ExtendedHeader, body packet, raw, digest []byte, from *net.UDPAddr) {
	r.calls = append(r.calls, recordedCall{h: h, ext: ext, body: body, from: from})
}

func newTestMux() *linkMux {
	sock, err := newChannelSocket("127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	m := &linkMux{
		sock:   sock,
		logger: log.NewNopLogger(),
		stats:  &statCounters{},
	}
	m.snapshot.Store(emptySnapshot())
	m.localAddrs = map[string]bool{}
	return m
}

func TestDispatchDirectHit(t *testing.T) {
	m := newTestMux()
	target := &recordingTarget{}
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 1628}
	m.Register(addr, []byte{1, 2, 3}, target)

	h := Header{Type: packetTypeData}
	body := &DataPacket{Frame: LonTalkFrame{1}}
	m.dispatch(addr, h, nil, body, nil, nil)

	if len(target.calls) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(target.calls))
	}
}

func TestDispatchExtendedHeaderPortOverride(t *testing.T) {
	m := newTestMux()
	target := &recordingTarget{}
	registered := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 1628}
	m.Register(registered, nil, target)

	// Packet arrives from a NAT-rewritten port, but the extended header
	// states the peer's real (registered) port.
	from := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 55000}
	ext := &ExtendedHeader{SenderPort: 1628}
	h := Header{Type: packetTypeData}
	body := &DataPacket{Frame: LonTalkFrame{1}}
	m.dispatch(from, h, ext, body, nil, nil)

	if len(target.calls) != 1 {
		t.Fatalf("expected port override to dispatch, got %d calls", len(target.calls))
	}
}

func TestDispatchIPOnlyDisambiguationForData(t *testing.T) {
	m := newTestMux()
	target := &recordingTarget{}
	registered := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 1628}
	m.Register(registered, nil, target)

	from := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 9999}
	h := Header{Type: packetTypeData}
	body := &DataPacket{Frame: LonTalkFrame{1}}
	m.dispatch(from, h, nil, body, nil, nil)

	if len(target.calls) != 1 {
		t.Fatalf("expected IP-only disambiguation to dispatch a DATA frame, got %d calls", len(target.calls))
	}
}

func TestDispatchIPOnlyDisambiguationDoesNotApplyToControlPackets(t *testing.T) {
	m := newTestMux()
	target := &recordingTarget{}
	registered := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 1628}
	m.Register(registered, nil, target)

	from := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 9999}
	h := Header{Type: packetTypeChanMembers}
	body := &ChanMembersPacket{}
	m.dispatch(from, h, nil, body, nil, nil)

	if len(target.calls) != 0 {
		t.Fatalf("control packet should not be disambiguated by IP alone, got %d calls", len(target.calls))
	}
}

func TestDispatchDeviceIDExtraction(t *testing.T) {
	m := newTestMux()
	target := &recordingTarget{}
	registered := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 1628}
	deviceID := []byte{0xaa, 0xbb, 0xcc}
	m.Register(registered, deviceID, target)

	from := &net.UDPAddr{IP: net.ParseIP("172.16.0.9"), Port: 4000}
	h := Header{VendorPrivate: true, Type: packetTypeEchDevID}
	body := &EchDevIDPacket{Type: packetTypeEchDevID, DeviceID: deviceID, SenderPort: 4000}
	m.dispatch(from, h, nil, body, nil, nil)

	if len(target.calls) != 1 {
		t.Fatalf("expected device id extraction to dispatch, got %d calls", len(target.calls))
	}
}

func TestDispatchExtendedHeaderPortOverrideCountsAltPortUsed(t *testing.T) {
	m := newTestMux()
	target := &recordingTarget{}
	registered := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 1628}
	m.Register(registered, nil, target)

	from := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 55000}
	ext := &ExtendedHeader{SenderPort: 1628}
	h := Header{Type: packetTypeData}
	body := &DataPacket{Frame: LonTalkFrame{1}}
	m.dispatch(from, h, ext, body, nil, nil)

	if got := m.stats.Snapshot().AltPortUsed; got != 1 {
		t.Fatalf("AltPortUsed = %d, want 1", got)
	}
}

func TestDispatchIPOnlyDisambiguationCountsAltPortUsed(t *testing.T) {
	m := newTestMux()
	target := &recordingTarget{}
	registered := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 1628}
	m.Register(registered, nil, target)

	from := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 9999}
	h := Header{Type: packetTypeData}
	body := &DataPacket{Frame: LonTalkFrame{1}}
	m.dispatch(from, h, nil, body, nil, nil)

	if got := m.stats.Snapshot().AltPortUsed; got != 1 {
		t.Fatalf("AltPortUsed = %d, want 1", got)
	}
}

func TestDispatchAmbiguousIPRequiresExactMatch(t *testing.T) {
	m := newTestMux()
	a := &recordingTarget{}
	b := &recordingTarget{}
	addrA := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 1628}
	addrB := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 1629}
	m.Register(addrA, nil, a)
	m.Register(addrB, nil, b)

	from := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 9999}
	h := Header{Type: packetTypeData}
	body := &DataPacket{Frame: LonTalkFrame{1}}
	m.dispatch(from, h, nil, body, nil, nil)

	if len(a.calls) != 0 || len(b.calls) != 0 {
		t.Fatal("ambiguous IP with two registered peers should not dispatch by IP alone")
	}
}
