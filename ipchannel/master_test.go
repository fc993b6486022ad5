package ipchannel

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func newTestMaster(t *testing.T, csPort int) *Master {
	t.Helper()
	cfg := MasterConfig{
		Local:      "127.0.0.1:0",
		CSAddr:     fmt.Sprintf("127.0.0.1:%d", csPort),
		DeviceName: "test-device",
	}
	m, err := NewMaster(cfg, &recordingLRE{}, nil)
	if err != nil {
		t.Fatalf("NewMaster: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMasterRequestChanMembersRegistersSegmentExpectation(t *testing.T) {
	m := newTestMaster(t, 17628)
	m.requestChanMembers()

	m.mu.Lock()
	n := len(m.pendingReqs)
	m.mu.Unlock()
	if n != 1 {
		t.Fatalf("pendingReqs = %d, want 1", n)
	}

	// A segmented reply to the very first request this master ever sent
	// must be accepted: BeginExpecting has to have been called before the
	// REQ_INFO went out, not only from a test harness.
	members := []MemberEntry{{IP: [4]byte{10, 0, 0, 1}, Port: 1628, LastUpdate: 1}}
	body := (&ChanMembersPacket{DateTime: 1, Members: members}).encodeBody()
	seg := &SegmentPacket{RequestID: 1, SegmentID: 0, Flags: segFlagValid | segFlagFinal, Fragment: body}
	m.onSegment(seg)

	m.mu.Lock()
	got := m.members
	m.mu.Unlock()
	if len(got) != 1 || got[0].Port != 1628 {
		t.Fatalf("members after segment reassembly = %+v, want one entry on port 1628", got)
	}
}

func TestMasterOnSegmentRejectsUnexpectedRequestID(t *testing.T) {
	m := newTestMaster(t, 17629)

	body := (&ChanMembersPacket{}).encodeBody()
	seg := &SegmentPacket{RequestID: 99, SegmentID: 0, Flags: segFlagValid | segFlagFinal, Fragment: body}
	m.onSegment(seg)

	if got := m.StatsSnapshot().SegmentsDiscarded; got != 1 {
		t.Fatalf("SegmentsDiscarded = %d, want 1 for a request id nobody is expecting", got)
	}
}

func TestMasterRetryPendingRequestsReRegistersSegmentExpectation(t *testing.T) {
	m := newTestMaster(t, 17630)
	m.requestChanMembers()

	m.mu.Lock()
	for _, pr := range m.pendingReqs {
		pr.lastSent = time.Now().Add(-requestRetrySpacing)
	}
	m.mu.Unlock()

	m.retryPendingRequests()

	members := []MemberEntry{{IP: [4]byte{10, 0, 0, 2}, Port: 1629, LastUpdate: 1}}
	body := (&ChanMembersPacket{DateTime: 1, Members: members}).encodeBody()
	seg := &SegmentPacket{RequestID: 1, SegmentID: 0, Flags: segFlagValid | segFlagFinal, Fragment: body}
	m.onSegment(seg)

	m.mu.Lock()
	got := m.members
	m.mu.Unlock()
	if len(got) != 1 || got[0].Port != 1629 {
		t.Fatalf("members after retried segment reassembly = %+v", got)
	}
}

func TestMasterCheckVersionNegotiationSendsProbeThenFallsBackToLegacy(t *testing.T) {
	m := newTestMaster(t, 17631)

	m.checkVersionNegotiation()
	m.mu.Lock()
	sent := m.modeReqSent
	version := m.version
	m.mu.Unlock()
	if !sent {
		t.Fatal("expected first call to send an ECH_MODE_REQ probe")
	}
	if version != ProtocolUnknown {
		t.Fatalf("version = %v, want still unknown while the probe is outstanding", version)
	}

	// Simulate modeCheckWindow having elapsed with no reply.
	m.mu.Lock()
	m.modeReqAt = time.Now().Add(-modeCheckWindow - time.Millisecond)
	m.mu.Unlock()

	m.checkVersionNegotiation()
	m.mu.Lock()
	version = m.version
	m.mu.Unlock()
	if version != ProtocolV1Legacy {
		t.Fatalf("version = %v, want v1-legacy after the check window lapsed with no reply", version)
	}
}

func TestMasterOnEchModeCommitsDeclaredVersion(t *testing.T) {
	m := newTestMaster(t, 17632)
	m.checkVersionNegotiation() // send the probe, as a real bring-up would

	h := Header{Version: ProtocolV1Legacy, VendorPrivate: true, Type: packetTypeEchMode}
	reply := &EchGenericPacket{Type: packetTypeEchMode, Body: []byte{byte(ProtocolV2Current)}}
	m.onEchMode(h, reply)

	m.mu.Lock()
	version := m.version
	stillWaiting := m.modeReqSent
	m.mu.Unlock()
	if version != ProtocolV2Current {
		t.Fatalf("version = %v, want v2-current as declared in the ECH_MODE body, not %v from the header", version, h.Version)
	}
	if stillWaiting {
		t.Fatal("expected modeReqSent to clear once ECH_MODE committed a version")
	}
}

func TestMasterHandleInboundDoesNotMirrorHeaderVersionForOrdinaryTraffic(t *testing.T) {
	m := newTestMaster(t, 17633)

	// An ordinary, unauthenticated DEV_CONFIGURE with a v2 header must not
	// by itself commit the channel to v2: only a real ECH_MODE exchange
	// does that.
	h := Header{Version: ProtocolV2Current, Type: packetTypeDevConfigure}
	m.handleInbound(h, nil, &DevConfigurePacket{}, nil, nil, m.csAddr)

	m.mu.Lock()
	version := m.version
	m.mu.Unlock()
	if version != ProtocolUnknown {
		t.Fatalf("version = %v, want still unknown: a DEV_CONFIGURE header must not negotiate the channel version", version)
	}
}

func TestMasterProcessWorkRequestInfoSchedulesPendingRequest(t *testing.T) {
	m := newTestMaster(t, 17634)
	m.scheduleWork(workRequestInfo)
	m.processWork()

	m.mu.Lock()
	n := len(m.pendingReqs)
	m.mu.Unlock()
	if n != 1 {
		t.Fatalf("pendingReqs after processWork(workRequestInfo) = %d, want 1", n)
	}
}

func TestMasterRunStartsAndStopsCleanly(t *testing.T) {
	m := newTestMaster(t, 17635)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(recvWakeTimeout + 2*time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
