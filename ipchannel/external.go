package ipchannel

// This file defines the contracts for the subsystems spec.md §1 explicitly
// places out of scope: the LonTalk routing engine (LRE), the native link
// adapter, and the platform time service. This package implements neither
// side; it only consumes LRE/time and is consumed by the link adapter.

// Priority is the LRE's frame transmission priority.
type Priority int

const (
	// PriorityNormal is standard LonTalk priority.
	PriorityNormal Priority = iota
	// PriorityHigh is the LonTalk priority slot reserved for
	// contention-free transmission.
	PriorityHigh
)

// LonTalkFrame is an opaque link-level LonTalk frame. Frames exchanged with
// the LRE carry no CRC; the CRC is added when a frame is placed in a DATA
// packet payload and removed when one is taken out.
type LonTalkFrame []byte

// ChannelRouting describes one peer's subnet/domain/group routing
// descriptor, as exchanged in CHN_ROUTING packets (spec.md §3/§4.5).
type ChannelRouting struct {
	Domains   [][]byte
	Subnets   []uint8
	Nodes     []uint8
	NeuronIDs [][]byte
	RouterType uint8
}

// LRE is the contract this package requires of the LonTalk routing engine.
// The LRE decides which frames belong on which channel; this package only
// forwards frames it is handed and routes frames it receives.
type LRE interface {
	// RoutePacket delivers a frame received from a peer client to the LRE
	// for onward routing.
	RoutePacket(priority Priority, client PeerClient, frame LonTalkFrame)
	// NeedsAllBroadcasts reports whether this device wants every
	// broadcast frame on the channel, independent of subnet/group
	// membership.
	NeedsAllBroadcasts() bool
	// NeedsValidCRC reports whether the LRE requires DATA frames with a
	// bad LonTalk CRC to be dropped rather than delivered tagged.
	NeedsValidCRC() bool
}

// PeerClient is the subset of the per-peer Client's surface the LRE is
// allowed to call back into.
type PeerClient interface {
	// AcceptOutbound hands a LonTalk frame to the client for eventual
	// transmission or drop.
	AcceptOutbound(frame LonTalkFrame, priority Priority)
	// Route returns the client's current channel-routing descriptor.
	Route() ChannelRouting
	// Address returns the client's (domain, subnet/node or unique-id)
	// addressing tuple as known to the LRE.
	Address() (domain []byte, subnetNode uint8, uniqueID []byte)
}

// LinkAdapter is the contract this package requires of the native LonTalk
// link adapter (transceiver) side, modeled on the LtLink/LtNetwork split
// described in spec.md §6. Implementations talk to real hardware; no code
// in this package calls any of its methods.
type LinkAdapter interface {
	SendPacket(frame LonTalkFrame) error
	QueueReceive() (LonTalkFrame, error)
	SetCommParams(params []byte) error
	GetTransceiverRegister(index int) (byte, error)
	SetServicePinState(on bool) error
	SetProtocolAnalyzerMode(on bool) error
}

// LinkAdapterEvents is the inverse contract (LtNetwork): callbacks the link
// adapter drives into this package. A null implementation is sufficient
// when no hardware adapter is present (e.g. pure IP-router deployments).
type LinkAdapterEvents interface {
	PacketReceived(frame LonTalkFrame)
	PacketComplete(ok bool)
	ReportTransceiverRegister(index int, value byte)
	ResetRequested()
	ServicePinDepressed()
	ServicePinReleased()
}

// NullLinkAdapter is a LinkAdapter that does nothing; useful for tests and
// for deployments where the LRE integrates directly without a hardware
// transceiver.
type NullLinkAdapter struct{}

func (NullLinkAdapter) SendPacket(LonTalkFrame) error                { return nil }
func (NullLinkAdapter) QueueReceive() (LonTalkFrame, error)          { return nil, nil }
func (NullLinkAdapter) SetCommParams([]byte) error                   { return nil }
func (NullLinkAdapter) GetTransceiverRegister(int) (byte, error)      { return 0, nil }
func (NullLinkAdapter) SetServicePinState(bool) error                 { return nil }
func (NullLinkAdapter) SetProtocolAnalyzerMode(bool) error            { return nil }
