package ipchannel

import "time"

// ProtocolVersion identifies the wire protocol dialect in use with a peer.
type ProtocolVersion int

const (
	// ProtocolUnknown means the channel has not yet negotiated a version
	// with the configuration server.
	ProtocolUnknown ProtocolVersion = iota
	// ProtocolV1Legacy is the original EIA-852 tunneling header, no
	// extended header, legacy digest formation.
	ProtocolV1Legacy
	// ProtocolV2Current is the vendor-extended variant: extended headers
	// carrying NAT/port information, EIA-852-style digest formation.
	ProtocolV2Current
)

func (v ProtocolVersion) String() string {
	switch v {
	case ProtocolV1Legacy:
		return "v1-legacy"
	case ProtocolV2Current:
		return "v2-current"
	}
	return "unknown"
}

// packetType is the wire packet-type byte (standard header, §3/§4.1).
type packetType uint8

const (
	packetTypeData packetType = iota + 1
	packetTypeChanMembers
	packetTypeChanRouting
	packetTypeDevRegister
	packetTypeDevConfigure
	packetTypeSendList
	packetTypeStatistics
	packetTypeReqInfo
	packetTypeResponse
	packetTypeSegment
	packetTypeEchTimeSynchReq
	packetTypeEchTimeSynchRsp
	packetTypeEchConfig
	packetTypeEchConfigReq
	packetTypeEchControl
	packetTypeEchVersion
	packetTypeEchVersionReq
	packetTypeEchMode
	packetTypeEchModeReq
	packetTypeEchDevID
	packetTypeEchDevIDReq
	packetTypeEchChanRoutingReq
)

func (t packetType) String() string {
	switch t {
	case packetTypeData:
		return "DATA"
	case packetTypeChanMembers:
		return "CHN_MEMBERS"
	case packetTypeChanRouting:
		return "CHN_ROUTING"
	case packetTypeDevRegister:
		return "DEV_REGISTER"
	case packetTypeDevConfigure:
		return "DEV_CONFIGURE"
	case packetTypeSendList:
		return "SEND_LIST"
	case packetTypeStatistics:
		return "STATISTICS"
	case packetTypeReqInfo:
		return "REQ_INFO"
	case packetTypeResponse:
		return "RESPONSE"
	case packetTypeSegment:
		return "SEGMENT"
	case packetTypeEchTimeSynchReq:
		return "ECH_TIME_SYNCH_REQ"
	case packetTypeEchTimeSynchRsp:
		return "ECH_TIME_SYNCH_RSP"
	case packetTypeEchConfig:
		return "ECH_CONFIG"
	case packetTypeEchConfigReq:
		return "ECH_CONFIG_REQ"
	case packetTypeEchControl:
		return "ECH_CONTROL"
	case packetTypeEchVersion:
		return "ECH_VERSION"
	case packetTypeEchVersionReq:
		return "ECH_VERSION_REQ"
	case packetTypeEchMode:
		return "ECH_MODE"
	case packetTypeEchModeReq:
		return "ECH_MODE_REQ"
	case packetTypeEchDevID:
		return "ECH_DEVID"
	case packetTypeEchDevIDReq:
		return "ECH_DEVID_REQ"
	case packetTypeEchChanRoutingReq:
		return "ECH_CHAN_ROUTING_REQ"
	}
	return "UNKNOWN"
}

// reqReason is the bitmask carried by REQ_* packets.
type reqReason uint8

const (
	reqReasonAll reqReason = 0x01
)

// segment flags.
const (
	segFlagValid = 0x80
	segFlagFinal = 0x40
)

// Wire layout constants, §3 and §4.1.
const (
	standardHeaderLen  = 20
	extendedHeaderLen  = 12
	lonTalkCRCLen      = 2
	authDigestLen      = 16
	maxMemberCount     = 256
	udpMaxPktLen       = 548
	maxSegmentPayload  = 492
	maxSegments        = 40
	maxControlPayload  = maxSegments * maxSegmentPayload
	maxDeviceNameBytes = 128
	sharedSecretLen    = 16
)

// Timing constants, §4.2, §4.5, §5.
const (
	segmentRetransTimeout = 900 * time.Millisecond
	segmentQuietTimeout   = 10 * time.Second
	segmentBusyTimeout    = 30 * time.Second
	segmentScanPeriod     = 1 * time.Second

	requestRetryCount   = 3
	requestRetrySpacing = 2 * time.Second

	chanRoutingHoldDown = 100 * time.Millisecond

	// modeCheckWindow bounds how long the master waits for an ECH_MODE
	// reply to its ECH_MODE_REQ probe before concluding the configuration
	// server is legacy (v1) rather than current (v2).
	modeCheckWindow = 2 * time.Second

	persistDebounce = 16 * time.Millisecond

	altPortCacheTTL = 5 * time.Minute

	bwLimitSlotsPerSecond = 30

	recvWakeTimeout = 10 * time.Second
)

// protocolEpoch is the LonTalk date-time epoch: 1 Jan 1900, UTC.
var protocolEpoch = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)

// pending work bitmask for the master's worker loop, §4.5.
type workBit uint32

const (
	workReadPersist workBit = 1 << iota
	workWritePersist
	workSendChanRouting
	workSendDevRegister
	workRequestInfo
	workSetLink
)
