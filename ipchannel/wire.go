package ipchannel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Sentinel errors forming the parse-failure taxonomy of spec.md §4.1/§7.
var (
	ErrMalformedHeader  = errors.New("malformed header")
	ErrUnknownVersion   = errors.New("unknown protocol version")
	ErrUnknownPacketType = errors.New("unknown packet type")
	ErrSizeMismatch     = errors.New("packet size mismatch")
	ErrBadCrc           = errors.New("bad lontalk crc")
	ErrAuthFailed       = errors.New("authentication failed")
)

// protoFlag bits within the standard header's protocol-flags byte.
const (
	protoFlagAuth = 0x20
)

// versionFlag bits within the standard header's version byte.
const (
	versionMask  = 0x1f
	vendorPrivateFlag = 0x80
)

// Header holds the fields common to every packet on the wire (the
// "standard header" of spec.md §3), decoupled from the on-wire packet-size
// and extended-header-length bytes, which are derived at encode time.
type Header struct {
	Version       ProtocolVersion
	VendorPrivate bool
	Type          packetType
	AuthFlag      bool
	VendorCode    uint16
	Session       uint32
	Sequence      uint32
	Timestamp     uint32
}

// ExtendedHeader is the 12-byte vendor extension carrying the sender's
// declared local/NAT IP and UDP port, used to undo NAT port rewriting at
// the receiver (spec.md §3/§4.3).
type ExtendedHeader struct {
	SenderLocalIP [4]byte
	SenderNATIP   [4]byte
	SenderPort    uint16
}

// wireHeader is the fixed-size on-wire encoding of Header plus the two
// derived length fields, laid out exactly as spec.md §3 describes.
type wireHeader struct {
	PacketSize  uint16
	VersionByte uint8
	PacketType  uint8
	ExtHdrLen   uint8
	ProtoFlags  uint8
	VendorCode  uint16
	Session     uint32
	Sequence    uint32
	Timestamp   uint32
}

func versionToWire(v ProtocolVersion) uint8 {
	switch v {
	case ProtocolV1Legacy:
		return 0
	case ProtocolV2Current:
		return 1
	}
	return 0
}

func wireToVersion(b uint8) (ProtocolVersion, error) {
	switch b & versionMask {
	case 0:
		return ProtocolV1Legacy, nil
	case 1:
		return ProtocolV2Current, nil
	}
	return ProtocolUnknown, fmt.Errorf("%w: version bits %#x", ErrUnknownVersion, b&versionMask)
}

// packet is the tagged-sum-type interface every wire packet implements,
// per spec.md §9's flattening of the source's packet class hierarchy.
type packet interface {
	packetType() packetType
	encodeBody() []byte
}

// Packet pairs a decoded header with its body.
type Packet struct {
	Header Header
	Ext    *ExtendedHeader
	Body   packet
}

func minBodyLen(t packetType) int {
	switch t {
	case packetTypeData:
		return lonTalkCRCLen
	case packetTypeChanMembers, packetTypeSendList:
		return 4
	case packetTypeChanRouting:
		return 5
	case packetTypeDevRegister:
		return 4
	case packetTypeDevConfigure:
		return 5
	case packetTypeStatistics:
		return 4
	case packetTypeReqInfo:
		return 9
	case packetTypeResponse:
		return 4
	case packetTypeSegment:
		return 8
	case packetTypeEchDevID, packetTypeEchDevIDReq:
		return 2
	}
	return 0
}

// EncodePacket renders header + optional extended header + body as bytes.
// It does not append an authentication digest; callers append that
// separately once the packet-size field below has been fixed up.
func EncodePacket(h Header, ext *ExtendedHeader, body packet) ([]byte, error) {
	if body.packetType() != h.Type {
		return nil, fmt.Errorf("header type %v does not match body type %v", h.Type, body.packetType())
	}

	bodyBytes := body.encodeBody()

	extLen := 0
	if ext != nil {
		extLen = extendedHeaderLen
	}

	size := standardHeaderLen + extLen + len(bodyBytes)
	if size > 0xffff {
		return nil, fmt.Errorf("%w: encoded size %d exceeds u16", ErrSizeMismatch, size)
	}

	wh := wireHeader{
		PacketSize:  uint16(size),
		VersionByte: versionToWire(h.Version),
		PacketType:  uint8(h.Type),
		ExtHdrLen:   uint8(extLen),
		VendorCode:  h.VendorCode,
		Session:     h.Session,
		Sequence:    h.Sequence,
		Timestamp:   h.Timestamp,
	}
	if h.VendorPrivate {
		wh.VersionByte |= vendorPrivateFlag
	}
	if h.AuthFlag {
		wh.ProtoFlags |= protoFlagAuth
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, wh); err != nil {
		return nil, err
	}
	if ext != nil {
		if err := binary.Write(buf, binary.BigEndian, *ext); err != nil {
			return nil, err
		}
		buf.Write([]byte{0, 0}) // reserved u16
	}
	buf.Write(bodyBytes)

	return buf.Bytes(), nil
}

// ParsePacketFrom parses exactly one packet (header, optional extended
// header, body) from the start of b. It returns the number of bytes
// consumed (the packet's declared size), so callers can step to the next
// aggregated frame or trailing authentication digest.
func ParsePacketFrom(b []byte) (h Header, ext *ExtendedHeader, body packet, consumed int, err error) {
	if len(b) < standardHeaderLen {
		return h, nil, nil, 0, fmt.Errorf("%w: buffer shorter than standard header", ErrMalformedHeader)
	}

	var wh wireHeader
	r := bytes.NewReader(b[:standardHeaderLen])
	if err := binary.Read(r, binary.BigEndian, &wh); err != nil {
		return h, nil, nil, 0, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}

	version, verr := wireToVersion(wh.VersionByte)
	if verr != nil {
		return h, nil, nil, 0, verr
	}

	t := packetType(wh.PacketType)

	h = Header{
		Version:       version,
		VendorPrivate: wh.VersionByte&vendorPrivateFlag != 0,
		Type:          t,
		AuthFlag:      wh.ProtoFlags&protoFlagAuth != 0,
		VendorCode:    wh.VendorCode,
		Session:       wh.Session,
		Sequence:      wh.Sequence,
		Timestamp:     wh.Timestamp,
	}

	if int(wh.PacketSize) > len(b) {
		return h, nil, nil, 0, fmt.Errorf("%w: declared size %d exceeds buffer of %d", ErrSizeMismatch, wh.PacketSize, len(b))
	}

	cursor := standardHeaderLen

	// Per spec.md §4.1: the extension is only parsed for a "current"
	// packet type when the extended-header-length byte is nonzero;
	// otherwise the 12 bytes are absent regardless of payload.
	if wh.ExtHdrLen != 0 && version == ProtocolV2Current {
		if wh.ExtHdrLen != extendedHeaderLen {
			return h, nil, nil, 0, fmt.Errorf("%w: unexpected extended header length %d", ErrMalformedHeader, wh.ExtHdrLen)
		}
		if cursor+extendedHeaderLen > int(wh.PacketSize) {
			return h, nil, nil, 0, fmt.Errorf("%w: extended header exceeds packet size", ErrMalformedHeader)
		}
		var e ExtendedHeader
		er := bytes.NewReader(b[cursor : cursor+extendedHeaderLen])
		if err := binary.Read(er, binary.BigEndian, &e); err != nil {
			return h, nil, nil, 0, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
		}
		ext = &e
		cursor += extendedHeaderLen
	}

	bodyLen := int(wh.PacketSize) - cursor
	if bodyLen < minBodyLen(t) {
		return h, nil, nil, 0, fmt.Errorf("%w: body length %d below minimum for %v", ErrSizeMismatch, bodyLen, t)
	}

	bodyBytes := b[cursor:int(wh.PacketSize)]
	body, err = decodeBody(t, bodyBytes)
	if err != nil {
		return h, nil, nil, 0, err
	}

	return h, ext, body, int(wh.PacketSize), nil
}

func decodeBody(t packetType, b []byte) (packet, error) {
	switch t {
	case packetTypeData:
		return decodeDataBody(b)
	case packetTypeChanMembers:
		return decodeChanMembersBody(b)
	case packetTypeChanRouting:
		return decodeChanRoutingBody(b)
	case packetTypeDevRegister:
		return decodeDevRegisterBody(b)
	case packetTypeDevConfigure:
		return decodeDevConfigureBody(b)
	case packetTypeSendList:
		return decodeSendListBody(b)
	case packetTypeStatistics:
		return decodeStatisticsBody(b)
	case packetTypeReqInfo:
		return decodeReqInfoBody(b)
	case packetTypeResponse:
		return decodeResponseBody(b)
	case packetTypeSegment:
		return decodeSegmentBody(b)
	case packetTypeEchDevID, packetTypeEchDevIDReq:
		return decodeEchDevIDBody(t, b)
	case packetTypeEchTimeSynchReq, packetTypeEchTimeSynchRsp,
		packetTypeEchConfig, packetTypeEchConfigReq, packetTypeEchControl,
		packetTypeEchVersion, packetTypeEchVersionReq,
		packetTypeEchMode, packetTypeEchModeReq,
		packetTypeEchChanRoutingReq:
		return &EchGenericPacket{Type: t, Body: append([]byte(nil), b...)}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownPacketType, t)
}

// --- DATA ---

// DataPacket carries a single LonTalk frame, CRC included, per spec.md §3.
type DataPacket struct {
	Frame LonTalkFrame
}

func (*DataPacket) packetType() packetType { return packetTypeData }
func (p *DataPacket) encodeBody() []byte   { return []byte(p.Frame) }

func decodeDataBody(b []byte) (packet, error) {
	frame := make([]byte, len(b))
	copy(frame, b)
	return &DataPacket{Frame: frame}, nil
}

// --- CHN_MEMBERS ---

// MemberEntry is one row of the channel membership table, spec.md §3.
type MemberEntry struct {
	IP         [4]byte
	Port       uint16
	LastUpdate uint32
}

// ChanMembersPacket is the configuration server's membership announcement.
type ChanMembersPacket struct {
	DateTime uint32
	Members  []MemberEntry
}

func (*ChanMembersPacket) packetType() packetType { return packetTypeChanMembers }

func (p *ChanMembersPacket) encodeBody() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, p.DateTime)
	for _, m := range p.Members {
		binary.Write(buf, binary.BigEndian, m)
	}
	return buf.Bytes()
}

func decodeChanMembersBody(b []byte) (packet, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: CHN_MEMBERS too short", ErrSizeMismatch)
	}
	p := &ChanMembersPacket{DateTime: binary.BigEndian.Uint32(b[:4])}
	rest := b[4:]
	const entryLen = 10
	if len(rest)%entryLen != 0 {
		return nil, fmt.Errorf("%w: CHN_MEMBERS member list misaligned", ErrSizeMismatch)
	}
	n := len(rest) / entryLen
	if n > maxMemberCount {
		return nil, fmt.Errorf("%w: %d members exceeds cap of %d", ErrSizeMismatch, n, maxMemberCount)
	}
	for i := 0; i < n; i++ {
		e := rest[i*entryLen : (i+1)*entryLen]
		var m MemberEntry
		copy(m.IP[:], e[0:4])
		m.Port = binary.BigEndian.Uint16(e[4:6])
		m.LastUpdate = binary.BigEndian.Uint32(e[6:10])
		p.Members = append(p.Members, m)
	}
	return p, nil
}

// --- CHN_ROUTING ---

// ChanRoutingPacket carries one peer's channel-routing descriptor.
type ChanRoutingPacket struct {
	DateTime uint32
	Routing  ChannelRouting
}

func (*ChanRoutingPacket) packetType() packetType { return packetTypeChanRouting }

func encodeByteSlices(buf *bytes.Buffer, slices [][]byte) {
	binary.Write(buf, binary.BigEndian, uint16(len(slices)))
	for _, s := range slices {
		binary.Write(buf, binary.BigEndian, uint16(len(s)))
		buf.Write(s)
	}
}

func decodeByteSlices(r *bytes.Reader) ([][]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	out := make([][]byte, 0, n)
	for i := uint16(0); i < n; i++ {
		var l uint16
		if err := binary.Read(r, binary.BigEndian, &l); err != nil {
			return nil, err
		}
		s := make([]byte, l)
		if _, err := r.Read(s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (p *ChanRoutingPacket) encodeBody() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, p.DateTime)
	binary.Write(buf, binary.BigEndian, p.Routing.RouterType)
	encodeByteSlices(buf, p.Routing.Domains)
	binary.Write(buf, binary.BigEndian, uint16(len(p.Routing.Subnets)))
	buf.Write(p.Routing.Subnets)
	binary.Write(buf, binary.BigEndian, uint16(len(p.Routing.Nodes)))
	buf.Write(p.Routing.Nodes)
	encodeByteSlices(buf, p.Routing.NeuronIDs)
	return buf.Bytes()
}

func decodeChanRoutingBody(b []byte) (packet, error) {
	r := bytes.NewReader(b)
	p := &ChanRoutingPacket{}
	if err := binary.Read(r, binary.BigEndian, &p.DateTime); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if err := binary.Read(r, binary.BigEndian, &p.Routing.RouterType); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	var err error
	if p.Routing.Domains, err = decodeByteSlices(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	var nSub uint16
	if err := binary.Read(r, binary.BigEndian, &nSub); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	p.Routing.Subnets = make([]byte, nSub)
	if _, err := r.Read(p.Routing.Subnets); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	var nNode uint16
	if err := binary.Read(r, binary.BigEndian, &nNode); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	p.Routing.Nodes = make([]byte, nNode)
	if _, err := r.Read(p.Routing.Nodes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if p.Routing.NeuronIDs, err = decodeByteSlices(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	return p, nil
}

// --- DEV_REGISTER ---

// DevRegisterPacket is sent by a device to the configuration server on
// boot or whenever its local address changes, spec.md §6.
type DevRegisterPacket struct {
	LocalIP             [4]byte
	LocalPort           uint16
	NATIP               [4]byte
	HasNAT              bool
	NodeType             uint8
	MulticastSupport     bool
	AllBroadcastsWanted  bool
	EIA852AuthSupported  bool
	ChannelTimeoutMs     uint32
	NeuronIDs            [][]byte
	LastChanMembersDT    uint32
	LastSendListDT       uint32
	CSIP                 [4]byte
	CSPort               uint16
	NTP1IP               [4]byte
	NTP1Port             uint16
	NTP2IP               [4]byte
	NTP2Port             uint16
	DeviceName           string
}

func (*DevRegisterPacket) packetType() packetType { return packetTypeDevRegister }

func (p *DevRegisterPacket) flags() uint8 {
	var f uint8
	if p.HasNAT {
		f |= 0x01
	}
	if p.MulticastSupport {
		f |= 0x02
	}
	if p.AllBroadcastsWanted {
		f |= 0x04
	}
	if p.EIA852AuthSupported {
		f |= 0x08
	}
	return f
}

func (p *DevRegisterPacket) encodeBody() []byte {
	buf := new(bytes.Buffer)
	buf.Write(p.LocalIP[:])
	binary.Write(buf, binary.BigEndian, p.LocalPort)
	buf.Write(p.NATIP[:])
	binary.Write(buf, binary.BigEndian, p.flags())
	binary.Write(buf, binary.BigEndian, p.NodeType)
	binary.Write(buf, binary.BigEndian, p.ChannelTimeoutMs)
	encodeByteSlices(buf, p.NeuronIDs)
	binary.Write(buf, binary.BigEndian, p.LastChanMembersDT)
	binary.Write(buf, binary.BigEndian, p.LastSendListDT)
	buf.Write(p.CSIP[:])
	binary.Write(buf, binary.BigEndian, p.CSPort)
	buf.Write(p.NTP1IP[:])
	binary.Write(buf, binary.BigEndian, p.NTP1Port)
	buf.Write(p.NTP2IP[:])
	binary.Write(buf, binary.BigEndian, p.NTP2Port)
	name := p.DeviceName
	if len(name) > maxDeviceNameBytes {
		name = name[:maxDeviceNameBytes]
	}
	binary.Write(buf, binary.BigEndian, uint8(len(name)))
	buf.WriteString(name)
	return buf.Bytes()
}

func decodeDevRegisterBody(b []byte) (packet, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: DEV_REGISTER too short", ErrSizeMismatch)
	}
	r := bytes.NewReader(b)
	p := &DevRegisterPacket{}
	readN := func(n int) ([]byte, error) {
		buf := make([]byte, n)
		if _, err := r.Read(buf); err != nil {
			return nil, err
		}
		return buf, nil
	}

	ip, err := readN(4)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	copy(p.LocalIP[:], ip)
	if err := binary.Read(r, binary.BigEndian, &p.LocalPort); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	nat, err := readN(4)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	copy(p.NATIP[:], nat)

	var flags uint8
	if err := binary.Read(r, binary.BigEndian, &flags); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	p.HasNAT = flags&0x01 != 0
	p.MulticastSupport = flags&0x02 != 0
	p.AllBroadcastsWanted = flags&0x04 != 0
	p.EIA852AuthSupported = flags&0x08 != 0

	if err := binary.Read(r, binary.BigEndian, &p.NodeType); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if err := binary.Read(r, binary.BigEndian, &p.ChannelTimeoutMs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if p.NeuronIDs, err = decodeByteSlices(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if err := binary.Read(r, binary.BigEndian, &p.LastChanMembersDT); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if err := binary.Read(r, binary.BigEndian, &p.LastSendListDT); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	cs, err := readN(4)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	copy(p.CSIP[:], cs)
	if err := binary.Read(r, binary.BigEndian, &p.CSPort); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	ntp1, err := readN(4)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	copy(p.NTP1IP[:], ntp1)
	if err := binary.Read(r, binary.BigEndian, &p.NTP1Port); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	ntp2, err := readN(4)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	copy(p.NTP2IP[:], ntp2)
	if err := binary.Read(r, binary.BigEndian, &p.NTP2Port); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	var nameLen uint8
	if err := binary.Read(r, binary.BigEndian, &nameLen); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	name, err := readN(int(nameLen))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	p.DeviceName = string(name)
	return p, nil
}

// --- DEV_CONFIGURE ---

// DevConfigurePacket is the configuration server's acknowledgement of a
// DEV_REGISTER.
type DevConfigurePacket struct {
	DateTime uint32
	Code     uint8
}

func (*DevConfigurePacket) packetType() packetType { return packetTypeDevConfigure }

func (p *DevConfigurePacket) encodeBody() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, p.DateTime)
	binary.Write(buf, binary.BigEndian, p.Code)
	return buf.Bytes()
}

func decodeDevConfigureBody(b []byte) (packet, error) {
	if len(b) < 5 {
		return nil, fmt.Errorf("%w: DEV_CONFIGURE too short", ErrSizeMismatch)
	}
	return &DevConfigurePacket{
		DateTime: binary.BigEndian.Uint32(b[:4]),
		Code:     b[4],
	}, nil
}

// --- SEND_LIST ---

// SendListPacket carries the broadcast send list the configuration server
// maintains for this device.
type SendListPacket struct {
	DateTime uint32
	Entries  []MemberEntry
}

func (*SendListPacket) packetType() packetType { return packetTypeSendList }

func (p *SendListPacket) encodeBody() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, p.DateTime)
	for _, e := range p.Entries {
		binary.Write(buf, binary.BigEndian, e)
	}
	return buf.Bytes()
}

func decodeSendListBody(b []byte) (packet, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: SEND_LIST too short", ErrSizeMismatch)
	}
	p := &SendListPacket{DateTime: binary.BigEndian.Uint32(b[:4])}
	rest := b[4:]
	const entryLen = 10
	if len(rest)%entryLen != 0 {
		return nil, fmt.Errorf("%w: SEND_LIST entry list misaligned", ErrSizeMismatch)
	}
	for i := 0; i < len(rest)/entryLen; i++ {
		e := rest[i*entryLen : (i+1)*entryLen]
		var m MemberEntry
		copy(m.IP[:], e[0:4])
		m.Port = binary.BigEndian.Uint16(e[4:6])
		m.LastUpdate = binary.BigEndian.Uint32(e[6:10])
		p.Entries = append(p.Entries, m)
	}
	return p, nil
}

// --- STATISTICS ---

// StatisticsPacket carries the overflow-clamped counters of spec.md §7.
type StatisticsPacket struct {
	DateTime uint32
	Counters StatCounters
}

func (*StatisticsPacket) packetType() packetType { return packetTypeStatistics }

func (p *StatisticsPacket) encodeBody() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, p.DateTime)
	binary.Write(buf, binary.BigEndian, p.Counters)
	return buf.Bytes()
}

func decodeStatisticsBody(b []byte) (packet, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: STATISTICS too short", ErrSizeMismatch)
	}
	p := &StatisticsPacket{DateTime: binary.BigEndian.Uint32(b[:4])}
	r := bytes.NewReader(b[4:])
	if err := binary.Read(r, binary.BigEndian, &p.Counters); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	return p, nil
}

// --- REQ_* ---

// reqKind distinguishes the control packet a REQ_INFO packet is asking for.
type reqKind uint8

const (
	ReqKindChanMembers reqKind = iota
	ReqKindChanRouting
	ReqKindDevResponse
	ReqKindCSType
	ReqKindSegment
)

// ReqInfoPacket is a request for retransmission of a control packet, or
// (when Kind is ReqKindSegment) for missing segments of one (spec.md §4.2).
type ReqInfoPacket struct {
	Kind          reqKind
	SinceDateTime uint32
	RequestID     uint16
	Reason        reqReason
	SegmentID     uint8
}

func (*ReqInfoPacket) packetType() packetType { return packetTypeReqInfo }

func (p *ReqInfoPacket) encodeBody() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint8(p.Kind))
	binary.Write(buf, binary.BigEndian, p.SinceDateTime)
	binary.Write(buf, binary.BigEndian, p.RequestID)
	binary.Write(buf, binary.BigEndian, uint8(p.Reason))
	binary.Write(buf, binary.BigEndian, p.SegmentID)
	return buf.Bytes()
}

func decodeReqInfoBody(b []byte) (packet, error) {
	if len(b) < 9 {
		return nil, fmt.Errorf("%w: REQ_INFO too short", ErrSizeMismatch)
	}
	return &ReqInfoPacket{
		Kind:          reqKind(b[0]),
		SinceDateTime: binary.BigEndian.Uint32(b[1:5]),
		RequestID:     binary.BigEndian.Uint16(b[5:7]),
		Reason:        reqReason(b[7]),
		SegmentID:     b[8],
	}, nil
}

// --- RESPONSE ---

// ResponseCode is the ack/nak code carried by a RESPONSE packet.
type ResponseCode uint8

const (
	ResponseAck ResponseCode = iota
	ResponseNak
)

// ResponsePacket acknowledges or negatively-acknowledges a request.
type ResponsePacket struct {
	RequestID uint16
	SegmentID uint8
	Code      ResponseCode
}

func (*ResponsePacket) packetType() packetType { return packetTypeResponse }

func (p *ResponsePacket) encodeBody() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, p.RequestID)
	binary.Write(buf, binary.BigEndian, p.SegmentID)
	binary.Write(buf, binary.BigEndian, uint8(p.Code))
	return buf.Bytes()
}

func decodeResponseBody(b []byte) (packet, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: RESPONSE too short", ErrSizeMismatch)
	}
	return &ResponsePacket{
		RequestID: binary.BigEndian.Uint16(b[0:2]),
		SegmentID: b[2],
		Code:      ResponseCode(b[3]),
	}, nil
}

// --- SEGMENT ---

// SegmentPacket is one fragment of a control packet too large for one
// datagram, per spec.md §3/§4.2.
type SegmentPacket struct {
	RequestID uint16
	SegmentID uint8
	DateTime  uint32
	Flags     uint8
	Fragment  []byte
}

func (*SegmentPacket) packetType() packetType { return packetTypeSegment }

func (p *SegmentPacket) IsFinal() bool { return p.Flags&segFlagFinal != 0 }
func (p *SegmentPacket) IsValid() bool { return p.Flags&segFlagValid != 0 }

func (p *SegmentPacket) encodeBody() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, p.RequestID)
	binary.Write(buf, binary.BigEndian, p.SegmentID)
	binary.Write(buf, binary.BigEndian, p.DateTime)
	binary.Write(buf, binary.BigEndian, p.Flags)
	buf.Write(p.Fragment)
	return buf.Bytes()
}

func decodeSegmentBody(b []byte) (packet, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("%w: SEGMENT too short", ErrSizeMismatch)
	}
	frag := make([]byte, len(b)-8)
	copy(frag, b[8:])
	return &SegmentPacket{
		RequestID: binary.BigEndian.Uint16(b[0:2]),
		SegmentID: b[2],
		DateTime:  binary.BigEndian.Uint32(b[3:7]),
		Flags:     b[7],
		Fragment:  frag,
	}, nil
}

// --- vendor-private family ---

// EchGenericPacket is an opaque vendor-private control packet for the
// variants that carry no structured fields this layer needs to inspect
// (time-synch, config, control, version, mode, channel-routing-req).
type EchGenericPacket struct {
	Type packetType
	Body []byte
}

func (p *EchGenericPacket) packetType() packetType { return p.Type }
func (p *EchGenericPacket) encodeBody() []byte      { return p.Body }

// EchDevIDPacket carries a device-id announcement or request. The link
// multiplexer dispatch algorithm (spec.md §4.3 rule 6) extracts SenderPort
// from this packet when no other dispatch rule matches.
type EchDevIDPacket struct {
	Type       packetType
	DeviceID   []byte
	SenderPort uint16
}

func (p *EchDevIDPacket) packetType() packetType { return p.Type }

func (p *EchDevIDPacket) encodeBody() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, p.SenderPort)
	buf.Write(p.DeviceID)
	return buf.Bytes()
}

func decodeEchDevIDBody(t packetType, b []byte) (packet, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: ECH_DEVID too short", ErrSizeMismatch)
	}
	id := make([]byte, len(b)-2)
	copy(id, b[2:])
	return &EchDevIDPacket{Type: t, SenderPort: binary.BigEndian.Uint16(b[0:2]), DeviceID: id}, nil
}
