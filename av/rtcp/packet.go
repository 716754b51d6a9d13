package rtcp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/rtcp"
)

// Packet type codes.
const (
	TypeSenderReport   uint8 = 200
	TypeReceiverReport uint8 = 201
	TypeBye            uint8 = 203
	TypeApp            uint8 = 204
)

// Application-defined name tags.
const (
	NameVDLY = "VDLY"
	NameXDLY = "XDLY"
	NameCVER = "CVER"
	NameNCLI = "NCLI"
)

// ClientSSRC is the synchronization source this client always uses.
const ClientSSRC uint32 = 0

const (
	headerLength = 4
	ssrcLength   = 4
	nameLength   = 4
	maxSubtype   = 31
)

var (
	// ErrMalformedPacket indicates bytes that are not a valid control packet.
	ErrMalformedPacket = errors.New("malformed RTCP packet")

	// ErrInvalidName indicates an APP name tag that is not four ASCII bytes.
	ErrInvalidName = errors.New("APP name must be 4 ASCII characters")

	// ErrInvalidSubtype indicates a subtype that does not fit in 5 bits.
	ErrInvalidSubtype = errors.New("subtype must be in range 0-31")
)

// Packet is one control packet.
//
// Body holds everything after the 4-byte common header: the SSRC, then for
// APP packets the name tag and application data. Body is kept verbatim so
// packets of unknown type or tag round-trip unchanged.
type Packet struct {
	Type    uint8
	Subtype uint8
	Padding bool
	Body    []byte
}

// SSRC returns the synchronization source at the start of the body, or 0
// when the body is too short to carry one.
func (p Packet) SSRC() uint32 {
	if len(p.Body) < ssrcLength {
		return 0
	}
	return binary.BigEndian.Uint32(p.Body)
}

// Name returns the APP name tag, or "" for other packet types.
func (p Packet) Name() string {
	if p.Type != TypeApp || len(p.Body) < ssrcLength+nameLength {
		return ""
	}
	return string(p.Body[ssrcLength : ssrcLength+nameLength])
}

// AppData returns the application-dependent data of an APP packet.
func (p Packet) AppData() []byte {
	if p.Type != TypeApp || len(p.Body) < ssrcLength+nameLength {
		return nil
	}
	return p.Body[ssrcLength+nameLength:]
}

// IsApp reports whether p is an APP packet with the given name tag.
func (p Packet) IsApp(name string) bool {
	return p.Name() == name
}

// DelayMicroseconds returns the delay carried by a VDLY or XDLY packet.
func (p Packet) DelayMicroseconds() (uint32, bool) {
	if !p.IsApp(NameVDLY) && !p.IsApp(NameXDLY) {
		return 0, false
	}
	return p.appUint32()
}

// ClientVersion returns the version carried by a CVER packet.
func (p Packet) ClientVersion() (uint32, bool) {
	if !p.IsApp(NameCVER) {
		return 0, false
	}
	return p.appUint32()
}

func (p Packet) appUint32() (uint32, bool) {
	data := p.AppData()
	if len(data) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(data), true
}

// Marshal encodes the packet. Bodies that are not a whole number of 32-bit
// words are zero padded.
func (p Packet) Marshal() ([]byte, error) {
	if p.Subtype > maxSubtype {
		return nil, ErrInvalidSubtype
	}

	body := p.Body
	if rem := len(body) % 4; rem != 0 {
		body = append(append([]byte(nil), body...), make([]byte, 4-rem)...)
	}
	if len(body)/4 > 0xFFFF {
		return nil, fmt.Errorf("body of %d bytes exceeds RTCP length field", len(body))
	}

	header := rtcp.Header{
		Padding: p.Padding,
		Count:   p.Subtype,
		Type:    rtcp.PacketType(p.Type),
		Length:  uint16(len(body) / 4),
	}
	raw, err := header.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal RTCP header: %w", err)
	}
	return append(raw, body...), nil
}

// Unmarshal decodes every packet in a datagram. Compound datagrams yield one
// Packet per contained packet.
func Unmarshal(data []byte) ([]Packet, error) {
	var packets []Packet
	for len(data) > 0 {
		p, n, err := unmarshalOne(data)
		if err != nil {
			return packets, err
		}
		packets = append(packets, p)
		data = data[n:]
	}
	if len(packets) == 0 {
		return nil, fmt.Errorf("%w: empty datagram", ErrMalformedPacket)
	}
	return packets, nil
}

func unmarshalOne(data []byte) (Packet, int, error) {
	var header rtcp.Header
	if err := header.Unmarshal(data); err != nil {
		return Packet{}, 0, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	end := headerLength + int(header.Length)*4
	if end > len(data) {
		return Packet{}, 0, fmt.Errorf("%w: length %d words exceeds %d available bytes",
			ErrMalformedPacket, header.Length, len(data)-headerLength)
	}

	p := Packet{
		Type:    uint8(header.Type),
		Subtype: header.Count,
		Padding: header.Padding,
		Body:    append([]byte(nil), data[headerLength:end]...),
	}

	if p.Type == TypeApp && len(p.Body) < ssrcLength+nameLength {
		return Packet{}, 0, fmt.Errorf("%w: APP body of %d bytes has no name", ErrMalformedPacket, len(p.Body))
	}
	return p, end, nil
}

// NewApp builds an APP packet from this client. Data that is not a whole
// number of 32-bit words is padded with RTCP padding.
func NewApp(subtype uint8, name string, data []byte) (Packet, error) {
	if subtype > maxSubtype {
		return Packet{}, ErrInvalidSubtype
	}
	if len(name) != nameLength {
		return Packet{}, ErrInvalidName
	}
	for i := 0; i < len(name); i++ {
		if name[i] > 0x7F {
			return Packet{}, ErrInvalidName
		}
	}

	app := rtcp.ApplicationDefined{
		SubType: subtype,
		SSRC:    ClientSSRC,
		Name:    name,
		Data:    data,
	}
	return reparse(&app)
}

func mustApp(name string, data []byte) Packet {
	p, err := NewApp(0, name, data)
	if err != nil {
		panic(err)
	}
	return p
}

func uint32Data(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// NewVDLY requests a playback delay of delayMs milliseconds. The wire value
// is in microseconds.
func NewVDLY(delayMs uint32) Packet {
	return mustApp(NameVDLY, uint32Data(delayMs*1000))
}

// NewXDLY is the device's delay acknowledgment. Test peers use it.
func NewXDLY(delayMicroseconds uint32) Packet {
	return mustApp(NameXDLY, uint32Data(delayMicroseconds))
}

// NewCVER announces the client protocol version.
func NewCVER(version uint32) Packet {
	return mustApp(NameCVER, uint32Data(version))
}

// NewNCLI is the device's new-client acknowledgment. Test peers use it.
func NewNCLI() Packet {
	return mustApp(NameNCLI, nil)
}

// NewReceiverReport builds the empty receiver report used as a keep-alive.
func NewReceiverReport() Packet {
	return fromPion(&rtcp.ReceiverReport{SSRC: ClientSSRC})
}

// NewBye builds the goodbye sent on teardown.
func NewBye() Packet {
	return fromPion(&rtcp.Goodbye{Sources: []uint32{ClientSSRC}})
}

func fromPion(pkt rtcp.Packet) Packet {
	p, err := reparse(pkt)
	if err != nil {
		panic(err)
	}
	return p
}

// reparse marshals a pion packet and decodes it back into a Packet.
func reparse(pkt rtcp.Packet) (Packet, error) {
	raw, err := pkt.Marshal()
	if err != nil {
		return Packet{}, fmt.Errorf("marshal %T: %w", pkt, err)
	}
	packets, err := Unmarshal(raw)
	if err != nil {
		return Packet{}, fmt.Errorf("reparse %T: %w", pkt, err)
	}
	if len(packets) != 1 {
		return Packet{}, fmt.Errorf("reparse %T: %d packets", pkt, len(packets))
	}
	return packets[0], nil
}

// SenderReport decodes a sender report body.
func (p Packet) SenderReport() (*rtcp.SenderReport, error) {
	if p.Type != TypeSenderReport {
		return nil, fmt.Errorf("packet type %d is not a sender report", p.Type)
	}
	raw, err := p.Marshal()
	if err != nil {
		return nil, err
	}
	sr := &rtcp.SenderReport{}
	if err := sr.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return sr, nil
}

// Goodbye decodes a BYE body.
func (p Packet) Goodbye() (*rtcp.Goodbye, error) {
	if p.Type != TypeBye {
		return nil, fmt.Errorf("packet type %d is not a goodbye", p.Type)
	}
	raw, err := p.Marshal()
	if err != nil {
		return nil, err
	}
	bye := &rtcp.Goodbye{}
	if err := bye.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return bye, nil
}

// String describes the packet for logs.
func (p Packet) String() string {
	switch p.Type {
	case TypeApp:
		return fmt.Sprintf("APP(%s, subtype=%d, %d data bytes)", p.Name(), p.Subtype, len(p.AppData()))
	case TypeSenderReport:
		return fmt.Sprintf("SR(ssrc=%d)", p.SSRC())
	case TypeReceiverReport:
		return fmt.Sprintf("RR(ssrc=%d, blocks=%d)", p.SSRC(), p.Subtype)
	case TypeBye:
		return fmt.Sprintf("BYE(sources=%d)", p.Subtype)
	default:
		return fmt.Sprintf("RTCP(type=%d, subtype=%d, %d body bytes)", p.Type, p.Subtype, len(p.Body))
	}
}
