package feed

import (
	"bufio"
	"fmt"
	"io"
)

// Minimal MQTT 3.1.1 framing, QoS 0 only: enough for vendor devices that
// CONNECT, PUBLISH ticks, and PINGREQ.

const (
	packetConnect     = 1
	packetPublish     = 3
	packetSubscribe   = 8
	packetUnsubscribe = 10
	packetPingReq     = 12
	packetDisconnect  = 14
)

// rawPacket is one decoded control packet.
type rawPacket struct {
	header  byte
	payload []byte
}

func (p rawPacket) packetType() byte { return p.header >> 4 }

// readPacket decodes the fixed header and variable payload of one packet.
func readPacket(r *bufio.Reader) (rawPacket, error) {
	header, err := r.ReadByte()
	if err != nil {
		return rawPacket{}, err
	}

	remaining, err := readRemainingLength(r)
	if err != nil {
		return rawPacket{}, fmt.Errorf("read remaining length: %w", err)
	}

	payload := make([]byte, remaining)
	if _, err := io.ReadFull(r, payload); err != nil {
		return rawPacket{}, fmt.Errorf("read packet body: %w", err)
	}
	return rawPacket{header: header, payload: payload}, nil
}

func readRemainingLength(r *bufio.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&127) * multiplier
		if digit&128 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("malformed remaining length")
}

func encodeRemainingLength(length int) []byte {
	if length < 0 {
		length = 0
	}
	var encoded []byte
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		encoded = append(encoded, digit)
		if length == 0 {
			return encoded
		}
	}
}

// body is a cursor over a packet's variable payload.
type body []byte

func (b *body) readByte() (byte, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}
	v := (*b)[0]
	*b = (*b)[1:]
	return v, nil
}

func (b *body) readUint16() (uint16, error) {
	if len(*b) < 2 {
		return 0, io.EOF
	}
	v := uint16((*b)[0])<<8 | uint16((*b)[1])
	*b = (*b)[2:]
	return v, nil
}

func (b *body) readString() (string, error) {
	l, err := b.readUint16()
	if err != nil {
		return "", err
	}
	if len(*b) < int(l) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*b)[:l])
	*b = (*b)[l:]
	return s, nil
}

func (b *body) rest() []byte {
	out := make([]byte, len(*b))
	copy(out, *b)
	*b = nil
	return out
}

func (b *body) remaining() int { return len(*b) }

// connectRequest is the decoded CONNECT packet. The client id carries the
// vendor identity; the auth collaborator established it upstream.
type connectRequest struct {
	clientID  string
	keepAlive uint16
}

func parseConnect(payload []byte) (connectRequest, error) {
	rd := body(payload)

	proto, err := rd.readString()
	if err != nil {
		return connectRequest{}, fmt.Errorf("read protocol name: %w", err)
	}
	if proto != "MQTT" {
		return connectRequest{}, fmt.Errorf("unsupported protocol %q", proto)
	}

	level, err := rd.readByte()
	if err != nil {
		return connectRequest{}, fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 {
		return connectRequest{}, fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return connectRequest{}, fmt.Errorf("read connect flags: %w", err)
	}
	// Will, auth, and session flags are not part of the feed contract.
	if flags&^byte(1<<1) != 0 {
		return connectRequest{}, fmt.Errorf("unsupported connect flags %08b", flags)
	}

	keepAlive, err := rd.readUint16()
	if err != nil {
		return connectRequest{}, fmt.Errorf("read keepalive: %w", err)
	}

	clientID, err := rd.readString()
	if err != nil {
		return connectRequest{}, fmt.Errorf("read client id: %w", err)
	}

	return connectRequest{clientID: clientID, keepAlive: keepAlive}, nil
}

// publishRequest is the decoded QoS 0 PUBLISH packet.
type publishRequest struct {
	topic   string
	payload []byte
}

func parsePublish(p rawPacket) (publishRequest, error) {
	if qos := (p.header >> 1) & 0x03; qos != 0 {
		return publishRequest{}, fmt.Errorf("unsupported qos %d", qos)
	}

	rd := body(p.payload)
	topic, err := rd.readString()
	if err != nil {
		return publishRequest{}, fmt.Errorf("read topic: %w", err)
	}
	return publishRequest{topic: topic, payload: rd.rest()}, nil
}

func buildConnAck(accepted bool) []byte {
	code := byte(0x00)
	if !accepted {
		code = 0x05 // not authorized
	}
	return []byte{0x20, 0x02, 0x00, code}
}

func buildPingResp() []byte {
	return []byte{0xD0, 0x00}
}

// buildSubAckFailure acknowledges a SUBSCRIBE with a failure code per topic;
// the feed is ingest-only and grants no subscriptions.
func buildSubAckFailure(payload []byte) ([]byte, error) {
	rd := body(payload)
	packetID, err := rd.readUint16()
	if err != nil {
		return nil, fmt.Errorf("read packet id: %w", err)
	}

	topics := 0
	for rd.remaining() > 0 {
		if _, err := rd.readString(); err != nil {
			return nil, fmt.Errorf("read topic: %w", err)
		}
		if _, err := rd.readByte(); err != nil {
			return nil, fmt.Errorf("read qos: %w", err)
		}
		topics++
	}
	if topics == 0 {
		return nil, fmt.Errorf("subscribe without topics")
	}

	remaining := 2 + topics
	packet := make([]byte, 0, 2+remaining)
	packet = append(packet, 0x90)
	packet = append(packet, encodeRemainingLength(remaining)...)
	packet = append(packet, byte(packetID>>8), byte(packetID&0xFF))
	for i := 0; i < topics; i++ {
		packet = append(packet, 0x80) // failure
	}
	return packet, nil
}

func buildUnsubAck(payload []byte) ([]byte, error) {
	rd := body(payload)
	packetID, err := rd.readUint16()
	if err != nil {
		return nil, fmt.Errorf("read packet id: %w", err)
	}
	return []byte{0xB0, 0x02, byte(packetID >> 8), byte(packetID & 0xFF)}, nil
}
