// Package gossip implements the SWIM-style failure detector over UDP
// (spec §4.1) and the binary wire format it speaks (spec §6).
//
// SWIM cycle (every Config.Interval, default 1s):
//  1. Pick random member → Ping
//  2. No Ack within Config.ProbeTimeout → PingReq to K random members
//  3. No indirect Ack → mark Suspect
//  4. After Config.SuspectTimeout → mark Dead
//  5. Full roster piggybacked as a Sync every few ticks
package gossip

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageType identifies a gossip wire message.
type MessageType uint8

const (
	MsgPing     MessageType = 1
	MsgPingReq  MessageType = 2
	MsgAck      MessageType = 3
	MsgSync     MessageType = 4
	MsgCompound MessageType = 5
)

const (
	wireVersion  = 1
	idFieldLen   = 64
	headerLen    = 1 + 1 + 2 + 4 + idFieldLen + 4 // version,type,payloadLen,seq,senderID,incarnation
	maxSyncNodes = 50
)

// Header is the fixed-layout prefix of every gossip wire message.
type Header struct {
	Version     uint8
	Type        MessageType
	PayloadLen  uint16
	Seq         uint32
	SenderID    string
	Incarnation uint32
}

// SyncEntry is one roster row piggybacked on a Sync message.
type SyncEntry struct {
	ID          string
	Address     string
	Port        uint16
	State       uint8
	Incarnation uint32
	IsLeader    bool
}

// encodeID writes s into a fixed-width, NUL-padded field.
func encodeID(buf *bytes.Buffer, s string) error {
	if len(s) > idFieldLen {
		return fmt.Errorf("id %q exceeds %d bytes", s, idFieldLen)
	}
	field := make([]byte, idFieldLen)
	copy(field, s)
	_, err := buf.Write(field)
	return err
}

func decodeID(b []byte) string {
	n := bytes.IndexByte(b, 0)
	if n < 0 {
		n = len(b)
	}
	return string(b[:n])
}

// EncodePing builds a Ping message body: char[64] target_id.
func EncodePing(h Header, targetID string) ([]byte, error) {
	var body bytes.Buffer
	if err := encodeID(&body, targetID); err != nil {
		return nil, err
	}
	return encodeMessage(h, MsgPing, body.Bytes())
}

// EncodePingReq builds a PingReq message body: char[64] target_id, char[64] source_id.
func EncodePingReq(h Header, targetID, sourceID string) ([]byte, error) {
	var body bytes.Buffer
	if err := encodeID(&body, targetID); err != nil {
		return nil, err
	}
	if err := encodeID(&body, sourceID); err != nil {
		return nil, err
	}
	return encodeMessage(h, MsgPingReq, body.Bytes())
}

// EncodeAck builds an Ack message body: char[64] target_id, u16 payload_len, payload.
func EncodeAck(h Header, targetID string, payload []byte) ([]byte, error) {
	var body bytes.Buffer
	if err := encodeID(&body, targetID); err != nil {
		return nil, err
	}
	if len(payload) > 0xFFFF {
		return nil, errors.New("ack payload too large")
	}
	if err := binary.Write(&body, binary.LittleEndian, uint16(len(payload))); err != nil {
		return nil, err
	}
	body.Write(payload)
	return encodeMessage(h, MsgAck, body.Bytes())
}

// EncodeSync builds a Sync message body: u32 node_count, node_count * entry.
func EncodeSync(h Header, entries []SyncEntry) ([]byte, error) {
	if len(entries) > maxSyncNodes {
		entries = entries[:maxSyncNodes]
	}
	var body bytes.Buffer
	if err := binary.Write(&body, binary.LittleEndian, uint32(len(entries))); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := encodeID(&body, e.ID); err != nil {
			return nil, err
		}
		if err := encodeID(&body, e.Address); err != nil {
			return nil, err
		}
		binary.Write(&body, binary.LittleEndian, e.Port)
		body.WriteByte(e.State)
		binary.Write(&body, binary.LittleEndian, e.Incarnation)
		isLeader := uint8(0)
		if e.IsLeader {
			isLeader = 1
		}
		body.WriteByte(isLeader)
	}
	return encodeMessage(h, MsgSync, body.Bytes())
}

func encodeMessage(h Header, typ MessageType, body []byte) ([]byte, error) {
	if len(body) > 0xFFFF {
		return nil, errors.New("gossip message body too large")
	}
	var buf bytes.Buffer
	buf.WriteByte(wireVersion)
	buf.WriteByte(uint8(typ))
	binary.Write(&buf, binary.LittleEndian, uint16(len(body)))
	binary.Write(&buf, binary.LittleEndian, h.Seq)
	if err := encodeID(&buf, h.SenderID); err != nil {
		return nil, err
	}
	binary.Write(&buf, binary.LittleEndian, h.Incarnation)
	buf.Write(body)
	return buf.Bytes(), nil
}

// DecodedMessage is a parsed gossip wire message.
type DecodedMessage struct {
	Header   Header
	Target   string
	Source   string
	AckPayload []byte
	Entries  []SyncEntry
}

// Decode parses a raw UDP datagram into a DecodedMessage.
func Decode(data []byte) (*DecodedMessage, error) {
	if len(data) < headerLen {
		return nil, errors.New("gossip message too short for header")
	}
	version := data[0]
	if version != wireVersion {
		return nil, fmt.Errorf("unsupported gossip wire version %d", version)
	}
	typ := MessageType(data[1])
	payloadLen := binary.LittleEndian.Uint16(data[2:4])
	seq := binary.LittleEndian.Uint32(data[4:8])
	senderID := decodeID(data[8 : 8+idFieldLen])
	incarnation := binary.LittleEndian.Uint32(data[8+idFieldLen : headerLen])

	body := data[headerLen:]
	if int(payloadLen) > len(body) {
		return nil, errors.New("gossip payload length exceeds datagram size")
	}
	body = body[:payloadLen]

	msg := &DecodedMessage{
		Header: Header{
			Version:     version,
			Type:        typ,
			PayloadLen:  payloadLen,
			Seq:         seq,
			SenderID:    senderID,
			Incarnation: incarnation,
		},
	}

	switch typ {
	case MsgPing:
		if len(body) < idFieldLen {
			return nil, errors.New("truncated ping body")
		}
		msg.Target = decodeID(body[:idFieldLen])
	case MsgPingReq:
		if len(body) < 2*idFieldLen {
			return nil, errors.New("truncated ping-req body")
		}
		msg.Target = decodeID(body[:idFieldLen])
		msg.Source = decodeID(body[idFieldLen : 2*idFieldLen])
	case MsgAck:
		if len(body) < idFieldLen+2 {
			return nil, errors.New("truncated ack body")
		}
		msg.Target = decodeID(body[:idFieldLen])
		n := binary.LittleEndian.Uint16(body[idFieldLen : idFieldLen+2])
		rest := body[idFieldLen+2:]
		if int(n) > len(rest) {
			return nil, errors.New("ack payload length exceeds body")
		}
		msg.AckPayload = rest[:n]
	case MsgSync, MsgCompound:
		if len(body) < 4 {
			return nil, errors.New("truncated sync body")
		}
		count := binary.LittleEndian.Uint32(body[:4])
		off := 4
		entrySize := idFieldLen + idFieldLen + 2 + 1 + 4 + 1
		for i := uint32(0); i < count; i++ {
			if off+entrySize > len(body) {
				return nil, errors.New("truncated sync entry")
			}
			e := SyncEntry{}
			e.ID = decodeID(body[off : off+idFieldLen])
			off += idFieldLen
			e.Address = decodeID(body[off : off+idFieldLen])
			off += idFieldLen
			e.Port = binary.LittleEndian.Uint16(body[off : off+2])
			off += 2
			e.State = body[off]
			off++
			e.Incarnation = binary.LittleEndian.Uint32(body[off : off+4])
			off += 4
			e.IsLeader = body[off] != 0
			off++
			msg.Entries = append(msg.Entries, e)
		}
	default:
		return nil, fmt.Errorf("unknown gossip message type %d", typ)
	}

	return msg, nil
}
