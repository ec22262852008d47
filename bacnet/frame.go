package bacnet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var errShortFrame = errors.New("bacnet: short frame")

// appendBVLL wraps an NPDU+APDU body in the BACnet/IP virtual link layer.
func appendBVLL(function byte, body []byte) []byte {
	frame := make([]byte, 0, 4+len(body))
	frame = append(frame, bvlcTypeIP, function)
	frame = binary.BigEndian.AppendUint16(frame, uint16(4+len(body)))
	return append(frame, body...)
}

func appendNPDU(b []byte, expectingReply bool) []byte {
	control := npduNormal
	if expectingReply {
		control = npduExpectingReply
	}
	return append(b, 1, control) // protocol version 1
}

// buildWhoIs encodes an unconfirmed Who-Is, optionally bounded to a device
// instance range.
func buildWhoIs(low, high *uint32) []byte {
	body := appendNPDU(nil, false)
	body = append(body, apduUnconfirmedRequest, serviceUnconfirmedWhoIs)
	if low != nil && high != nil {
		body = appendContextUint(body, 0, *low)
		body = appendContextUint(body, 1, *high)
	}
	return appendBVLL(bvlcOriginalBroadcast, body)
}

// maxSegsMaxAPDU encodes "7 segments accepted, max APDU 1476" the same way
// for every confirmed request we issue.
const maxSegsMaxAPDU byte = 0x75

func buildReadProperty(invokeID byte, obj ObjectID, prop PropertyID) []byte {
	body := appendNPDU(nil, true)
	body = append(body, apduConfirmedRequest|0x02, maxSegsMaxAPDU, invokeID, serviceConfirmedReadProperty)
	body = appendContextObjectID(body, 0, obj)
	body = appendContextUint(body, 1, uint32(prop))
	return appendBVLL(bvlcOriginalUnicast, body)
}

func buildWriteProperty(invokeID byte, obj ObjectID, prop PropertyID, value Value) []byte {
	body := appendNPDU(nil, true)
	body = append(body, apduConfirmedRequest|0x02, maxSegsMaxAPDU, invokeID, serviceConfirmedWriteProperty)
	body = appendContextObjectID(body, 0, obj)
	body = appendContextUint(body, 1, uint32(prop))
	body = append(body, 0x3E) // property value, opening tag 3
	body = appendApplicationValue(body, value)
	body = append(body, 0x3F)
	return appendBVLL(bvlcOriginalUnicast, body)
}

func buildReadPropertyMultiple(invokeID byte, obj ObjectID, props []PropertyID) []byte {
	body := appendNPDU(nil, true)
	body = append(body, apduConfirmedRequest|0x02, maxSegsMaxAPDU, invokeID, serviceConfirmedReadPropertyMultiple)
	body = appendContextObjectID(body, 0, obj)
	body = append(body, 0x1E) // list of property references, opening tag 1
	for _, p := range props {
		body = appendContextUint(body, 0, uint32(p))
	}
	body = append(body, 0x1F)
	return appendBVLL(bvlcOriginalUnicast, body)
}

// buildIAm encodes the unconfirmed I-Am announcing our local device.
func buildIAm(deviceID uint32, maxAPDU uint16, segmentation byte, vendor uint16) []byte {
	body := appendNPDU(nil, false)
	body = append(body, apduUnconfirmedRequest, serviceUnconfirmedIAm)
	body = append(body, 0xC4) // application object identifier
	body = binary.BigEndian.AppendUint32(body, ObjectID{Type: Device, Instance: deviceID}.encode())
	body = appendApplicationValue(body, UintValue(uint64(maxAPDU)))
	body = appendApplicationValue(body, EnumValue(uint32(segmentation)))
	body = appendApplicationValue(body, UintValue(uint64(vendor)))
	return appendBVLL(bvlcOriginalBroadcast, body)
}

func appendContextUint(b []byte, tagNum byte, v uint32) []byte {
	data := minimalUint(uint64(v))
	b = append(b, tagNum<<4|0x08|byte(len(data)))
	return append(b, data...)
}

func appendContextObjectID(b []byte, tagNum byte, obj ObjectID) []byte {
	b = append(b, tagNum<<4|0x08|4)
	return binary.BigEndian.AppendUint32(b, obj.encode())
}

// frame is a classified inbound packet.
type frame struct {
	apduType byte
	service  byte
	invokeID byte
	payload  []byte // service payload for ComplexACK / Error, reason octet(s) for Reject/Abort
	iam      *IAm
}

// IAm is a decoded I-Am announcement.
type IAm struct {
	DeviceID uint32
	MaxAPDU  uint16
	Vendor   uint16
	Addr     string
}

// parseFrame strips BVLL and NPDU headers and classifies the APDU.
func parseFrame(data []byte) (*frame, error) {
	if len(data) < 4 || data[0] != bvlcTypeIP {
		return nil, errors.New("bacnet: not a BACnet/IP frame")
	}
	function := data[1]
	data = data[4:]
	if function == 0x04 { // Forwarded-NPDU carries the originating B/IP address
		if len(data) < 6 {
			return nil, errShortFrame
		}
		data = data[6:]
	}
	apdu, err := skipNPDU(data)
	if err != nil {
		return nil, err
	}
	if len(apdu) < 2 {
		return nil, errShortFrame
	}

	f := &frame{apduType: apdu[0] & 0xF0}
	switch f.apduType {
	case apduUnconfirmedRequest:
		f.service = apdu[1]
		f.payload = apdu[2:]
		if f.service == serviceUnconfirmedIAm {
			iam, err := parseIAm(f.payload)
			if err != nil {
				return nil, err
			}
			f.iam = iam
		}
	case apduComplexAck:
		if len(apdu) < 3 {
			return nil, errShortFrame
		}
		f.invokeID = apdu[1]
		f.service = apdu[2]
		f.payload = apdu[3:]
	case apduSimpleAck:
		if len(apdu) < 3 {
			return nil, errShortFrame
		}
		f.invokeID = apdu[1]
		f.service = apdu[2]
	case apduError:
		if len(apdu) < 3 {
			return nil, errShortFrame
		}
		f.invokeID = apdu[1]
		f.service = apdu[2]
		f.payload = apdu[3:]
	case apduReject, apduAbort:
		f.invokeID = apdu[1]
		if len(apdu) > 2 {
			f.payload = apdu[2:]
		}
	default:
		return nil, fmt.Errorf("bacnet: unhandled APDU type 0x%02x", f.apduType)
	}
	return f, nil
}

// skipNPDU returns the APDU after the network header, skipping routed
// source/destination addressing when present.
func skipNPDU(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, errShortFrame
	}
	control := data[1]
	i := 2
	if control&0x20 != 0 { // destination present: DNET(2) DLEN(1) DADR(n)
		if len(data) < i+3 {
			return nil, errShortFrame
		}
		i += 3 + int(data[i+2])
	}
	if control&0x08 != 0 { // source present: SNET(2) SLEN(1) SADR(n)
		if len(data) < i+3 {
			return nil, errShortFrame
		}
		i += 3 + int(data[i+2])
	}
	if control&0x20 != 0 {
		i++ // hop count
	}
	if len(data) < i {
		return nil, errShortFrame
	}
	return data[i:], nil
}

func parseIAm(payload []byte) (*IAm, error) {
	tags, err := parseApplicationTags(payload)
	if err != nil {
		return nil, fmt.Errorf("bacnet: bad I-Am: %w", err)
	}
	if len(tags) < 4 || tags[0].Number != 12 || len(tags[0].Data) != 4 {
		return nil, errors.New("bacnet: bad I-Am: missing device identifier")
	}
	obj := decodeObjectID(binary.BigEndian.Uint32(tags[0].Data))
	if obj.Type != Device {
		return nil, errors.New("bacnet: bad I-Am: identifier is not a device object")
	}
	return &IAm{
		DeviceID: obj.Instance,
		MaxAPDU:  uint16(beUint(tags[1].Data)),
		Vendor:   uint16(beUint(tags[3].Data)),
	}, nil
}

// parseApplicationTags splits an application-tagged byte stream into tags.
// Opening/closing context tags are dropped; context-tagged data is kept
// with its tag number so callers can dispatch on it.
func parseApplicationTags(data []byte) ([]Tag, error) {
	var tags []Tag
	for i := 0; i < len(data); {
		octet := data[i]
		i++
		num := octet >> 4
		if octet&0x08 != 0 { // context class
			lvt := octet & 0x07
			if lvt == 6 || lvt == 7 { // opening / closing
				continue
			}
			n := int(lvt)
			if lvt == 5 {
				if i >= len(data) {
					return nil, errShortFrame
				}
				n = int(data[i])
				i++
			}
			if i+n > len(data) {
				return nil, errShortFrame
			}
			tags = append(tags, Tag{Number: num, Data: data[i : i+n]})
			i += n
			continue
		}
		if num == 1 { // application Boolean carries its value in the length field
			tags = append(tags, Tag{Number: 1, Data: []byte{octet & 0x07}})
			continue
		}
		n := int(octet & 0x07)
		if n == 5 {
			if i >= len(data) {
				return nil, errShortFrame
			}
			n = int(data[i])
			i++
			if n == 254 {
				if i+2 > len(data) {
					return nil, errShortFrame
				}
				n = int(binary.BigEndian.Uint16(data[i:]))
				i += 2
			}
		}
		if i+n > len(data) {
			return nil, errShortFrame
		}
		d := data[i : i+n]
		if num == 7 && n > 0 {
			d = d[1:] // drop the character set octet, UTF-8 assumed
		}
		tags = append(tags, Tag{Number: num, Data: d})
		i += n
	}
	return tags, nil
}

// parseReadPropertyAck extracts the property value tags from a
// ReadProperty ComplexACK payload (object id, property id, then the value
// between opening and closing tag 3).
func parseReadPropertyAck(payload []byte) ([]Tag, error) {
	i := 0
	// context tag 0: object identifier
	if len(payload) < i+5 || payload[i] != 0x0C {
		return nil, errors.New("bacnet: ReadProperty ack: missing object identifier")
	}
	i += 5
	// context tag 1: property identifier
	if i >= len(payload) || payload[i]>>4 != 1 {
		return nil, errors.New("bacnet: ReadProperty ack: missing property identifier")
	}
	n := int(payload[i] & 0x07)
	i += 1 + n
	// optional context tag 2: array index
	if i < len(payload) && payload[i]>>4 == 2 && payload[i]&0x0F < 5 {
		i += 1 + int(payload[i]&0x07)
	}
	if i >= len(payload) || payload[i] != 0x3E {
		return nil, errors.New("bacnet: ReadProperty ack: missing value opening tag")
	}
	end := len(payload)
	if payload[end-1] == 0x3F {
		end--
	}
	return parseApplicationTags(payload[i+1 : end])
}

// parseObjectListAck decodes a ReadProperty ack for the objectList
// property into object identifiers.
func parseObjectListAck(payload []byte) ([]ObjectID, error) {
	tags, err := parseReadPropertyAck(payload)
	if err != nil {
		return nil, err
	}
	objs := make([]ObjectID, 0, len(tags))
	for _, t := range tags {
		if t.Number != 12 || len(t.Data) != 4 {
			continue
		}
		objs = append(objs, decodeObjectID(binary.BigEndian.Uint32(t.Data)))
	}
	return objs, nil
}

// parseRPMAck decodes a ReadPropertyMultiple ack for a single object into
// per-property tag lists. Properties that came back as access errors
// (opening tag 5) are skipped.
func parseRPMAck(payload []byte) (map[PropertyID][]Tag, error) {
	i := 0
	if len(payload) < 5 || payload[0] != 0x0C {
		return nil, errors.New("bacnet: RPM ack: missing object identifier")
	}
	i += 5
	if i >= len(payload) || payload[i] != 0x1E {
		return nil, errors.New("bacnet: RPM ack: missing results opening tag")
	}
	i++
	results := make(map[PropertyID][]Tag)
	for i < len(payload) && payload[i] != 0x1F {
		// context tag 2: property identifier
		if payload[i]>>4 != 2 || payload[i]&0x08 == 0 {
			return nil, fmt.Errorf("bacnet: RPM ack: expected property identifier at %d", i)
		}
		n := int(payload[i] & 0x07)
		if i+1+n > len(payload) {
			return nil, errShortFrame
		}
		prop := PropertyID(beUint(payload[i+1 : i+1+n]))
		i += 1 + n
		// optional context tag 3: array index
		if i < len(payload) && payload[i]>>4 == 3 && payload[i]&0x08 != 0 && payload[i]&0x07 < 5 {
			i += 1 + int(payload[i]&0x07)
		}
		if i >= len(payload) {
			return nil, errShortFrame
		}
		switch payload[i] {
		case 0x4E: // property value
			end, err := findClosing(payload, i, 4)
			if err != nil {
				return nil, err
			}
			tags, err := parseApplicationTags(payload[i+1 : end])
			if err != nil {
				return nil, err
			}
			results[prop] = tags
			i = end + 1
		case 0x5E: // property access error, tolerated
			end, err := findClosing(payload, i, 5)
			if err != nil {
				return nil, err
			}
			i = end + 1
		default:
			return nil, fmt.Errorf("bacnet: RPM ack: unexpected tag 0x%02x", payload[i])
		}
	}
	return results, nil
}

// findClosing walks the tag stream from the opening tag at start to the
// matching closing tag of tagNum. Tags are stepped over structurally, so
// value octets that happen to equal an opening or closing octet (any Real
// whose exponent byte is 0x4E/0x4F, bit strings, ...) cannot end the scan
// early.
func findClosing(data []byte, start int, tagNum byte) (int, error) {
	opening := tagNum<<4 | 0x0E
	closing := tagNum<<4 | 0x0F
	depth := 0
	for i := start; i < len(data); {
		switch data[i] {
		case opening:
			depth++
			i++
		case closing:
			depth--
			if depth == 0 {
				return i, nil
			}
			i++
		default:
			next, err := skipTag(data, i)
			if err != nil {
				return 0, err
			}
			i = next
		}
	}
	return 0, errShortFrame
}

// skipTag returns the index just past the tag whose initial octet is at i,
// using the same length rules as [parseApplicationTags]. Opening and
// closing tags of any number are single octets.
func skipTag(data []byte, i int) (int, error) {
	octet := data[i]
	i++
	lvt := octet & 0x07
	if octet&0x08 != 0 {
		if lvt >= 6 { // opening / closing
			return i, nil
		}
	} else if octet>>4 == 1 { // application Boolean carries its value in the length field
		return i, nil
	}
	n := int(lvt)
	if lvt == 5 {
		if i >= len(data) {
			return 0, errShortFrame
		}
		n = int(data[i])
		i++
		if n == 254 {
			if i+2 > len(data) {
				return 0, errShortFrame
			}
			n = int(binary.BigEndian.Uint16(data[i:]))
			i += 2
		}
	}
	if i+n > len(data) {
		return 0, errShortFrame
	}
	return i + n, nil
}

// errorClassCode decodes the class and code of an Error PDU payload.
func errorClassCode(payload []byte) (class, code uint32) {
	tags, err := parseApplicationTags(payload)
	if err != nil || len(tags) < 2 {
		return 0, 0
	}
	return uint32(beUint(tags[0].Data)), uint32(beUint(tags[1].Data))
}
