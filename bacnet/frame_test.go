package bacnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildWhoIs(t *testing.T) {
	frame := buildWhoIs(nil, nil)
	// BVLL broadcast header + NPDU + unconfirmed Who-Is, no parameters.
	assert.Equal(t, []byte{0x81, 0x0b, 0x00, 0x08, 0x01, 0x00, 0x10, 0x08}, frame)

	low, high := uint32(3000), uint32(3999)
	frame = buildWhoIs(&low, &high)
	f, err := parseFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, apduUnconfirmedRequest, f.apduType)
	assert.Equal(t, serviceUnconfirmedWhoIs, f.service)
}

func TestIAmRoundTrip(t *testing.T) {
	frame := buildIAm(3056496, 1024, 3, 842)
	f, err := parseFrame(frame)
	require.NoError(t, err)
	require.NotNil(t, f.iam)
	assert.Equal(t, uint32(3056496), f.iam.DeviceID)
	assert.Equal(t, uint16(1024), f.iam.MaxAPDU)
	assert.Equal(t, uint16(842), f.iam.Vendor)
}

func TestBuildReadProperty(t *testing.T) {
	frame := buildReadProperty(7, ObjectID{Type: AnalogInput, Instance: 7}, PropPresentValue)
	require.True(t, len(frame) > 4)
	assert.Equal(t, byte(0x81), frame[0])
	assert.Equal(t, byte(0x0a), frame[1], "confirmed requests go unicast")
	assert.Equal(t, len(frame), int(frame[2])<<8|int(frame[3]), "BVLL length covers the frame")

	apdu, err := skipNPDU(frame[4:])
	require.NoError(t, err)
	assert.Equal(t, apduConfirmedRequest|0x02, apdu[0])
	assert.Equal(t, byte(7), apdu[2], "invoke id")
	assert.Equal(t, serviceConfirmedReadProperty, apdu[3])
}

// A ComplexACK for analog-input 7 presentValue = 123.0, as produced by a
// real device: object id, property id, then Real 0x42F60000 in tag 3.
func readPropertyAckPayload() []byte {
	payload := appendContextObjectID(nil, 0, ObjectID{Type: AnalogInput, Instance: 7})
	payload = appendContextUint(payload, 1, uint32(PropPresentValue))
	payload = append(payload, 0x3E, 0x44, 0x42, 0xF6, 0x00, 0x00, 0x3F)
	return payload
}

func TestParseReadPropertyAck(t *testing.T) {
	tags, err := parseReadPropertyAck(readPropertyAckPayload())
	require.NoError(t, err)
	v, err := DecodeTags(tags)
	require.NoError(t, err)
	assert.Equal(t, FloatValue(123.0), v)
}

func TestParseObjectListAck(t *testing.T) {
	payload := appendContextObjectID(nil, 0, ObjectID{Type: Device, Instance: 3001})
	payload = appendContextUint(payload, 1, uint32(PropObjectList))
	payload = append(payload, 0x3E)
	for _, obj := range []ObjectID{
		{Type: Device, Instance: 3001},
		{Type: AnalogInput, Instance: 1},
		{Type: BinaryOutput, Instance: 2},
	} {
		payload = append(payload, 0xC4)
		payload = append(payload,
			byte(obj.encode()>>24), byte(obj.encode()>>16), byte(obj.encode()>>8), byte(obj.encode()))
	}
	payload = append(payload, 0x3F)

	objs, err := parseObjectListAck(payload)
	require.NoError(t, err)
	require.Len(t, objs, 3)
	assert.Equal(t, ObjectID{Type: AnalogInput, Instance: 1}, objs[1])
	assert.Equal(t, ObjectID{Type: BinaryOutput, Instance: 2}, objs[2])
}

func TestParseRPMAck(t *testing.T) {
	payload := appendContextObjectID(nil, 0, ObjectID{Type: AnalogInput, Instance: 1})
	payload = append(payload, 0x1E)
	// objectName = "Zone Temp"
	payload = appendContextUint(payload, 2, uint32(PropObjectName))
	payload = append(payload, 0x4E)
	payload = appendApplicationValue(payload, StringValue("Zone Temp"))
	payload = append(payload, 0x4F)
	// presentValue = 21.5
	payload = appendContextUint(payload, 2, uint32(PropPresentValue))
	payload = append(payload, 0x4E)
	payload = appendApplicationValue(payload, FloatValue(21.5))
	payload = append(payload, 0x4F)
	// units: device answers with an access error, which is tolerated
	payload = appendContextUint(payload, 2, uint32(PropUnits))
	payload = append(payload, 0x5E, 0x91, 0x02, 0x91, 0x20, 0x5F)
	payload = append(payload, 0x1F)

	props, err := parseRPMAck(payload)
	require.NoError(t, err)
	require.Len(t, props, 2)

	v, err := DecodeTags(props[PropObjectName])
	require.NoError(t, err)
	assert.Equal(t, StringValue("Zone Temp"), v)

	v, err = DecodeTags(props[PropPresentValue])
	require.NoError(t, err)
	assert.Equal(t, FloatValue(21.5), v)

	_, ok := props[PropUnits]
	assert.False(t, ok)
}

// Value octets that collide with the opening/closing tag octets must not
// derail the results walk. Real 12.94 encodes as 0x414F0A3D, carrying a
// 0x4F inside the value bytes.
func TestParseRPMAckValueContainsTagOctets(t *testing.T) {
	payload := appendContextObjectID(nil, 0, ObjectID{Type: AnalogInput, Instance: 2})
	payload = append(payload, 0x1E)
	payload = appendContextUint(payload, 2, uint32(PropPresentValue))
	payload = append(payload, 0x4E)
	payload = appendApplicationValue(payload, FloatValue(12.94))
	payload = append(payload, 0x4F)
	payload = appendContextUint(payload, 2, uint32(PropOutOfService))
	payload = append(payload, 0x4E)
	payload = appendApplicationValue(payload, BoolValue(false))
	payload = append(payload, 0x4F)
	payload = append(payload, 0x1F)

	props, err := parseRPMAck(payload)
	require.NoError(t, err)
	require.Len(t, props, 2)

	v, err := DecodeTags(props[PropPresentValue])
	require.NoError(t, err)
	assert.InDelta(t, 12.94, v.Float, 1e-5)

	v, err = DecodeTags(props[PropOutOfService])
	require.NoError(t, err)
	assert.Equal(t, BoolValue(false), v)
}

func TestBuildWritePropertyNull(t *testing.T) {
	frame := buildWriteProperty(9, ObjectID{Type: AnalogOutput, Instance: 2}, PropPresentValue, Null())
	apdu, err := skipNPDU(frame[4:])
	require.NoError(t, err)
	assert.Equal(t, serviceConfirmedWriteProperty, apdu[3])
	// property value is a lone Null between opening and closing tag 3
	n := len(apdu)
	assert.Equal(t, []byte{0x3E, 0x00, 0x3F}, apdu[n-3:])
}

func TestSkipNPDURouted(t *testing.T) {
	// NPDU with source addressing present (as forwarded by a router).
	data := []byte{
		0x01, 0x08, // version, control: source present
		0x00, 0x0A, // SNET
		0x01,             // SLEN
		0x63,             // SADR
		0x30, 0x05, 0x0c, // APDU: ComplexACK, invoke 5, ReadProperty
	}
	apdu, err := skipNPDU(data)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x30, 0x05, 0x0c}, apdu)
}

func TestRetryPolicyTimeouts(t *testing.T) {
	p := DefaultRetry
	// 1 + 3 attempts with timeouts 6000/6000/12000/24000 ms.
	assert.Equal(t, 6000, int(p.attemptTimeout(0).Milliseconds()))
	assert.Equal(t, 6000, int(p.attemptTimeout(1).Milliseconds()))
	assert.Equal(t, 12000, int(p.attemptTimeout(2).Milliseconds()))
	assert.Equal(t, 24000, int(p.attemptTimeout(3).Milliseconds()))
}
