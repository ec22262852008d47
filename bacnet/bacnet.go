// Package bacnet implements the subset of BACnet/IPv4 needed to bridge
// building automation devices onto MQTT: Who-Is/I-Am discovery,
// ReadProperty, ReadPropertyMultiple, and WriteProperty against standard
// object types, plus decoding of application-tagged values.
package bacnet

import (
	"fmt"
	"strings"
)

// DefaultPort is the standard BACnet/IP UDP port.
const DefaultPort = 47808

// BVLC (BACnet/IP Virtual Link Control) constants.
const (
	bvlcTypeIP byte = 0x81

	bvlcOriginalUnicast   byte = 0x0a
	bvlcOriginalBroadcast byte = 0x0b
)

// NPDU control field values.
const (
	npduNormal         byte = 0x00
	npduExpectingReply byte = 0x04
)

// APDU types (upper nibble of the first APDU octet).
const (
	apduConfirmedRequest   byte = 0x00
	apduUnconfirmedRequest byte = 0x10
	apduSimpleAck          byte = 0x20
	apduComplexAck         byte = 0x30
	apduError              byte = 0x50
	apduReject             byte = 0x60
	apduAbort              byte = 0x70
)

// Service choices.
const (
	serviceUnconfirmedIAm   byte = 0x00
	serviceUnconfirmedWhoIs byte = 0x08

	serviceConfirmedReadProperty         byte = 0x0c
	serviceConfirmedReadPropertyMultiple byte = 0x0e
	serviceConfirmedWriteProperty        byte = 0x0f
)

// ObjectType identifies the type half of a BACnet object identifier.
type ObjectType uint16

const (
	AnalogInput      ObjectType = 0
	AnalogOutput     ObjectType = 1
	AnalogValue      ObjectType = 2
	BinaryInput      ObjectType = 3
	BinaryOutput     ObjectType = 4
	BinaryValue      ObjectType = 5
	Device           ObjectType = 8
	MultiStateInput  ObjectType = 13
	MultiStateOutput ObjectType = 14
	MultiStateValue  ObjectType = 19
	DateValue        ObjectType = 38
)

var objectTypeNames = map[ObjectType]string{
	AnalogInput:      "analog-input",
	AnalogOutput:     "analog-output",
	AnalogValue:      "analog-value",
	BinaryInput:      "binary-input",
	BinaryOutput:     "binary-output",
	BinaryValue:      "binary-value",
	Device:           "device",
	MultiStateInput:  "multi-state-input",
	MultiStateOutput: "multi-state-output",
	MultiStateValue:  "multi-state-value",
	DateValue:        "date-value",
}

// String returns the hyphenated name of t, or a numeric form for types
// outside the supported set.
func (t ObjectType) String() string {
	if s, ok := objectTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("object-type-%d", uint16(t))
}

// IsAnalog reports whether t is one of the analog object families.
func (t ObjectType) IsAnalog() bool {
	return t == AnalogInput || t == AnalogOutput || t == AnalogValue
}

// IsBinary reports whether t is one of the binary object families.
func (t ObjectType) IsBinary() bool {
	return t == BinaryInput || t == BinaryOutput || t == BinaryValue
}

// IsMultiState reports whether t is one of the multi-state object families.
func (t ObjectType) IsMultiState() bool {
	return t == MultiStateInput || t == MultiStateOutput || t == MultiStateValue
}

// ParseObjectType parses both the hyphenated form stored in the
// configuration database ("analog-input") and the camel form used on some
// wire payloads ("analogInput").
func ParseObjectType(s string) (ObjectType, error) {
	norm := strings.ToLower(strings.ReplaceAll(s, "-", ""))
	for t, name := range objectTypeNames {
		if strings.ReplaceAll(name, "-", "") == norm {
			return t, nil
		}
	}
	return 0, fmt.Errorf("bacnet: unknown object type %q", s)
}

// ObjectID is a BACnet object identifier, the (type, instance) pair that
// addresses an object on a device. Instances are 22-bit.
type ObjectID struct {
	Type     ObjectType
	Instance uint32
}

func (o ObjectID) String() string {
	return fmt.Sprintf("%s:%d", o.Type, o.Instance)
}

func (o ObjectID) encode() uint32 {
	return uint32(o.Type)<<22 | o.Instance&0x3FFFFF
}

func decodeObjectID(v uint32) ObjectID {
	return ObjectID{Type: ObjectType(v >> 22), Instance: v & 0x3FFFFF}
}

// PropertyID identifies a property of a BACnet object.
type PropertyID uint32

const (
	PropActiveText     PropertyID = 4
	PropCOVIncrement   PropertyID = 22
	PropDescription    PropertyID = 28
	PropEventState     PropertyID = 36
	PropInactiveText   PropertyID = 46
	PropMaxPresValue   PropertyID = 65
	PropMinPresValue   PropertyID = 69
	PropNumberOfStates PropertyID = 74
	PropObjectList     PropertyID = 76
	PropObjectName     PropertyID = 77
	PropOutOfService   PropertyID = 81
	PropPresentValue   PropertyID = 85
	PropPriorityArray  PropertyID = 87
	PropReliability    PropertyID = 103
	PropResolution     PropertyID = 106
	PropStateText      PropertyID = 110
	PropStatusFlags    PropertyID = 111
	PropTimeDelay      PropertyID = 113
	PropUnits          PropertyID = 117
)

var propertyNames = map[PropertyID]string{
	PropActiveText:     "activeText",
	PropCOVIncrement:   "covIncrement",
	PropDescription:    "description",
	PropEventState:     "eventState",
	PropInactiveText:   "inactiveText",
	PropMaxPresValue:   "maxPresValue",
	PropMinPresValue:   "minPresValue",
	PropNumberOfStates: "numberOfStates",
	PropObjectList:     "objectList",
	PropObjectName:     "objectName",
	PropOutOfService:   "outOfService",
	PropPresentValue:   "presentValue",
	PropPriorityArray:  "priorityArray",
	PropReliability:    "reliability",
	PropResolution:     "resolution",
	PropStateText:      "stateText",
	PropStatusFlags:    "statusFlags",
	PropTimeDelay:      "timeDelay",
	PropUnits:          "units",
}

func (p PropertyID) String() string {
	if s, ok := propertyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("property-%d", uint32(p))
}

// DiscoveryProperties is the fixed property set read for every object
// enumerated during a discovery sweep. Missing properties are tolerated.
var DiscoveryProperties = []PropertyID{
	PropObjectName, PropDescription, PropPresentValue, PropUnits,
	PropStatusFlags, PropReliability, PropOutOfService, PropEventState,
	PropPriorityArray, PropCOVIncrement, PropTimeDelay,
	PropActiveText, PropInactiveText, PropStateText, PropNumberOfStates,
	PropMinPresValue, PropMaxPresValue, PropResolution,
}
