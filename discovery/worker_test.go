package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servisys/bacbridge/bacnet"
	"github.com/servisys/bacbridge/config"
	"github.com/servisys/bacbridge/store"
)

func TestBroadcastAddr(t *testing.T) {
	addr, err := BroadcastAddr("192.168.1.37", 24, 47808)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.255:47808", addr)

	addr, err = BroadcastAddr("10.20.33.7", 16, 0)
	require.NoError(t, err)
	assert.Equal(t, "10.20.255.255:47808", addr)

	// Out-of-range prefix falls back to /24.
	addr, err = BroadcastAddr("172.16.5.9", 0, 47808)
	require.NoError(t, err)
	assert.Equal(t, "172.16.5.255:47808", addr)

	_, err = BroadcastAddr("not-an-ip", 24, 47808)
	assert.Error(t, err)
}

func TestCollectIAmsDedups(t *testing.T) {
	ch := make(chan bacnet.IAm, 8)
	ch <- bacnet.IAm{DeviceID: 3001, Addr: "10.0.0.1:47808"}
	ch <- bacnet.IAm{DeviceID: 3002, Addr: "10.0.0.2:47808"}
	ch <- bacnet.IAm{DeviceID: 3001, Addr: "10.0.0.1:47808"}

	heard := collectIAms(context.Background(), ch, 50*time.Millisecond)
	require.Len(t, heard, 2)
	assert.Equal(t, uint32(3001), heard[0].DeviceID)
	assert.Equal(t, uint32(3002), heard[1].DeviceID)
}

type fakeScanner struct {
	iams    chan bacnet.IAm
	names   map[uint32]string
	objects map[uint32][]bacnet.ObjectID
	props   map[string]map[bacnet.PropertyID][]bacnet.Tag
	whoIs   []string
}

func (f *fakeScanner) WhoIs(broadcast string, _, _ *uint32) error {
	f.whoIs = append(f.whoIs, broadcast)
	return nil
}

func (f *fakeScanner) IAms() <-chan bacnet.IAm { return f.iams }

func (f *fakeScanner) ReadProperty(_ context.Context, _ string, obj bacnet.ObjectID, _ bacnet.PropertyID) (bacnet.Value, error) {
	return bacnet.StringValue(f.names[obj.Instance]), nil
}

func (f *fakeScanner) ReadObjectList(_ context.Context, _ string, deviceID uint32) ([]bacnet.ObjectID, error) {
	return f.objects[deviceID], nil
}

func (f *fakeScanner) ReadProperties(_ context.Context, _ string, obj bacnet.ObjectID, _ []bacnet.PropertyID) (map[bacnet.PropertyID][]bacnet.Tag, error) {
	return f.props[obj.String()], nil
}

func (f *fakeScanner) Close() error { return nil }

type fakeStore struct {
	job       *store.DiscoveryJob
	devices   []store.DiscoveredDevice
	points    map[string][]store.DiscoveredPoint
	completed []string
	failed    map[string]string
}

func (f *fakeStore) NextDiscoveryJob(context.Context) (*store.DiscoveryJob, error) {
	job := f.job
	f.job = nil
	return job, nil
}

func (f *fakeStore) CompleteDiscoveryJob(_ context.Context, jobID string, _, _ int) error {
	f.completed = append(f.completed, jobID)
	return nil
}

func (f *fakeStore) FailDiscoveryJob(_ context.Context, jobID, message string) error {
	if f.failed == nil {
		f.failed = make(map[string]string)
	}
	f.failed[jobID] = message
	return nil
}

func (f *fakeStore) UpsertDevice(_ context.Context, d store.DiscoveredDevice) (string, error) {
	f.devices = append(f.devices, d)
	return "db-" + d.Name, nil
}

func (f *fakeStore) UpsertPoint(_ context.Context, deviceDBID string, p store.DiscoveredPoint) error {
	if f.points == nil {
		f.points = make(map[string][]store.DiscoveredPoint)
	}
	f.points[deviceDBID] = append(f.points[deviceDBID], p)
	return nil
}

func nameTags(s string) []bacnet.Tag {
	return []bacnet.Tag{{Number: 7, Data: []byte(s)}}
}

func TestRunJob(t *testing.T) {
	ai1 := bacnet.ObjectID{Type: bacnet.AnalogInput, Instance: 1}
	bo2 := bacnet.ObjectID{Type: bacnet.BinaryOutput, Instance: 2}
	scanner := &fakeScanner{
		iams:  make(chan bacnet.IAm, 1),
		names: map[uint32]string{3001: "AHU-1 Controller"},
		objects: map[uint32][]bacnet.ObjectID{
			3001: {
				{Type: bacnet.Device, Instance: 3001},
				ai1,
				bo2,
			},
		},
		props: map[string]map[bacnet.PropertyID][]bacnet.Tag{
			ai1.String(): {
				bacnet.PropObjectName:   nameTags("Zone Temp"),
				bacnet.PropUnits:        {{Number: 9, Data: []byte{62}}},
				bacnet.PropPresentValue: {{Number: 4, Data: []byte{0x42, 0xF6, 0x00, 0x00}}},
			},
			bo2.String(): {
				bacnet.PropObjectName:    nameTags("Fan Cmd"),
				bacnet.PropPriorityArray: {},
				bacnet.PropPresentValue:  {{Number: 9, Data: []byte{1}}},
			},
		},
	}
	scanner.iams <- bacnet.IAm{DeviceID: 3001, Addr: "192.168.1.50:47808"}

	db := &fakeStore{job: &store.DiscoveryJob{
		ID: "job-1", IP: "192.168.1.10", Port: 47808,
		Timeout: 20 * time.Millisecond, DeviceID: 3056496,
	}}

	cfg := config.Default()
	w := NewWorker(cfg, db)
	w.dial = func(*store.DiscoveryJob) (Scanner, error) { return scanner, nil }

	job, err := db.NextDiscoveryJob(context.Background())
	require.NoError(t, err)
	w.runJob(context.Background(), job)

	require.Equal(t, []string{"192.168.1.255:47808"}, scanner.whoIs)
	require.Len(t, db.devices, 1)
	assert.Equal(t, "AHU-1 Controller", db.devices[0].Name)
	assert.Equal(t, "192.168.1.50", db.devices[0].IP)

	points := db.points["db-AHU-1 Controller"]
	require.Len(t, points, 2, "device object is not saved as a point")
	assert.Equal(t, "Zone Temp", points[0].Name)
	assert.False(t, points[0].Writable)
	assert.Equal(t, "123", points[0].PresentValue)
	assert.True(t, points[1].Writable, "priority array present means commandable")

	assert.Equal(t, []string{"job-1"}, db.completed)
	assert.Empty(t, db.failed)
}
