package bacbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servisys/bacbridge/bacnet"
	"github.com/servisys/bacbridge/config"
	"github.com/servisys/bacbridge/mock"
	"github.com/servisys/bacbridge/store"
)

type fakeBACnet struct {
	mu     sync.Mutex
	values map[string]bacnet.Value
	errs   map[string]error
	writes []string
}

func newFakeBACnet() *fakeBACnet {
	return &fakeBACnet{
		values: make(map[string]bacnet.Value),
		errs:   make(map[string]error),
	}
}

func objKey(obj bacnet.ObjectID) string {
	return fmt.Sprintf("%s:%d", obj.Type, obj.Instance)
}

func (f *fakeBACnet) ReadProperty(_ context.Context, _ string, obj bacnet.ObjectID, _ bacnet.PropertyID) (bacnet.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[objKey(obj)]; ok {
		return bacnet.Value{}, err
	}
	v, ok := f.values[objKey(obj)]
	if !ok {
		return bacnet.Value{}, &bacnet.TimeoutError{Attempts: 4}
	}
	return v, nil
}

func (f *fakeBACnet) WriteProperty(_ context.Context, _ string, obj bacnet.ObjectID, _ bacnet.PropertyID, value bacnet.Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, fmt.Sprintf("%s=%s", objKey(obj), value))
	return nil
}

type fakeStore struct {
	mu     sync.Mutex
	points []store.Point
	last   map[string]string
}

func (f *fakeStore) ListEnabledPoints(context.Context) ([]store.Point, error) {
	return f.points, nil
}

func (f *fakeStore) UpdatePointLastValue(_ context.Context, pointID, value string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		f.last = make(map[string]string)
	}
	f.last[pointID] = value
	return nil
}

func testBridge(t *testing.T, points []store.Point) (*Bridge, *mock.Client, *fakeBACnet, *fakeStore) {
	t.Helper()
	client := mock.NewClient()
	bac := newFakeBACnet()
	db := &fakeStore{points: points}
	cfg := config.Default()
	cfg.Poll.Timezone = "UTC"
	b := NewWithClient(cfg, client, bac, db)
	require.NoError(t, b.Connect(context.Background()))
	return b, client, bac, db
}

func TestPollCyclePublishesPoint(t *testing.T) {
	point := store.Point{
		ID:             "pt1",
		ObjectType:     "analog-input",
		ObjectInstance: 7,
		Name:           "ZoneTemp",
		Units:          "degrees-celsius",
		Topic:          "site_a/ahu_1/zoneTemp/presentValue",
		PollInterval:   time.Minute,
		QoS:            1,
		DeviceDBID:     "dev1",
		DeviceID:       3001,
		DeviceIP:       "10.0.0.9",
		DevicePort:     47808,
	}
	b, client, bac, db := testBridge(t, []store.Point{point})
	bac.values[objKey(bacnet.ObjectID{Type: bacnet.AnalogInput, Instance: 7})] = bacnet.FloatValue(21.5)

	// Make the point due immediately.
	b.sched.nextDue["pt1"] = time.Now().Add(-time.Second)
	b.pollCycle(context.Background())

	msgs := client.PublishedTo(point.Topic)
	require.Len(t, msgs, 1)
	assert.Equal(t, byte(1), msgs[0].QoS)
	assert.False(t, msgs[0].Retained, "time-series data is not retained")

	var payload map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	assert.Equal(t, 21.5, payload["value"])
	assert.Equal(t, "good", payload["quality"])
	assert.Equal(t, "degrees-celsius", payload["units"])
	assert.Equal(t, "10.0.0.9", payload["deviceIp"])
	assert.Equal(t, float64(3001), payload["deviceId"])
	assert.Equal(t, "analog-input", payload["objectType"])

	assert.Equal(t, "21.5", db.last["pt1"])
}

func TestPollCycleSkipsNewPoints(t *testing.T) {
	point := store.Point{
		ID: "new", ObjectType: "analog-input", ObjectInstance: 1,
		Topic: "t", PollInterval: time.Minute, DeviceDBID: "d", DeviceIP: "10.0.0.9",
	}
	b, client, bac, _ := testBridge(t, []store.Point{point})
	bac.values[objKey(bacnet.ObjectID{Type: bacnet.AnalogInput, Instance: 1})] = bacnet.FloatValue(1)

	b.pollCycle(context.Background())
	assert.Empty(t, client.Published(), "first sighting waits for the minute boundary")
}

func TestPollCycleFailedReadNotPublished(t *testing.T) {
	point := store.Point{
		ID: "pt", ObjectType: "analog-input", ObjectInstance: 2,
		Topic: "t", PollInterval: time.Minute, DeviceDBID: "d", DeviceIP: "10.0.0.9",
	}
	b, client, _, db := testBridge(t, []store.Point{point})

	overdue := time.Now().Add(-time.Second)
	b.sched.nextDue["pt"] = overdue
	b.pollCycle(context.Background())
	assert.Empty(t, client.Published())
	assert.Empty(t, db.last)
	// Failed reads do not advance the schedule; the point retries next tick.
	assert.Equal(t, overdue, b.sched.nextDue["pt"])
}

func TestPollCycleBatchPublishing(t *testing.T) {
	mk := func(id string, inst uint32) store.Point {
		return store.Point{
			ID: id, ObjectType: "analog-input", ObjectInstance: inst,
			Name: id, Topic: "site_a/ahu_1/" + id + "/presentValue",
			PollInterval: time.Minute, DeviceDBID: "d", DeviceIP: "10.0.0.9",
			SiteID: "Site A", EquipmentType: "AHU", EquipmentID: "1",
			HaystackName: id,
		}
	}
	points := []store.Point{mk("a", 1), mk("b", 2)}
	b, client, bac, _ := testBridge(t, points)
	b.SetBatchPublishing(true)
	bac.values[objKey(bacnet.ObjectID{Type: bacnet.AnalogInput, Instance: 1})] = bacnet.FloatValue(1)
	bac.values[objKey(bacnet.ObjectID{Type: bacnet.AnalogInput, Instance: 2})] = bacnet.FloatValue(2)
	for _, p := range points {
		b.sched.nextDue[p.ID] = time.Now().Add(-time.Second)
	}

	b.pollCycle(context.Background())

	msgs := client.PublishedTo("site_a/ahu_1/batch")
	require.Len(t, msgs, 1)
	assert.Equal(t, byte(1), msgs[0].QoS)

	var payload batchPayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	assert.Equal(t, "Site A", payload.Site)
	assert.Equal(t, "ahu_1", payload.Equipment)
	assert.Len(t, payload.Points, 2)
	assert.Equal(t, 2, payload.Metadata.TotalPoints)
}

// Devices occasionally answer presentValue as a character string. Numeric
// strings publish as numbers; opaque object renderings are refused.
func TestPollCycleStringReadings(t *testing.T) {
	numeric := store.Point{
		ID: "num", ObjectType: "analog-input", ObjectInstance: 4,
		Topic: "num", PollInterval: time.Minute, DeviceDBID: "d", DeviceIP: "10.0.0.9",
	}
	opaque := store.Point{
		ID: "opq", ObjectType: "analog-input", ObjectInstance: 5,
		Topic: "opq", PollInterval: time.Minute, DeviceDBID: "d", DeviceIP: "10.0.0.9",
	}
	b, client, bac, _ := testBridge(t, []store.Point{numeric, opaque})
	bac.values[objKey(bacnet.ObjectID{Type: bacnet.AnalogInput, Instance: 4})] = bacnet.StringValue("21.5")
	bac.values[objKey(bacnet.ObjectID{Type: bacnet.AnalogInput, Instance: 5})] = bacnet.StringValue("<bacnet.Any object at 0x7f>")
	b.sched.nextDue["num"] = time.Now().Add(-time.Second)
	b.sched.nextDue["opq"] = time.Now().Add(-time.Second)

	b.pollCycle(context.Background())

	msgs := client.PublishedTo("num")
	require.Len(t, msgs, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	assert.Equal(t, 21.5, payload["value"])

	assert.Empty(t, client.PublishedTo("opq"), "opaque readings never reach a topic")
}

func TestPollCycleNaNQuality(t *testing.T) {
	point := store.Point{
		ID: "pt", ObjectType: "analog-input", ObjectInstance: 3,
		Topic: "t", PollInterval: time.Minute, DeviceDBID: "d", DeviceIP: "10.0.0.9",
	}
	b, client, bac, _ := testBridge(t, []store.Point{point})
	bac.values[objKey(bacnet.ObjectID{Type: bacnet.AnalogInput, Instance: 3})] = bacnet.FloatValue(math.NaN())
	b.sched.nextDue["pt"] = time.Now().Add(-time.Second)

	b.pollCycle(context.Background())

	msgs := client.PublishedTo("t")
	require.Len(t, msgs, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	assert.Nil(t, payload["value"])
	assert.Equal(t, "uncertain", payload["quality"])
}
