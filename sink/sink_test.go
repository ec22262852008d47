package sink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servisys/bacbridge/config"
	"github.com/servisys/bacbridge/mock"
	"github.com/servisys/bacbridge/store"
)

type fakeReadingStore struct {
	mu       sync.Mutex
	readings []store.Reading
}

func (f *fakeReadingStore) InsertReading(_ context.Context, r store.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings = append(f.readings, r)
	return nil
}

func testSink(t *testing.T) (*Sink, *mock.Client, *fakeReadingStore) {
	t.Helper()
	client := mock.NewClient()
	db := &fakeReadingStore{}
	s := NewWithClient(config.Default(), client, db)
	require.NoError(t, s.Connect(context.Background()))
	return s, client, db
}

const samplePayload = `{
	"value": 21.5,
	"timestamp": "2026-08-24T10:15:42.000000+08:00",
	"units": "degrees-celsius",
	"quality": "good",
	"haystackName": "siteA.ahu1.zoneTemp",
	"deviceIp": "10.0.0.9",
	"deviceId": 3001,
	"objectType": "analog-input",
	"objectInstance": 7
}`

func TestSinkWritesReading(t *testing.T) {
	_, client, db := testSink(t)

	client.Receive("site_a/ahu_1/zoneTemp/presentValue", []byte(samplePayload))

	require.Len(t, db.readings, 1)
	r := db.readings[0]
	require.NotNil(t, r.Value)
	assert.Equal(t, 21.5, *r.Value)
	assert.Equal(t, "degrees-celsius", r.Units)
	assert.Equal(t, "good", r.Quality)
	assert.Equal(t, uint32(3001), r.DeviceID)
	assert.Equal(t, "siteA.ahu1.zoneTemp", r.HaystackName)

	want := time.Date(2026, 8, 24, 10, 15, 42, 0, time.FixedZone("", 8*3600))
	assert.True(t, r.Time.Equal(want))
}

func TestSinkMatchesBothTopicShapes(t *testing.T) {
	_, client, db := testSink(t)

	deep := `{"value": 1, "timestamp": "2026-08-24T10:15:43+08:00", "haystackName": "siteA.ahu1.fan.status"}`
	client.Receive("site_a/ahu_1/fan/status/presentValue", []byte(deep))
	client.Receive("site_a/ahu_1/zoneTemp/presentValue", []byte(samplePayload))

	assert.Len(t, db.readings, 2)
}

func TestSinkDeduplicatesWithinSecond(t *testing.T) {
	_, client, db := testSink(t)

	client.Receive("site_a/ahu_1/zoneTemp/presentValue", []byte(samplePayload))
	client.Receive("site_a/ahu_1/zoneTemp/presentValue", []byte(samplePayload))
	assert.Len(t, db.readings, 1, "replayed message within the same second is dropped")

	next := `{"value": 21.6, "timestamp": "2026-08-24T10:15:43.000000+08:00", "haystackName": "siteA.ahu1.zoneTemp"}`
	client.Receive("site_a/ahu_1/zoneTemp/presentValue", []byte(next))
	assert.Len(t, db.readings, 2)
}

func TestSinkTimestampFallback(t *testing.T) {
	_, client, db := testSink(t)

	client.Receive("site_a/ahu_1/p/presentValue", []byte(`{"value": 2, "haystackName": "p"}`))
	require.Len(t, db.readings, 1)
	assert.WithinDuration(t, time.Now().UTC(), db.readings[0].Time, 5*time.Second)
}

func TestSinkZuluTimestamp(t *testing.T) {
	_, client, db := testSink(t)

	client.Receive("s/e/p/presentValue", []byte(`{"value": 3, "timestamp": "2026-08-24T02:15:42Z", "haystackName": "z"}`))
	require.Len(t, db.readings, 1)
	assert.Equal(t, time.Date(2026, 8, 24, 2, 15, 42, 0, time.UTC), db.readings[0].Time.UTC())
}

func TestSinkValueMapping(t *testing.T) {
	_, client, db := testSink(t)

	client.Receive("s/e/a/presentValue", []byte(`{"value": true, "timestamp": "2026-08-24T10:00:00+08:00", "haystackName": "a"}`))
	client.Receive("s/e/b/presentValue", []byte(`{"value": "active", "timestamp": "2026-08-24T10:00:00+08:00", "haystackName": "b"}`))
	client.Receive("s/e/c/presentValue", []byte(`{"value": null, "timestamp": "2026-08-24T10:00:00+08:00", "haystackName": "c"}`))

	require.Len(t, db.readings, 3)
	require.NotNil(t, db.readings[0].Value)
	assert.Equal(t, 1.0, *db.readings[0].Value)
	assert.Nil(t, db.readings[1].Value, "strings store as NULL")
	assert.Nil(t, db.readings[2].Value)
}

func TestSinkInvalidJSON(t *testing.T) {
	s, client, db := testSink(t)

	client.Receive("s/e/p/presentValue", []byte("{broken"))
	assert.Empty(t, db.readings)
	assert.Equal(t, 1, s.errors)
}
