// Package sink subscribes to the bridge's reading topics and writes
// every sample to the TimescaleDB sensor_readings hypertable.
package sink

import (
	"context"
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/servisys/bacbridge/config"
	"github.com/servisys/bacbridge/log"
	"github.com/servisys/bacbridge/store"
)

// Point readings publish to topics of two shapes, depending on whether
// the equipment segment carries a sub-equipment level.
var subscriptions = []string{
	"+/+/+/presentValue",
	"+/+/+/+/presentValue",
}

// ReadingStore is the part of [store.Store] the sink drives.
type ReadingStore interface {
	InsertReading(ctx context.Context, r store.Reading) error
}

// Sink bridges MQTT readings into TimescaleDB.
type Sink struct {
	client mqtt.Client
	db     ReadingStore
	dedup  *dedupSet

	received int
	written  int
	errors   int
}

// New returns a Sink with a [mqtt.Client] derived from the config. The
// sink uses its own client id so it never steals the worker's session.
func New(cfg *config.Config, db ReadingStore) *Sink {
	mcfg := cfg.MQTT
	if cfg.Sink.ClientID != "" {
		mcfg.ClientID = cfg.Sink.ClientID
	}
	client := mqtt.NewClient(mcfg.ClientOptions())
	return NewWithClient(cfg, client, db)
}

// NewWithClient returns a Sink using the provided [mqtt.Client].
func NewWithClient(cfg *config.Config, c mqtt.Client, db ReadingStore) *Sink {
	return &Sink{
		client: c,
		db:     db,
		dedup:  newDedupSet(cfg.Sink.DedupSize, cfg.Sink.DedupEvict),
	}
}

func waitToken(ctx context.Context, t mqtt.Token) error {
	select {
	case <-ctx.Done():
		return nil
	case <-t.Done():
	}
	return t.Error()
}

// Connect connects to the broker and subscribes to both topic shapes.
func (s *Sink) Connect(ctx context.Context) error {
	if err := waitToken(ctx, s.client.Connect()); err != nil {
		return err
	}
	for _, topic := range subscriptions {
		t := s.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			msg.Ack()
			s.handleMessage(ctx, msg.Topic(), msg.Payload())
		})
		if err := waitToken(ctx, t); err != nil {
			return err
		}
	}
	log.Info("Subscribed to reading topics", "topics", subscriptions)
	return nil
}

// Disconnect ends the broker connection.
func (s *Sink) Disconnect() {
	if s.client.IsConnected() {
		s.client.Disconnect(500)
	}
	log.Info("Sink disconnected", "received", s.received, "written", s.written, "errors", s.errors)
}

// readingPayload mirrors the individual point payload published by the
// worker, plus the optional fields a richer publisher may add.
type readingPayload struct {
	Value          any      `json:"value"`
	Timestamp      string   `json:"timestamp"`
	Units          *string  `json:"units"`
	Quality        *string  `json:"quality"`
	SiteID         *string  `json:"siteId"`
	EquipmentType  *string  `json:"equipmentType"`
	EquipmentID    *string  `json:"equipmentId"`
	DeviceID       uint32   `json:"deviceId"`
	DeviceName     *string  `json:"deviceName"`
	DeviceIP       *string  `json:"deviceIp"`
	ObjectType     string   `json:"objectType"`
	ObjectInstance uint32   `json:"objectInstance"`
	PointID        *string  `json:"pointId"`
	PointName      *string  `json:"pointName"`
	HaystackName   *string  `json:"haystackName"`
	PollDuration   *float64 `json:"pollDuration"`
	PollCycle      *int64   `json:"pollCycle"`
}

func (s *Sink) handleMessage(ctx context.Context, topic string, data []byte) {
	s.received++
	var payload readingPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.errors++
		log.Error("Invalid JSON payload", err, "topic", topic)
		return
	}

	key := dedupKey{
		haystack: deref(payload.HaystackName),
		second:   truncateSecond(payload.Timestamp),
	}
	if !s.dedup.insert(key) {
		log.Debug("Skipping duplicate", "haystack", key.haystack, "second", key.second)
		return
	}

	reading := store.Reading{
		Time:           parseTimestamp(payload.Timestamp),
		SiteID:         deref(payload.SiteID),
		EquipmentType:  deref(payload.EquipmentType),
		EquipmentID:    deref(payload.EquipmentID),
		DeviceID:       payload.DeviceID,
		DeviceName:     deref(payload.DeviceName),
		DeviceIP:       deref(payload.DeviceIP),
		ObjectType:     payload.ObjectType,
		ObjectInstance: payload.ObjectInstance,
		PointID:        deref(payload.PointID),
		PointName:      deref(payload.PointName),
		HaystackName:   deref(payload.HaystackName),
		Value:          numeric(payload.Value),
		Units:          deref(payload.Units),
		Quality:        quality(payload.Quality),
	}
	if payload.PollDuration != nil {
		reading.PollDuration = *payload.PollDuration
	}
	if payload.PollCycle != nil {
		reading.PollCycle = *payload.PollCycle
	}

	if err := s.db.InsertReading(ctx, reading); err != nil {
		s.errors++
		log.Error("Failed to insert reading", err, "topic", topic)
		return
	}
	s.written++
	if s.received%10 == 0 {
		log.Info("Sink stats", "received", s.received, "written", s.written, "errors", s.errors)
	}
}

// parseTimestamp accepts RFC 3339 stamps with any offset, including Z.
// An absent or unparseable stamp falls back to the arrival time in UTC.
func parseTimestamp(s string) time.Time {
	if s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}

// truncateSecond reduces a stamp to second precision for deduplication.
func truncateSecond(s string) string {
	if len(s) >= 19 {
		return s[:19]
	}
	return s
}

// numeric maps a JSON value onto the numeric readings column. Booleans
// store as 0/1; strings and null store as NULL.
func numeric(v any) *float64 {
	switch x := v.(type) {
	case float64:
		return &x
	case bool:
		f := 0.0
		if x {
			f = 1.0
		}
		return &f
	}
	return nil
}

func quality(q *string) string {
	if q == nil || *q == "" {
		return "good"
	}
	return *q
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
