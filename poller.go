package bacbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/servisys/bacbridge/bacnet"
	"github.com/servisys/bacbridge/log"
	"github.com/servisys/bacbridge/store"
)

// timeFormat matches the ISO-8601 stamps the sink and dashboards expect.
const timeFormat = "2006-01-02T15:04:05.000000-07:00"

type pointPayload struct {
	Value          bacnet.Value `json:"value"`
	Timestamp      string       `json:"timestamp"`
	Units          *string      `json:"units"`
	Quality        string       `json:"quality"`
	Dis            *string      `json:"dis"`
	HaystackName   *string      `json:"haystackName"`
	DeviceIP       string       `json:"deviceIp"`
	DeviceID       uint32       `json:"deviceId"`
	ObjectType     string       `json:"objectType"`
	ObjectInstance uint32       `json:"objectInstance"`
}

type batchPoint struct {
	Name           string       `json:"name"`
	Dis            *string      `json:"dis"`
	HaystackName   *string      `json:"haystackName"`
	Value          bacnet.Value `json:"value"`
	Units          *string      `json:"units"`
	Quality        string       `json:"quality"`
	ObjectType     string       `json:"objectType"`
	ObjectInstance uint32       `json:"objectInstance"`
}

type batchMetadata struct {
	PollCycle       int     `json:"pollCycle"`
	TotalPoints     int     `json:"totalPoints"`
	SuccessfulReads int     `json:"successfulReads"`
	FailedReads     int     `json:"failedReads"`
	PollDuration    float64 `json:"pollDuration"`
}

type batchPayload struct {
	Timestamp     string        `json:"timestamp"`
	Site          string        `json:"site"`
	Equipment     string        `json:"equipment"`
	EquipmentType string        `json:"equipmentType"`
	EquipmentID   string        `json:"equipmentId"`
	Points        []batchPoint  `json:"points"`
	Metadata      batchMetadata `json:"metadata"`
}

type equipmentKey struct {
	site, equipType, equipID string
}

// pollCycle reads every due point and publishes the results.
func (b *Bridge) pollCycle(ctx context.Context) {
	points, err := b.db.ListEnabledPoints(ctx)
	if err != nil {
		log.Error("Failed to fetch enabled points", err)
		return
	}
	if len(points) == 0 {
		return
	}
	b.sched.prune(points)

	start := time.Now()
	timestamp := start.In(b.location()).Format(timeFormat)
	due := b.sched.due(points, start, b.defaultInterval)
	if len(due) == 0 {
		return
	}

	// Fan out per device, bounded reads against each.
	byDevice := make(map[string][]int)
	for i, p := range due {
		byDevice[p.DeviceDBID] = append(byDevice[p.DeviceDBID], i)
	}

	var (
		mu         sync.Mutex
		batches    = make(map[equipmentKey][]batchPoint)
		successful int
		published  int
	)
	var wg sync.WaitGroup
	for _, idxs := range byDevice {
		wg.Add(1)
		go func(idxs []int) {
			defer wg.Done()
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(b.maxInFlight)
			for _, i := range idxs {
				p := due[i]
				g.Go(func() error {
					value, err := b.readPoint(gctx, p)
					if err != nil {
						log.Warn("Read failed", "point", p.Name, "device", p.DeviceID, "error", err)
						return nil
					}
					mu.Lock()
					defer mu.Unlock()
					successful++
					b.sched.markPolled(p.ID, pollInterval(p, b.defaultInterval), time.Now())
					if b.publishPoint(p, value, timestamp) {
						published++
					}
					if p.SiteID != "" && p.EquipmentType != "" && p.EquipmentID != "" {
						key := equipmentKey{p.SiteID, p.EquipmentType, p.EquipmentID}
						batches[key] = append(batches[key], batchPoint{
							Name:           fmt.Sprintf("%s%d", p.ObjectType, p.ObjectInstance),
							Dis:            optional(p.Dis),
							HaystackName:   optional(p.HaystackName),
							Value:          value,
							Units:          optional(p.Units),
							Quality:        quality(value),
							ObjectType:     p.ObjectType,
							ObjectInstance: p.ObjectInstance,
						})
					}
					if err := b.db.UpdatePointLastValue(ctx, p.ID, value.String(), time.Now()); err != nil {
						log.Debug("Failed to update last value", "point", p.ID, "error", err)
					}
					return nil
				})
			}
			g.Wait()
		}(idxs)
	}
	wg.Wait()

	duration := time.Since(start)
	if b.batchPublishing() {
		for key, pts := range batches {
			b.publishBatch(key, pts, timestamp, duration)
		}
	}

	b.cycle++
	log.Info("Poll cycle complete",
		"cycle", b.cycle,
		"checked", len(points),
		"polled", len(due),
		"successful", successful,
		"published", published,
		"duration", duration.Round(10*time.Millisecond),
	)
}

// readPoint reads presentValue from the point's device. String readings
// are re-parsed so stringified numerics publish as numbers and opaque
// object representations never reach a topic.
func (b *Bridge) readPoint(ctx context.Context, p store.Point) (bacnet.Value, error) {
	objType, err := bacnet.ParseObjectType(p.ObjectType)
	if err != nil {
		return bacnet.Value{}, err
	}
	addr := deviceAddr(p.DeviceIP, p.DevicePort)
	obj := bacnet.ObjectID{Type: objType, Instance: p.ObjectInstance}
	value, err := b.bac.ReadProperty(ctx, addr, obj, bacnet.PropPresentValue)
	if err != nil {
		return bacnet.Value{}, err
	}
	if value.Kind == bacnet.KindString {
		return bacnet.DecodeString(value.Str)
	}
	return value, nil
}

// publishPoint publishes the individual point topic at the point's QoS.
// Time-series data is never retained.
func (b *Bridge) publishPoint(p store.Point, value bacnet.Value, timestamp string) bool {
	if p.Topic == "" {
		return false
	}
	payload := pointPayload{
		Value:          value,
		Timestamp:      timestamp,
		Units:          optional(p.Units),
		Quality:        quality(value),
		Dis:            optional(p.Dis),
		HaystackName:   optional(p.HaystackName),
		DeviceIP:       p.DeviceIP,
		DeviceID:       p.DeviceID,
		ObjectType:     p.ObjectType,
		ObjectInstance: p.ObjectInstance,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error("Failed to encode point payload", err, "topic", p.Topic)
		return false
	}
	b.client.Publish(p.Topic, p.QoS, false, data)
	return true
}

func (b *Bridge) publishBatch(key equipmentKey, pts []batchPoint, timestamp string, duration time.Duration) {
	equipment := fmt.Sprintf("%s_%s", strings.ToLower(key.equipType), key.equipID)
	topic := fmt.Sprintf("%s/%s/batch",
		strings.ReplaceAll(strings.ToLower(key.site), " ", "_"), equipment)
	payload := batchPayload{
		Timestamp:     timestamp,
		Site:          key.site,
		Equipment:     equipment,
		EquipmentType: key.equipType,
		EquipmentID:   key.equipID,
		Points:        pts,
		Metadata: batchMetadata{
			PollCycle:       b.cycle,
			TotalPoints:     len(pts),
			SuccessfulReads: len(pts),
			PollDuration:    float64(duration.Round(10*time.Millisecond)) / float64(time.Second),
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error("Failed to encode batch payload", err, "topic", topic)
		return
	}
	b.client.Publish(topic, 1, false, data)
	log.Info("Published batch", "topic", topic, "points", len(pts))
}

// quality reports "uncertain" for non-finite readings, which marshal to
// JSON null.
func quality(v bacnet.Value) string {
	if !v.Finite() {
		return "uncertain"
	}
	return "good"
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deviceAddr(ip string, port int) string {
	if port == 0 {
		port = bacnet.DefaultPort
	}
	return fmt.Sprintf("%s:%d", ip, port)
}
