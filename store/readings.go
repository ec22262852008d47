package store

import (
	"context"
	"fmt"
	"time"
)

// Reading is one sensor sample destined for the sensor_readings
// hypertable.
type Reading struct {
	Time           time.Time
	SiteID         string
	EquipmentType  string
	EquipmentID    string
	DeviceID       uint32
	DeviceName     string
	DeviceIP       string
	ObjectType     string
	ObjectInstance uint32
	PointID        string
	PointName      string
	HaystackName   string
	Value          *float64
	Units          string
	Quality        string
	PollDuration   float64
	PollCycle      int64
}

// InsertReading appends one sample to sensor_readings.
func (s *Store) InsertReading(ctx context.Context, r Reading) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sensor_readings (
			time, site_id, equipment_type, equipment_id,
			device_id, device_name, device_ip,
			object_type, object_instance,
			point_id, point_name, haystack_name,
			value, units, quality,
			poll_duration, poll_cycle
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9,
			$10, $11, $12, $13, $14, $15, $16, $17
		)`,
		r.Time, nullable(r.SiteID), nullable(r.EquipmentType), nullable(r.EquipmentID),
		r.DeviceID, nullable(r.DeviceName), nullable(r.DeviceIP),
		r.ObjectType, r.ObjectInstance,
		nullable(r.PointID), nullable(r.PointName), nullable(r.HaystackName),
		r.Value, nullable(r.Units), nullable(r.Quality),
		r.PollDuration, r.PollCycle)
	if err != nil {
		return fmt.Errorf("store: insert reading: %w", err)
	}
	return nil
}
