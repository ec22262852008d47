package store

import (
	"context"
	"fmt"
	"time"
)

// Point is a pollable BACnet point joined with its device.
type Point struct {
	ID             string
	ObjectType     string
	ObjectInstance uint32
	Name           string
	Dis            string
	Units          string
	Topic          string
	PollInterval   time.Duration
	QoS            byte
	HaystackName   string
	SiteID         string
	EquipmentType  string
	EquipmentID    string
	Readable       bool
	Writable       bool

	DeviceDBID string
	DeviceID   uint32
	DeviceName string
	DeviceIP   string
	DevicePort int
}

// MQTTSettings is the broker row maintained by the settings GUI. The
// GUI row is the source of truth and overrides the environment.
type MQTTSettings struct {
	Broker          string
	Port            int
	ClientID        string
	BatchPublishing bool
}

// ListEnabledPoints returns every point marked for publishing, ordered by
// device then object instance.
func (s *Store) ListEnabledPoints(ctx context.Context) ([]Point, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			p.id, p."objectType", p."objectInstance", p."pointName",
			p.dis, p.units, p."mqttTopic", p."pollInterval",
			p.qos, p."haystackPointName", p."siteId", p."equipmentType",
			p."equipmentId", p."isReadable", p."isWritable",
			d.id, d."deviceId", d."deviceName", d."ipAddress", d.port
		FROM "Point" p
		JOIN "Device" d ON p."deviceId" = d.id
		WHERE p."mqttPublish" = true AND p.enabled = true
		ORDER BY d.id, p."objectInstance"`)
	if err != nil {
		return nil, fmt.Errorf("store: list points: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var (
			p            Point
			dis, units   *string
			topic, hay   *string
			site, eqType *string
			eqID         *string
			interval     int
			qos          int
		)
		err := rows.Scan(
			&p.ID, &p.ObjectType, &p.ObjectInstance, &p.Name,
			&dis, &units, &topic, &interval,
			&qos, &hay, &site, &eqType,
			&eqID, &p.Readable, &p.Writable,
			&p.DeviceDBID, &p.DeviceID, &p.DeviceName, &p.DeviceIP, &p.DevicePort,
		)
		if err != nil {
			return nil, fmt.Errorf("store: scan point: %w", err)
		}
		p.Dis = deref(dis)
		p.Units = deref(units)
		p.Topic = deref(topic)
		p.HaystackName = deref(hay)
		p.SiteID = deref(site)
		p.EquipmentType = deref(eqType)
		p.EquipmentID = deref(eqID)
		p.PollInterval = time.Duration(interval) * time.Second
		p.QoS = byte(qos)
		points = append(points, p)
	}
	return points, rows.Err()
}

// UpdatePointLastValue records the latest read on the point row. Failure
// here is non-fatal for the poll cycle.
func (s *Store) UpdatePointLastValue(ctx context.Context, pointID, value string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE "Point" SET "lastValue" = $1, "lastPollTime" = $2 WHERE id = $3`,
		value, at, pointID)
	if err != nil {
		return fmt.Errorf("store: update last value: %w", err)
	}
	return nil
}

// LoadMQTTSettings returns the broker row, or nil when none is configured.
func (s *Store) LoadMQTTSettings(ctx context.Context) (*MQTTSettings, error) {
	var (
		m        MQTTSettings
		clientID *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT broker, port, "clientId", "enableBatchPublishing" FROM "MqttConfig" LIMIT 1`).
		Scan(&m.Broker, &m.Port, &clientID, &m.BatchPublishing)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load mqtt settings: %w", err)
	}
	m.ClientID = deref(clientID)
	return &m, nil
}

// LoadTimezone returns the configured IANA timezone, or "" when the
// settings row is absent.
func (s *Store) LoadTimezone(ctx context.Context) (string, error) {
	var tz *string
	err := s.pool.QueryRow(ctx, `SELECT timezone FROM "SystemSettings" LIMIT 1`).Scan(&tz)
	if err != nil {
		if isNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("store: load timezone: %w", err)
	}
	return deref(tz), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
