package store

import (
	"context"
	"fmt"
	"time"
)

// DiscoveryJob is a network scan requested through the GUI. Jobs are
// created with status "running" and the worker picks up the oldest one.
type DiscoveryJob struct {
	ID       string
	IP       string
	Port     int
	Timeout  time.Duration
	DeviceID uint32
}

// NextDiscoveryJob returns the oldest running job, or nil when there is
// no work.
func (s *Store) NextDiscoveryJob(ctx context.Context) (*DiscoveryJob, error) {
	var (
		job     DiscoveryJob
		timeout int
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, "ipAddress", port, timeout, "deviceId"
		FROM "DiscoveryJob"
		WHERE status = 'running'
		ORDER BY "startedAt" ASC
		LIMIT 1`).
		Scan(&job.ID, &job.IP, &job.Port, &timeout, &job.DeviceID)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: next discovery job: %w", err)
	}
	job.Timeout = time.Duration(timeout) * time.Second
	return &job, nil
}

// CompleteDiscoveryJob marks the job complete with its result counts.
func (s *Store) CompleteDiscoveryJob(ctx context.Context, jobID string, devices, points int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE "DiscoveryJob"
		SET status = 'complete',
			"devicesFound" = $1,
			"pointsFound" = $2,
			"completedAt" = $3
		WHERE id = $4`,
		devices, points, time.Now(), jobID)
	if err != nil {
		return fmt.Errorf("store: complete job: %w", err)
	}
	return nil
}

// FailDiscoveryJob marks the job errored with a message for the GUI.
func (s *Store) FailDiscoveryJob(ctx context.Context, jobID, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE "DiscoveryJob"
		SET status = 'error',
			"errorMessage" = $1,
			"completedAt" = $2
		WHERE id = $3`,
		message, time.Now(), jobID)
	if err != nil {
		return fmt.Errorf("store: fail job: %w", err)
	}
	return nil
}

// DiscoveredDevice is a device heard during a network scan.
type DiscoveredDevice struct {
	DeviceID uint32
	Name     string
	IP       string
	Port     int
}

// DiscoveredPoint is one object read from a discovered device.
type DiscoveredPoint struct {
	ObjectType     string
	ObjectInstance uint32
	Name           string
	Description    string
	Units          string
	PresentValue   string
	Writable       bool
}

// UpsertDevice inserts or refreshes a device row and returns its database
// id for point rows to reference.
func (s *Store) UpsertDevice(ctx context.Context, d DiscoveredDevice) (string, error) {
	now := time.Now()
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO "Device"
			("deviceId", "deviceName", "ipAddress", "port", "enabled", "discoveredAt", "lastSeenAt")
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT ("deviceId")
		DO UPDATE SET
			"deviceName" = EXCLUDED."deviceName",
			"ipAddress" = EXCLUDED."ipAddress",
			"lastSeenAt" = EXCLUDED."lastSeenAt"
		RETURNING id`,
		d.DeviceID, d.Name, d.IP, d.Port, true, now, now).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("store: upsert device %d: %w", d.DeviceID, err)
	}
	return id, nil
}

// UpsertPoint inserts or refreshes a point row under the given device
// database id. Newly discovered points default to readable and enabled.
func (s *Store) UpsertPoint(ctx context.Context, deviceDBID string, p DiscoveredPoint) error {
	now := time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO "Point"
			("deviceId", "objectType", "objectInstance", "pointName",
			 "description", "units", "enabled", "isReadable", "isWritable",
			 "lastValue", "lastPollTime", "createdAt", "updatedAt")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT ("deviceId", "objectType", "objectInstance")
		DO UPDATE SET
			"pointName" = EXCLUDED."pointName",
			"description" = EXCLUDED."description",
			"units" = EXCLUDED."units",
			"lastValue" = EXCLUDED."lastValue",
			"lastPollTime" = EXCLUDED."lastPollTime",
			"updatedAt" = EXCLUDED."updatedAt"`,
		deviceDBID, p.ObjectType, p.ObjectInstance, p.Name,
		nullable(p.Description), nullable(p.Units), true, true, p.Writable,
		nullable(p.PresentValue), now, now, now)
	if err != nil {
		return fmt.Errorf("store: upsert point %s %d: %w", p.ObjectType, p.ObjectInstance, err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
