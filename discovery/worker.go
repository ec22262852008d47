// Package discovery runs network scan jobs claimed from the database.
//
// The GUI inserts a DiscoveryJob row with status "running"; the worker
// polls for the oldest such row, sweeps the device's /24 with Who-Is,
// enumerates the object list of every responding device, and upserts the
// discovered devices and points.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/servisys/bacbridge/bacnet"
	"github.com/servisys/bacbridge/config"
	"github.com/servisys/bacbridge/log"
	"github.com/servisys/bacbridge/store"
)

// Store is the part of [store.Store] the worker drives.
type Store interface {
	NextDiscoveryJob(ctx context.Context) (*store.DiscoveryJob, error)
	CompleteDiscoveryJob(ctx context.Context, jobID string, devices, points int) error
	FailDiscoveryJob(ctx context.Context, jobID, message string) error
	UpsertDevice(ctx context.Context, d store.DiscoveredDevice) (string, error)
	UpsertPoint(ctx context.Context, deviceDBID string, p store.DiscoveredPoint) error
}

// Scanner is the part of [bacnet.Client] the worker drives.
type Scanner interface {
	WhoIs(broadcastAddr string, low, high *uint32) error
	IAms() <-chan bacnet.IAm
	ReadProperty(ctx context.Context, addr string, obj bacnet.ObjectID, prop bacnet.PropertyID) (bacnet.Value, error)
	ReadObjectList(ctx context.Context, addr string, deviceID uint32) ([]bacnet.ObjectID, error)
	ReadProperties(ctx context.Context, addr string, obj bacnet.ObjectID, props []bacnet.PropertyID) (map[bacnet.PropertyID][]bacnet.Tag, error)
	Close() error
}

// Worker polls for discovery jobs and executes them one at a time.
type Worker struct {
	db      Store
	cfg     config.BACnetConfig
	jobPoll time.Duration
	iamWait time.Duration

	// dial is swapped in tests.
	dial func(job *store.DiscoveryJob) (Scanner, error)
}

func NewWorker(cfg *config.Config, db Store) *Worker {
	jobPoll := cfg.Discovery.JobPoll
	if jobPoll <= 0 {
		jobPoll = 5 * time.Second
	}
	iamWait := cfg.Discovery.IAmWait
	if iamWait <= 0 {
		iamWait = 5 * time.Second
	}
	w := &Worker{
		db:      db,
		cfg:     cfg.BACnet,
		jobPoll: jobPoll,
		iamWait: iamWait,
	}
	w.dial = func(job *store.DiscoveryJob) (Scanner, error) {
		return bacnet.NewClient(bacnet.ClientOptions{
			LocalAddr: w.cfg.LocalAddr(),
			Device: bacnet.DeviceIdentity{
				ID:     job.DeviceID,
				Name:   w.cfg.DeviceName,
				Vendor: w.cfg.Vendor,
			},
		})
	}
	return w
}

// Run polls the jobs table until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	log.Info("Discovery worker started", "poll", w.jobPoll)
	ticker := time.NewTicker(w.jobPoll)
	defer ticker.Stop()
	for {
		job, err := w.db.NextDiscoveryJob(ctx)
		if err != nil {
			log.Error("Failed to check for discovery jobs", err)
		} else if job != nil {
			w.runJob(ctx, job)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) runJob(ctx context.Context, job *store.DiscoveryJob) {
	log.Info("Running discovery job", "job", job.ID, "ip", job.IP, "timeout", job.Timeout)
	devices, points, err := w.scan(ctx, job)
	if err != nil {
		log.Error("Discovery job failed", err, "job", job.ID)
		if dberr := w.db.FailDiscoveryJob(ctx, job.ID, err.Error()); dberr != nil {
			log.Error("Failed to mark job errored", dberr, "job", job.ID)
		}
		return
	}
	if err := w.db.CompleteDiscoveryJob(ctx, job.ID, devices, points); err != nil {
		log.Error("Failed to mark job complete", err, "job", job.ID)
		return
	}
	log.Info("Discovery job complete", "job", job.ID, "devices", devices, "points", points)
}

func (w *Worker) scan(ctx context.Context, job *store.DiscoveryJob) (devices, points int, err error) {
	client, err := w.dial(job)
	if err != nil {
		return 0, 0, fmt.Errorf("discovery: bind local endpoint: %w", err)
	}
	defer client.Close()

	broadcast, err := BroadcastAddr(job.IP, w.cfg.SubnetPrefix, job.Port)
	if err != nil {
		return 0, 0, err
	}
	if err := client.WhoIs(broadcast, nil, nil); err != nil {
		return 0, 0, err
	}
	log.Info("Who-Is broadcast sent", "broadcast", broadcast)

	window := job.Timeout
	if window <= 0 {
		window = w.iamWait
	}
	heard := collectIAms(ctx, client.IAms(), window)
	log.Info("Devices responded", "count", len(heard))

	for _, iam := range heard {
		n, err := w.scanDevice(ctx, client, iam)
		if err != nil {
			log.Warn("Device scan failed", "device", iam.DeviceID, "error", err)
			continue
		}
		devices++
		points += n
	}
	return devices, points, nil
}

// collectIAms drains I-Am announcements until the window closes.
// Duplicate device ids keep the first announcement.
func collectIAms(ctx context.Context, iams <-chan bacnet.IAm, window time.Duration) []bacnet.IAm {
	if window <= 0 {
		window = 5 * time.Second
	}
	timer := time.NewTimer(window)
	defer timer.Stop()
	seen := make(map[uint32]struct{})
	var heard []bacnet.IAm
	for {
		select {
		case iam := <-iams:
			if _, dup := seen[iam.DeviceID]; dup {
				continue
			}
			seen[iam.DeviceID] = struct{}{}
			heard = append(heard, iam)
		case <-timer.C:
			return heard
		case <-ctx.Done():
			return heard
		}
	}
}

// scanDevice enumerates one device's object list and upserts everything.
func (w *Worker) scanDevice(ctx context.Context, client Scanner, iam bacnet.IAm) (int, error) {
	deviceObj := bacnet.ObjectID{Type: bacnet.Device, Instance: iam.DeviceID}
	name := fmt.Sprintf("Device %d", iam.DeviceID)
	if v, err := client.ReadProperty(ctx, iam.Addr, deviceObj, bacnet.PropObjectName); err == nil {
		name = v.String()
	}

	host, portStr, err := net.SplitHostPort(iam.Addr)
	if err != nil {
		host, portStr = iam.Addr, strconv.Itoa(bacnet.DefaultPort)
	}
	port, _ := strconv.Atoi(portStr)

	dbID, err := w.db.UpsertDevice(ctx, store.DiscoveredDevice{
		DeviceID: iam.DeviceID,
		Name:     name,
		IP:       host,
		Port:     port,
	})
	if err != nil {
		return 0, err
	}

	objects, err := client.ReadObjectList(ctx, iam.Addr, iam.DeviceID)
	if err != nil {
		return 0, fmt.Errorf("discovery: object list of %d: %w", iam.DeviceID, err)
	}

	saved := 0
	for _, obj := range objects {
		if obj.Type == bacnet.Device {
			continue
		}
		point, err := w.readObject(ctx, client, iam.Addr, obj)
		if err != nil {
			log.Warn("Object read failed", "device", iam.DeviceID, "object", obj, "error", err)
			continue
		}
		if err := w.db.UpsertPoint(ctx, dbID, point); err != nil {
			log.Warn("Point upsert failed", "device", iam.DeviceID, "object", obj, "error", err)
			continue
		}
		saved++
	}
	return saved, nil
}

// readObject reads the discovery property set from one object. A device
// that answers a property with an access error simply leaves that field
// blank; a priority array present means the point is commandable.
func (w *Worker) readObject(ctx context.Context, client Scanner, addr string, obj bacnet.ObjectID) (store.DiscoveredPoint, error) {
	props, err := client.ReadProperties(ctx, addr, obj, bacnet.DiscoveryProperties)
	if err != nil {
		return store.DiscoveredPoint{}, err
	}
	point := store.DiscoveredPoint{
		ObjectType:     obj.Type.String(),
		ObjectInstance: obj.Instance,
		Name:           obj.String(),
	}
	if v, ok := decodeProp(props, bacnet.PropObjectName); ok {
		point.Name = v.String()
	}
	if v, ok := decodeProp(props, bacnet.PropDescription); ok {
		point.Description = v.String()
	}
	if v, ok := decodeProp(props, bacnet.PropUnits); ok {
		point.Units = v.String()
	}
	if v, ok := decodeProp(props, bacnet.PropPresentValue); ok {
		point.PresentValue = v.String()
	}
	_, point.Writable = props[bacnet.PropPriorityArray]
	return point, nil
}

func decodeProp(props map[bacnet.PropertyID][]bacnet.Tag, prop bacnet.PropertyID) (bacnet.Value, bool) {
	tags, ok := props[prop]
	if !ok {
		return bacnet.Value{}, false
	}
	v, err := bacnet.DecodeTags(tags)
	if err != nil {
		return bacnet.Value{}, false
	}
	return v, true
}

// BroadcastAddr derives the directed broadcast address for the subnet
// containing ip, given the prefix length, as host:port.
func BroadcastAddr(ip string, prefix, port int) (string, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return "", fmt.Errorf("discovery: invalid ip %q", ip)
	}
	v4 := addr.To4()
	if v4 == nil {
		return "", fmt.Errorf("discovery: %q is not IPv4", ip)
	}
	if prefix <= 0 || prefix > 32 {
		prefix = 24
	}
	mask := net.CIDRMask(prefix, 32)
	bcast := make(net.IP, 4)
	for i := range bcast {
		bcast[i] = v4[i]&mask[i] | ^mask[i]
	}
	if port <= 0 {
		port = bacnet.DefaultPort
	}
	return net.JoinHostPort(bcast.String(), strconv.Itoa(port)), nil
}
