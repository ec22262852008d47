package bacbridge

import (
	"context"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/servisys/bacbridge/bacnet"
	"github.com/servisys/bacbridge/config"
	"github.com/servisys/bacbridge/log"
	"github.com/servisys/bacbridge/store"
)

// PointClient is the part of [bacnet.Client] the bridge drives.
type PointClient interface {
	ReadProperty(ctx context.Context, addr string, obj bacnet.ObjectID, prop bacnet.PropertyID) (bacnet.Value, error)
	WriteProperty(ctx context.Context, addr string, obj bacnet.ObjectID, prop bacnet.PropertyID, value bacnet.Value) error
}

// PointStore is the part of [store.Store] the bridge drives.
type PointStore interface {
	ListEnabledPoints(ctx context.Context) ([]store.Point, error)
	UpdatePointLastValue(ctx context.Context, pointID, value string, at time.Time) error
}

const (
	writeCommandTopic = "bacnet/write/command"
	writeResultTopic  = "bacnet/write/result"
)

// Bridge is the mqtt client that bridges BACnet points to the mqtt broker.
type Bridge struct {
	client mqtt.Client
	bac    PointClient
	db     PointStore

	tick            time.Duration
	defaultInterval time.Duration
	maxInFlight     int

	// mu guards the settings reloaded at runtime.
	mu           sync.RWMutex
	batchEnabled bool
	loc          *time.Location

	sched  *scheduler
	writes writeQueue
	cycle  int

	once   sync.Once
	cancel context.CancelFunc
	ready  chan struct{}
	done   chan struct{}
}

// New returns a new Bridge with the provided config and a [mqtt.Client]
// derived from the config. The bridge must have [Bridge.Connect] and
// [Bridge.Start] called on it before it may be used.
func New(cfg *config.Config, bac PointClient, db PointStore) *Bridge {
	client := mqtt.NewClient(cfg.MQTT.ClientOptions())
	return NewWithClient(cfg, client, bac, db)
}

// NewWithClient returns a new Bridge with the provided config and
// [mqtt.Client].
func NewWithClient(cfg *config.Config, c mqtt.Client, bac PointClient, db PointStore) *Bridge {
	if cfg.MQTT.LogLevel <= log.LevelError {
		mqtt.ERROR = log.ErrorLogger()
	}
	if cfg.MQTT.LogLevel <= log.LevelWarn {
		mqtt.WARN = log.WarnLogger()
	}
	if cfg.MQTT.LogLevel <= log.LevelDebug {
		mqtt.DEBUG = log.DebugLogger()
	}
	loc, err := time.LoadLocation(cfg.Poll.Timezone)
	if err != nil {
		log.Warn("Unknown timezone, using UTC", "timezone", cfg.Poll.Timezone)
		loc = time.UTC
	}
	tick := cfg.Poll.Tick
	if tick <= 0 {
		tick = 5 * time.Second
	}
	maxInFlight := cfg.Poll.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 8
	}
	return &Bridge{
		client:          c,
		bac:             bac,
		db:              db,
		tick:            tick,
		defaultInterval: cfg.Poll.Interval,
		maxInFlight:     maxInFlight,
		loc:             loc,
		sched:           newScheduler(),
	}
}

// SetTimezone overrides the timezone readings are stamped with. The
// database settings row is the source of truth over the environment.
func (b *Bridge) SetTimezone(name string) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warn("Unknown timezone from settings", "timezone", name)
		return
	}
	b.mu.Lock()
	b.loc = loc
	b.mu.Unlock()
	log.Info("Timezone", "timezone", name)
}

// SetBatchPublishing enables per-equipment batch topics.
func (b *Bridge) SetBatchPublishing(enabled bool) {
	b.mu.Lock()
	b.batchEnabled = enabled
	b.mu.Unlock()
}

func (b *Bridge) location() *time.Location {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loc
}

func (b *Bridge) batchPublishing() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.batchEnabled
}

func waitToken(ctx context.Context, t mqtt.Token) error {
	select {
	case <-ctx.Done():
		return nil
	case <-t.Done():
	}
	return t.Error()
}

// Connect creates a connection to the message broker and subscribes to
// the write command topic. The subscription callback only enqueues;
// commands execute in the polling loop.
func (b *Bridge) Connect(ctx context.Context) error {
	t := b.client.Connect()
	if err := waitToken(ctx, t); err != nil {
		return err
	}
	sub := b.client.Subscribe(writeCommandTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		msg.Ack()
		b.enqueueWrite(msg.Payload())
	})
	if err := waitToken(ctx, sub); err != nil {
		return err
	}
	log.Info("Subscribed to write command topic", "topic", writeCommandTopic)
	return nil
}

// Start begins the polling loop. Each tick drains pending write commands
// first, then polls every point whose interval has elapsed.
func (b *Bridge) Start(ctx context.Context) {
	b.once.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		b.start(ctx)
	})
}

func (b *Bridge) start(ctx context.Context) {
	b.ready = make(chan struct{})
	b.done = make(chan struct{})
	ctx, b.cancel = context.WithCancel(ctx)
	go func() {
		defer close(b.done)
		close(b.ready)
		ticker := time.NewTicker(b.tick)
		defer ticker.Stop()
		for {
			b.processWrites(ctx)
			b.pollCycle(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Ready returns a channel that is closed once the polling loop is running.
func (b *Bridge) Ready() <-chan struct{} {
	return b.ready
}

// Done returns a channel that is closed once the bridge has stopped.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Disconnect stops the polling loop and ends the connection with the
// broker.
func (b *Bridge) Disconnect() {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	if b.client.IsConnected() {
		b.client.Disconnect(500)
	}
	log.Info("Disconnected")
}
