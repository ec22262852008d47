package bacnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// TimeoutError is returned when every attempt of a request expired.
type TimeoutError struct {
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("bacnet: request timed out after %d attempts", e.Attempts)
}

// RejectAbortError is returned when the peer answered with an Error,
// Reject, or Abort PDU.
type RejectAbortError struct {
	PDU   byte // apduError, apduReject, or apduAbort
	Class uint32
	Code  uint32
}

func (e *RejectAbortError) Error() string {
	switch e.PDU {
	case apduReject:
		return fmt.Sprintf("bacnet: request rejected (reason %d)", e.Code)
	case apduAbort:
		return fmt.Sprintf("bacnet: request aborted (reason %d)", e.Code)
	default:
		return fmt.Sprintf("bacnet: error response (class %d, code %d)", e.Class, e.Code)
	}
}

// RetryPolicy controls ReadProperty timeouts. Attempt 1 waits Timeout;
// each retry doubles the previous wait, with Sleep between attempts.
type RetryPolicy struct {
	Timeout    time.Duration
	MaxRetries int
	Sleep      time.Duration
}

// DefaultRetry matches the field-proven poller settings: 6 s base timeout,
// 3 retries, 500 ms between attempts.
var DefaultRetry = RetryPolicy{
	Timeout:    6 * time.Second,
	MaxRetries: 3,
	Sleep:      500 * time.Millisecond,
}

// attemptTimeout returns the wait for the given 0-indexed attempt.
func (p RetryPolicy) attemptTimeout(attempt int) time.Duration {
	if attempt == 0 {
		return p.Timeout
	}
	return p.Timeout << (attempt - 1)
}

const writeTimeout = 10 * time.Second

// DeviceIdentity is the local device object announced in I-Am responses.
type DeviceIdentity struct {
	ID     uint32
	Name   string
	Vendor uint16
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// LocalAddr is the local address to bind, in ip:port form. An empty
	// port binds the standard port 47808.
	LocalAddr string
	Device    DeviceIdentity
	Retry     RetryPolicy
}

type reply struct {
	apduType byte
	service  byte
	payload  []byte
}

// Client owns the local BACnet/IPv4 endpoint. All confirmed requests are
// correlated by APDU invoke id through a pending-transaction table fed by
// a single receive loop; duplicate replies for an already-settled invoke
// id are dropped.
type Client struct {
	conn   *net.UDPConn
	device DeviceIdentity
	retry  RetryPolicy

	mu       sync.Mutex
	nextID   byte
	pending  map[byte]chan reply
	iams     chan IAm
	closed   bool
	done     chan struct{}
	loopDone chan struct{}
}

// NewClient binds the local endpoint and starts the receive loop.
func NewClient(opts ClientOptions) (*Client, error) {
	addr := opts.LocalAddr
	if addr == "" {
		addr = fmt.Sprintf(":%d", DefaultPort)
	}
	laddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("bacnet: resolve local address: %w", err)
	}
	if laddr.Port == 0 {
		laddr.Port = DefaultPort
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("bacnet: listen: %w", err)
	}
	retry := opts.Retry
	if retry.Timeout <= 0 {
		retry = DefaultRetry
	}
	c := &Client{
		conn:     conn,
		device:   opts.Device,
		retry:    retry,
		pending:  make(map[byte]chan reply),
		iams:     make(chan IAm, 64),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go c.receiveLoop()
	return c, nil
}

// Close shuts the socket and stops the receive loop.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	err := c.conn.Close()
	<-c.loopDone
	return err
}

// IAms returns the channel of I-Am announcements heard on the wire.
func (c *Client) IAms() <-chan IAm {
	return c.iams
}

func (c *Client) receiveLoop() {
	defer close(c.loopDone)
	buf := make([]byte, 2048)
	for {
		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		f, err := parseFrame(buf[:n])
		if err != nil {
			continue
		}
		switch f.apduType {
		case apduUnconfirmedRequest:
			c.handleUnconfirmed(f, addr)
		case apduSimpleAck, apduComplexAck, apduError, apduReject, apduAbort:
			c.dispatch(f)
		}
	}
}

func (c *Client) handleUnconfirmed(f *frame, addr *net.UDPAddr) {
	switch f.service {
	case serviceUnconfirmedIAm:
		iam := *f.iam
		iam.Addr = addr.String()
		select {
		case c.iams <- iam:
		default: // discovery not listening, drop
		}
	case serviceUnconfirmedWhoIs:
		c.answerWhoIs(addr)
	}
}

// answerWhoIs announces the local device so peers can route confirmed
// requests back to us.
func (c *Client) answerWhoIs(addr *net.UDPAddr) {
	frame := buildIAm(c.device.ID, 1024, 3 /* segmentedBoth */, c.device.Vendor)
	c.send(frame, addr)
}

func (c *Client) dispatch(f *frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.invokeID]
	if ok {
		delete(c.pending, f.invokeID)
	}
	c.mu.Unlock()
	if !ok {
		return // duplicate or stale invoke id
	}
	ch <- reply{apduType: f.apduType, service: f.service, payload: f.payload}
}

func (c *Client) register() (byte, chan reply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		c.nextID++
		if _, inUse := c.pending[c.nextID]; !inUse {
			break
		}
	}
	ch := make(chan reply, 1)
	c.pending[c.nextID] = ch
	return c.nextID, ch
}

func (c *Client) unregister(id byte) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) send(frame []byte, addr *net.UDPAddr) error {
	if _, err := c.conn.WriteToUDP(frame, addr); err != nil {
		return fmt.Errorf("bacnet: send: %w", err)
	}
	return nil
}

func resolveAddr(addr string) (*net.UDPAddr, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		addr = net.JoinHostPort(addr, fmt.Sprint(DefaultPort))
	}
	uaddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("bacnet: resolve %q: %w", addr, err)
	}
	return uaddr, nil
}

// request performs one confirmed request attempt and waits for the reply.
func (c *Client) request(ctx context.Context, addr *net.UDPAddr, build func(invokeID byte) []byte, timeout time.Duration) (reply, error) {
	id, ch := c.register()
	defer c.unregister(id)

	if err := c.send(build(id), addr); err != nil {
		return reply{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		switch r.apduType {
		case apduError:
			class, code := errorClassCode(r.payload)
			return reply{}, &RejectAbortError{PDU: apduError, Class: class, Code: code}
		case apduReject, apduAbort:
			var code uint32
			if len(r.payload) > 0 {
				code = uint32(r.payload[0])
			}
			return reply{}, &RejectAbortError{PDU: r.apduType, Code: code}
		}
		return r, nil
	case <-timer.C:
		return reply{}, context.DeadlineExceeded
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-c.done:
		return reply{}, net.ErrClosed
	}
}

// readRaw runs a confirmed read with the client's retry policy, returning
// the ComplexACK payload.
func (c *Client) readRaw(ctx context.Context, addr *net.UDPAddr, build func(byte) []byte) ([]byte, error) {
	var lastErr error
	attempts := c.retry.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.retry.Sleep):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		r, err := c.request(ctx, addr, build, c.retry.attemptTimeout(attempt))
		if err == nil {
			return r.payload, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, err
		}
		lastErr = err
	}
	if errors.Is(lastErr, context.DeadlineExceeded) {
		return nil, &TimeoutError{Attempts: attempts}
	}
	return nil, lastErr
}

// ReadProperty reads one property and decodes its application-tagged
// value. Timeouts follow the client's retry policy.
func (c *Client) ReadProperty(ctx context.Context, addr string, obj ObjectID, prop PropertyID) (Value, error) {
	uaddr, err := resolveAddr(addr)
	if err != nil {
		return Value{}, err
	}
	payload, err := c.readRaw(ctx, uaddr, func(id byte) []byte {
		return buildReadProperty(id, obj, prop)
	})
	if err != nil {
		return Value{}, err
	}
	tags, err := parseReadPropertyAck(payload)
	if err != nil {
		return Value{}, err
	}
	return DecodeTags(tags)
}

// ReadObjectList reads the objectList property of a device object.
func (c *Client) ReadObjectList(ctx context.Context, addr string, deviceID uint32) ([]ObjectID, error) {
	uaddr, err := resolveAddr(addr)
	if err != nil {
		return nil, err
	}
	obj := ObjectID{Type: Device, Instance: deviceID}
	payload, err := c.readRaw(ctx, uaddr, func(id byte) []byte {
		return buildReadProperty(id, obj, PropObjectList)
	})
	if err != nil {
		return nil, err
	}
	return parseObjectListAck(payload)
}

// ReadProperties reads a set of properties from one object with a single
// ReadPropertyMultiple. Properties the device reports as inaccessible are
// simply absent from the result.
func (c *Client) ReadProperties(ctx context.Context, addr string, obj ObjectID, props []PropertyID) (map[PropertyID][]Tag, error) {
	uaddr, err := resolveAddr(addr)
	if err != nil {
		return nil, err
	}
	payload, err := c.readRaw(ctx, uaddr, func(id byte) []byte {
		return buildReadPropertyMultiple(id, obj, props)
	})
	if err != nil {
		return nil, err
	}
	return parseRPMAck(payload)
}

// WriteProperty writes one property. Writes use a 10 s deadline and are
// never retried automatically; failure surfaces to the caller.
func (c *Client) WriteProperty(ctx context.Context, addr string, obj ObjectID, prop PropertyID, value Value) error {
	uaddr, err := resolveAddr(addr)
	if err != nil {
		return err
	}
	r, err := c.request(ctx, uaddr, func(id byte) []byte {
		return buildWriteProperty(id, obj, prop, value)
	}, writeTimeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &TimeoutError{Attempts: 1}
		}
		return err
	}
	if r.apduType != apduSimpleAck {
		return fmt.Errorf("bacnet: write: unexpected reply type 0x%02x", r.apduType)
	}
	return nil
}

// WhoIs broadcasts an unconfirmed Who-Is. Responses arrive asynchronously
// on the IAms channel.
func (c *Client) WhoIs(broadcastAddr string, low, high *uint32) error {
	uaddr, err := resolveAddr(broadcastAddr)
	if err != nil {
		return err
	}
	return c.send(buildWhoIs(low, high), uaddr)
}
