// Package connector implements the remote connector: the long-lived client
// session agent that owns the duplex channel to the server, the connection
// state machine, the crypto controller and all timers. Everything runs on a
// single loop goroutine; public methods post onto that loop and return
// immediately.
package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/devsync/internal/cryptoctrl"
	"github.com/and161185/devsync/internal/model"
	"github.com/and161185/devsync/internal/settings"
	"github.com/and161185/devsync/internal/transport"
	"github.com/and161185/devsync/internal/wire"
)

// retrySchedule is the fixed back-off ladder; the last entry repeats.
var retrySchedule = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
}

// Operation deadlines.
const (
	specialOpTimeout  = time.Minute
	downloadOpTimeout = 5 * time.Minute
	proofTimeout      = 10 * time.Minute
	defaultFinalize   = 30 * time.Second
)

// Options wires a connector's collaborators.
type Options struct {
	Log      *zap.Logger
	Settings *settings.Store
	Crypto   *cryptoctrl.Controller
	Dialer   transport.Dialer
	// FinalizeTimeout bounds Finalize; zero selects 30s.
	FinalizeTimeout time.Duration
}

// proofEntry caches a verified import proof until the owner replies.
type proofEntry struct {
	cryptScheme string
	cryptKey    []byte
}

// Connector drives the client side of the sync exchange.
type Connector struct {
	log      *zap.Logger
	settings *settings.Store
	crypto   *cryptoctrl.Controller
	dialer   transport.Dialer

	machine *Machine
	cmds    chan func()
	events  chan Notification
	done    chan struct{}

	sock    transport.Conn
	sockGen int

	retryIndex    int
	awaitingPing  bool
	expectChanges bool
	uploadLimit   uint32
	deviceID      uuid.UUID

	deviceCache  []model.DeviceInfo
	exportsCache map[string][]byte
	activeProofs map[uuid.UUID]*proofEntry

	opGen    int
	opTimer  *time.Timer
	pingGen  int
	pingTimer *time.Timer

	finalizeTimeout time.Duration
	finished        bool

	// test hooks, loop-owned
	minute   time.Duration
	schedule []time.Duration
}

// New creates a connector. Initialize must be called before any request.
func New(opts Options) *Connector {
	ft := opts.FinalizeTimeout
	if ft == 0 {
		ft = defaultFinalize
	}
	return &Connector{
		log:             opts.Log,
		settings:        opts.Settings,
		crypto:          opts.Crypto,
		dialer:          opts.Dialer,
		machine:         NewMachine(),
		cmds:            make(chan func(), 64),
		events:          make(chan Notification, 64),
		done:            make(chan struct{}),
		exportsCache:    make(map[string][]byte),
		activeProofs:    make(map[uuid.UUID]*proofEntry),
		finalizeTimeout: ft,
		minute:          time.Minute,
		schedule:        retrySchedule,
	}
}

// Events returns the notification stream. The owner must drain it.
func (c *Connector) Events() <-chan Notification { return c.events }

// Initialize acquires the crypto controller, starts the loop and begins
// connecting.
func (c *Connector) Initialize() error {
	if err := c.crypto.Initialize(); err != nil {
		return fmt.Errorf("initialize crypto controller: %w", err)
	}
	go c.run()
	c.post(func() { c.submit(EventReconnect) })
	return nil
}

// Finalize requests shutdown. The Finalized notification reports completion;
// if the machine has not reached Disconnected in time the socket and loop
// are force-stopped.
func (c *Connector) Finalize() {
	c.post(func() {
		c.stopPing()
		c.machine.SetClosing()
		if c.machine.Current() == StateDisconnected {
			c.finish()
			return
		}
		c.submit(EventClose)
		delay := c.finalizeTimeout - time.Second
		if delay < time.Second {
			delay = time.Second
		}
		time.AfterFunc(delay, func() {
			c.post(func() {
				if !c.finished {
					if c.sock != nil {
						_ = c.sock.Close()
						c.sock = nil
					}
					c.finish()
				}
			})
		})
	})
}

// finish emits Finalized once and stops the loop.
func (c *Connector) finish() {
	if c.finished {
		return
	}
	c.finished = true
	c.crypto.Finalize()
	c.emit(Finalized{})
	close(c.done)
}

// run is the owning loop. All state is touched here only.
func (c *Connector) run() {
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case <-c.done:
			return
		}
	}
}

// post schedules fn on the loop; dropped once the loop has stopped.
func (c *Connector) post(fn func()) {
	select {
	case <-c.done:
	default:
		select {
		case c.cmds <- fn:
		case <-c.done:
		}
	}
}

func (c *Connector) emit(n Notification) {
	select {
	case c.events <- n:
	default:
		c.log.Warn("notification dropped, owner not draining",
			zap.String("type", fmt.Sprintf("%T", n)))
	}
}

// submit feeds one event through the state machine and executes the
// resulting actions.
func (c *Connector) submit(ev Event) {
	actions, handled := c.machine.Submit(ev)
	if !handled {
		c.log.Debug("event ignored",
			zap.Stringer("event", ev),
			zap.Stringer("state", c.machine.Current()))
		return
	}
	for _, a := range actions {
		switch a {
		case ActionConnect:
			c.doConnect()
		case ActionDisconnect:
			c.doDisconnect()
		case ActionScheduleRetry:
			c.scheduleRetry()
		case ActionEnterIdle:
			c.onEntryIdle()
		case ActionExitActive:
			c.onExitActive()
		case ActionFinish:
			c.finish()
		}
	}
}

func (c *Connector) triggerError(canRecover bool) {
	if canRecover {
		c.submit(EventBasicError)
	} else {
		c.submit(EventFatalError)
	}
}

// --- connection management ---

func (c *Connector) doConnect() {
	c.emit(RemoteEvent{State: RemoteConnecting})

	cfg, ok := c.checkCanSync()
	if !ok {
		c.submit(EventNoConnect)
		return
	}

	c.sockGen++
	gen := c.sockGen
	c.beginOp(specialOpTimeout)
	c.log.Debug("connecting to remote server", zap.String("url", cfg.URL))

	go func() {
		conn, err := c.dialer.Dial(context.Background(), cfg)
		c.post(func() {
			if gen != c.sockGen || c.machine.IsClosing() && c.machine.Current() == StateDisconnected {
				if conn != nil {
					_ = conn.Close()
				}
				return
			}
			if err != nil {
				c.logRetry("failed to connect to server", zap.Error(err))
				c.endOp()
				c.submit(EventDisconnected)
				return
			}
			c.sock = conn
			c.startReader(conn, gen)
			c.endOp()
			c.log.Debug("successfully connected to remote server")
			c.startPing()
			c.submit(EventConnected)
		})
	}()
}

func (c *Connector) startReader(conn transport.Conn, gen int) {
	go func() {
		for {
			data, err := conn.Receive()
			if err != nil {
				c.post(func() { c.onSocketClosed(gen, err) })
				return
			}
			c.post(func() {
				if gen == c.sockGen {
					c.onBinaryMessage(data)
				}
			})
		}
	}()
}

func (c *Connector) onSocketClosed(gen int, err error) {
	if gen != c.sockGen {
		return
	}
	if active(c.machine.Current()) {
		c.logRetry("unexpected disconnect from server", zap.Error(err))
	} else {
		c.log.Debug("remote server has been disconnected")
	}
	c.sock = nil
	c.sockGen++
	c.stopPing()
	c.endOp()
	c.submit(EventDisconnected)
}

func (c *Connector) doDisconnect() {
	if c.sock == nil {
		c.submit(EventDisconnected)
		return
	}
	c.beginOp(specialOpTimeout)
	c.log.Debug("closing active connection with server")
	_ = c.sock.Close()
}

// checkCanSync loads the identity and decides whether connecting is
// possible right now.
func (c *Connector) checkCanSync() (model.RemoteConfig, bool) {
	if c.machine.IsClosing() {
		return model.RemoteConfig{}, false
	}
	if !c.loadIdentity() {
		c.log.Error("unable to load user identity, cannot synchronize")
		return model.RemoteConfig{}, false
	}
	if !c.settings.Enabled() {
		c.log.Debug("remote has been disabled, not connecting")
		return model.RemoteConfig{}, false
	}
	cfg := c.settings.RemoteConfig()
	if cfg.URL == "" {
		c.log.Debug("cannot connect to remote, no URL defined")
		return model.RemoteConfig{}, false
	}
	return cfg, true
}

func (c *Connector) loadIdentity() bool {
	nid := c.settings.DeviceID()
	if nid != c.deviceID || nid == uuid.Nil {
		c.deviceID = nid
		c.crypto.ClearKeyMaterial()
		if err := c.crypto.AcquireStore(); err != nil {
			c.log.Error("failed to open key store", zap.Error(err))
			return false
		}
		if nid == uuid.Nil {
			return true
		}
		if err := c.crypto.LoadKeyMaterial(nid); err != nil {
			c.log.Error("failed to load key material", zap.Error(err))
			return false
		}
	}
	return true
}

func (c *Connector) scheduleRetry() {
	delay := c.nextRetryDelay()
	c.log.Debug("retrying to connect to server", zap.Duration("in", delay))
	time.AfterFunc(delay, func() {
		c.post(func() {
			if c.retryIndex != 0 && c.machine.Current() == StateRetry {
				c.submit(EventReconnect)
			}
		})
	})
}

// nextRetryDelay advances the back-off ladder and returns the current delay.
// The last schedule entry repeats until a successful login resets the index.
func (c *Connector) nextRetryDelay() time.Duration {
	idx := c.retryIndex
	if idx >= len(c.schedule) {
		idx = len(c.schedule) - 1
	}
	if c.retryIndex < len(c.schedule) {
		c.retryIndex++
	}
	return c.schedule[idx]
}

func (c *Connector) onEntryIdle() {
	c.retryIndex = 0
	if c.crypto.HasStagedKey() {
		c.initKeyUpdate()
	}
	if c.expectChanges {
		c.expectChanges = false
		c.log.Debug("server has changes, reloading states")
		c.emit(RemoteEvent{State: RemoteReadyWithChanges})
	} else {
		c.emit(RemoteEvent{State: RemoteReady})
	}
}

func (c *Connector) onExitActive() {
	c.clearCaches(false)
	c.endOp()
	c.emit(RemoteEvent{State: RemoteDisconnected})
}

func (c *Connector) clearCaches(includeExports bool) {
	c.deviceCache = nil
	if includeExports {
		c.exportsCache = make(map[string][]byte)
	}
	c.activeProofs = make(map[uuid.UUID]*proofEntry)
}

// --- operation deadlines ---

func (c *Connector) beginOp(d time.Duration) {
	c.opGen++
	gen := c.opGen
	if c.opTimer != nil {
		c.opTimer.Stop()
	}
	c.opTimer = time.AfterFunc(d, func() {
		c.post(func() {
			if gen == c.opGen {
				c.log.Error("operation timed out", zap.Duration("after", d))
				c.triggerError(false)
			}
		})
	})
}

func (c *Connector) endOp() {
	c.opGen++
	if c.opTimer != nil {
		c.opTimer.Stop()
		c.opTimer = nil
	}
}

// --- keepalive ---

func (c *Connector) startPing() {
	c.stopPing()
	tOut := c.settings.KeepaliveTimeout()
	if tOut <= 0 {
		return
	}
	c.awaitingPing = false
	c.armPing(time.Duration(tOut) * c.minute)
}

func (c *Connector) armPing(interval time.Duration) {
	c.pingGen++
	gen := c.pingGen
	c.pingTimer = time.AfterFunc(interval, func() {
		c.post(func() {
			if gen == c.pingGen {
				c.ping(interval)
			}
		})
	})
}

func (c *Connector) ping(interval time.Duration) {
	if c.sock == nil {
		return
	}
	if c.awaitingPing {
		c.awaitingPing = false
		c.log.Debug("server connection idle, reconnecting to server")
		c.submit(EventReconnect)
		return
	}
	c.awaitingPing = true
	if err := c.sock.Send(wire.PingFrame); err != nil {
		c.logRetry("failed to send keepalive", zap.Error(err))
		c.tryClose()
		return
	}
	c.armPing(interval)
}

func (c *Connector) onPingReply() {
	c.awaitingPing = false
	if tOut := c.settings.KeepaliveTimeout(); tOut > 0 {
		c.armPing(time.Duration(tOut) * c.minute)
	}
}

func (c *Connector) stopPing() {
	c.pingGen++
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
	c.awaitingPing = false
}

// tryClose drops the socket on unexpected transport failures; the reader's
// error completes the disconnect.
func (c *Connector) tryClose() {
	if c.sock != nil {
		_ = c.sock.Close()
	}
}

// logRetry logs noisily on the first failed attempt and quietly on repeats.
func (c *Connector) logRetry(msg string, fields ...zap.Field) {
	if c.retryIndex == 0 {
		c.log.Warn(msg, fields...)
	} else {
		c.log.Debug(msg+" (repeated)", fields...)
	}
}

// sendMessage frames and transmits a plain message.
func (c *Connector) sendMessage(m wire.Message) {
	c.sendRaw(wire.Marshal(m), m.Name())
}

// sendSigned frames and transmits a signed envelope.
func (c *Connector) sendSigned(m wire.Message) error {
	frame, err := c.crypto.SerializeSignedMessage(m)
	if err != nil {
		return err
	}
	c.sendRaw(frame, m.Name())
	return nil
}

func (c *Connector) sendRaw(frame []byte, name string) {
	if c.sock == nil {
		c.log.Warn("dropping outbound message, no connection", zap.String("message", name))
		return
	}
	if err := c.sock.Send(frame); err != nil {
		c.logRetry("failed to send message", zap.String("message", name), zap.Error(err))
		c.tryClose()
	}
}
