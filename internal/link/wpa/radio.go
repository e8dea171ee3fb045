// Package wpa implements link.Radio on top of the wpa_supplicant control
// interface: one datagram socket for commands and a second, attached socket
// for unsolicited CTRL-EVENT notifications.
package wpa

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gompminer/internal/link"
	"github.com/bardlex/gompminer/pkg/errors"
	"github.com/bardlex/gompminer/pkg/log"
)

const (
	eventConnected    = "CTRL-EVENT-CONNECTED"
	eventDisconnected = "CTRL-EVENT-DISCONNECTED"

	maxReplySize = 4096
)

var localSeq atomic.Uint64

// Options tunes the control interface
type Options struct {
	// CommandTimeout bounds one request/reply exchange.
	CommandTimeout time.Duration
	// AssociateTimeout bounds Connect.
	AssociateTimeout time.Duration
	// LocalDir holds the client-side socket files.
	LocalDir string
}

// DefaultOptions returns the stock timeouts
func DefaultOptions() Options {
	return Options{
		CommandTimeout:   2 * time.Second,
		AssociateTimeout: 30 * time.Second,
		LocalDir:         os.TempDir(),
	}
}

// Radio controls one wireless interface through wpa_supplicant
type Radio struct {
	ctrlPath string
	opts     Options
	logger   *log.Logger

	ssid     string
	password string

	cmdMu     sync.Mutex
	cmd       *net.UnixConn
	events    *net.UnixConn
	networkID int

	started    atomic.Bool
	associated atomic.Bool

	// evMu guards the event counters and the broadcast channel that is
	// closed and replaced on every event.
	evMu    sync.Mutex
	counts  map[link.Event]uint64
	changed chan struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// New returns a Radio for iface whose control socket lives in ctrlDir
func New(ctrlDir, iface string, opts Options, logger *log.Logger) *Radio {
	def := DefaultOptions()
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = def.CommandTimeout
	}
	if opts.AssociateTimeout <= 0 {
		opts.AssociateTimeout = def.AssociateTimeout
	}
	if opts.LocalDir == "" {
		opts.LocalDir = def.LocalDir
	}

	return &Radio{
		ctrlPath:  filepath.Join(ctrlDir, iface),
		opts:      opts,
		logger:    logger.WithComponent("wpa").WithFields("interface", iface),
		networkID: -1,
		counts:    make(map[link.Event]uint64),
		changed:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SetConfiguration stores the station credentials applied by Start
func (r *Radio) SetConfiguration(ssid, password string) error {
	if ssid == "" {
		return errors.New(errors.ErrorTypeValidation, "set_configuration", "empty SSID")
	}
	r.ssid = ssid
	r.password = password
	return nil
}

// Start opens the control sockets, attaches to events and installs the
// configured network
func (r *Radio) Start(ctx context.Context) error {
	if r.started.Load() {
		return nil
	}
	if r.ssid == "" {
		return errors.New(errors.ErrorTypeValidation, "start", "station not configured")
	}

	r.done = make(chan struct{})

	cmd, err := r.dial()
	if err != nil {
		return err
	}
	events, err := r.dial()
	if err != nil {
		r.closeConn(cmd)
		return err
	}

	r.cmdMu.Lock()
	r.cmd = cmd
	r.events = events
	r.cmdMu.Unlock()

	if reply, err := r.request(ctx, "PING"); err != nil || strings.TrimSpace(reply) != "PONG" {
		r.Close()
		if err == nil {
			err = errors.New(errors.ErrorTypeLink, "ping", "unexpected reply").WithContext("reply", strings.TrimSpace(reply))
		}
		return err
	}

	if err := r.expectOK(ctx, events, "ATTACH"); err != nil {
		r.Close()
		return err
	}

	r.wg.Add(1)
	go r.readEvents()

	if err := r.installNetwork(ctx); err != nil {
		r.Close()
		return err
	}

	if state, err := r.wpaState(ctx); err == nil && state == "COMPLETED" {
		r.associated.Store(true)
	}

	r.started.Store(true)
	return nil
}

// Connect selects the configured network and waits for association
func (r *Radio) Connect(ctx context.Context) error {
	if !r.started.Load() {
		return errors.New(errors.ErrorTypeLink, "connect", "radio not started")
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.AssociateTimeout)
	defer cancel()

	seen := r.count(link.EventAssociated)
	if err := r.expectOK(ctx, r.conn(), "SELECT_NETWORK "+strconv.Itoa(r.networkID)); err != nil {
		return err
	}
	if err := r.waitAfter(ctx, link.EventAssociated, seen); err != nil {
		return errors.Wrap(err, errors.ErrorTypeLink, "connect", "association did not complete").
			WithContext("ssid", r.ssid)
	}
	return nil
}

// WaitForEvent blocks until the next occurrence of ev. It returns at once if
// the radio is already in the state ev leads to.
func (r *Radio) WaitForEvent(ctx context.Context, ev link.Event) error {
	seen := r.count(ev)
	if (ev == link.EventAssociated) == r.associated.Load() {
		return nil
	}
	return r.waitAfter(ctx, ev, seen)
}

// IsStarted reports whether Start has completed
func (r *Radio) IsStarted() bool {
	return r.started.Load()
}

// IsAssociated reports the association state from the latest event
func (r *Radio) IsAssociated() bool {
	return r.associated.Load()
}

// Close detaches and releases both sockets
func (r *Radio) Close() error {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
	r.wg.Wait()

	r.cmdMu.Lock()
	cmd, events := r.cmd, r.events
	r.cmd, r.events = nil, nil
	r.cmdMu.Unlock()

	if events != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.CommandTimeout)
		_, _ = r.requestOn(ctx, events, "DETACH")
		cancel()
		r.closeConn(events)
	}
	if cmd != nil {
		r.closeConn(cmd)
	}

	r.started.Store(false)
	r.associated.Store(false)
	return nil
}

func (r *Radio) installNetwork(ctx context.Context) error {
	reply, err := r.request(ctx, "ADD_NETWORK")
	if err != nil {
		return err
	}
	id, err := strconv.Atoi(strings.TrimSpace(reply))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeLink, "add_network", "unexpected reply").
			WithContext("reply", reply)
	}
	r.networkID = id

	settings := []string{"ssid " + quote(r.ssid)}
	if r.password == "" {
		settings = append(settings, "key_mgmt NONE")
	} else {
		settings = append(settings, "psk "+quote(r.password))
	}
	for _, s := range settings {
		if err := r.expectOK(ctx, r.conn(), fmt.Sprintf("SET_NETWORK %d %s", id, s)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Radio) wpaState(ctx context.Context) (string, error) {
	reply, err := r.request(ctx, "STATUS")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(reply, "\n") {
		if v, ok := strings.CutPrefix(line, "wpa_state="); ok {
			return strings.TrimSpace(v), nil
		}
	}
	return "", nil
}

func (r *Radio) conn() *net.UnixConn {
	r.cmdMu.Lock()
	defer r.cmdMu.Unlock()
	return r.cmd
}

func (r *Radio) request(ctx context.Context, command string) (string, error) {
	conn := r.conn()
	if conn == nil {
		return "", errors.New(errors.ErrorTypeLink, "request", "control socket closed")
	}
	return r.requestOn(ctx, conn, command)
}

// requestOn sends command and returns the reply. Replies and events share the
// attached socket, so lines starting with '<' are skipped.
func (r *Radio) requestOn(ctx context.Context, conn *net.UnixConn, command string) (string, error) {
	r.cmdMu.Lock()
	defer r.cmdMu.Unlock()

	deadline := time.Now().Add(r.opts.CommandTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeLink, "request", "failed to set deadline")
	}

	verb, _, _ := strings.Cut(command, " ")
	if _, err := conn.Write([]byte(command)); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeLink, "request", "failed to send command").
			WithContext("command", verb)
	}

	buf := make([]byte, maxReplySize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeLink, "request", "no reply from wpa_supplicant").
				WithContext("command", verb)
		}
		reply := string(buf[:n])
		if strings.HasPrefix(reply, "<") {
			continue
		}
		return reply, nil
	}
}

func (r *Radio) expectOK(ctx context.Context, conn *net.UnixConn, command string) error {
	if conn == nil {
		return errors.New(errors.ErrorTypeLink, "request", "control socket closed")
	}
	reply, err := r.requestOn(ctx, conn, command)
	if err != nil {
		return err
	}
	if strings.TrimSpace(reply) != "OK" {
		verb, _, _ := strings.Cut(command, " ")
		return errors.New(errors.ErrorTypeLink, "request", "command refused").
			WithContext("command", verb).
			WithContext("reply", strings.TrimSpace(reply))
	}
	return nil
}

func (r *Radio) readEvents() {
	defer r.wg.Done()

	buf := make([]byte, maxReplySize)
	for {
		select {
		case <-r.done:
			return
		default:
		}

		r.cmdMu.Lock()
		conn := r.events
		if conn != nil {
			_ = conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		}
		r.cmdMu.Unlock()
		if conn == nil {
			return
		}

		n, err := conn.Read(buf)
		if err != nil {
			if errors.IsTimeout(err) {
				continue
			}
			return
		}
		r.handleEvent(string(buf[:n]))
	}
}

// handleEvent parses "<level>CTRL-EVENT-..." notifications
func (r *Radio) handleEvent(msg string) {
	if i := strings.IndexByte(msg, '>'); strings.HasPrefix(msg, "<") && i > 0 {
		msg = msg[i+1:]
	}

	switch {
	case strings.HasPrefix(msg, eventConnected):
		r.associated.Store(true)
		r.logger.Info("station associated", "event", msg)
		r.signal(link.EventAssociated)
	case strings.HasPrefix(msg, eventDisconnected):
		r.associated.Store(false)
		r.logger.Warn("station disassociated", "event", msg)
		r.signal(link.EventDisassociated)
	}
}

func (r *Radio) signal(ev link.Event) {
	r.evMu.Lock()
	defer r.evMu.Unlock()
	r.counts[ev]++
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *Radio) count(ev link.Event) uint64 {
	r.evMu.Lock()
	defer r.evMu.Unlock()
	return r.counts[ev]
}

func (r *Radio) waitAfter(ctx context.Context, ev link.Event, seen uint64) error {
	for {
		r.evMu.Lock()
		n, changed := r.counts[ev], r.changed
		r.evMu.Unlock()

		if n > seen {
			return nil
		}

		select {
		case <-changed:
		case <-r.done:
			return errors.New(errors.ErrorTypeLink, "wait_for_event", "radio closed")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Radio) dial() (*net.UnixConn, error) {
	local := filepath.Join(r.opts.LocalDir,
		fmt.Sprintf("gompminer-%d-%d", os.Getpid(), localSeq.Add(1)))
	_ = os.Remove(local)

	conn, err := net.DialUnix("unixgram",
		&net.UnixAddr{Name: local, Net: "unixgram"},
		&net.UnixAddr{Name: r.ctrlPath, Net: "unixgram"})
	if err != nil {
		_ = os.Remove(local)
		return nil, errors.Wrap(err, errors.ErrorTypeLink, "dial", "failed to open control socket").
			WithContext("path", r.ctrlPath)
	}
	return conn, nil
}

func (r *Radio) closeConn(conn *net.UnixConn) {
	local := conn.LocalAddr().String()
	if err := conn.Close(); err != nil {
		r.logger.Debug("failed to close control socket", "error", err)
	}
	_ = os.Remove(local)
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
