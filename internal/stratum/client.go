package stratum

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/bardlex/gompminer/pkg/errors"
	"github.com/bardlex/gompminer/pkg/log"
)

// maxLineSize bounds one inbound JSON-RPC line
const maxLineSize = 4096

// Options tunes a Client's I/O deadlines
type Options struct {
	// PollWindow bounds how long PollMessage waits for a line.
	PollWindow time.Duration
	// WriteTimeout bounds each request write.
	WriteTimeout time.Duration
}

// DefaultOptions returns the deadlines used by the firmware
func DefaultOptions() Options {
	return Options{
		PollWindow:   250 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
}

// Client speaks Stratum V1 to a pool over one connection.
// It is not safe for concurrent use; callers serialize access.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	logger *log.Logger
	opts   Options

	nextID  uint64
	pending map[uint64]string

	partial  []byte
	overflow bool

	user     string
	accepted uint64
	rejected uint64
}

// NewClient wraps an established pool connection
func NewClient(conn net.Conn, logger *log.Logger, opts Options) *Client {
	if opts.PollWindow <= 0 {
		opts.PollWindow = DefaultOptions().PollWindow
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultOptions().WriteTimeout
	}

	return &Client{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, maxLineSize),
		logger:  logger.WithFields("remote_addr", conn.RemoteAddr().String()),
		opts:    opts,
		nextID:  1,
		pending: make(map[uint64]string),
	}
}

// RemoteAddr returns the pool address
func (c *Client) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Close closes the underlying connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Configure sends mining.configure
func (c *Client) Configure(ctx context.Context, exts Extensions) error {
	return c.send(ctx, MethodConfigure, exts.params())
}

// Connect sends mining.subscribe with the client identification string
func (c *Client) Connect(ctx context.Context, clientName string) error {
	return c.send(ctx, MethodSubscribe, []any{clientName})
}

// Authorize sends mining.authorize. The user is remembered for submissions.
func (c *Client) Authorize(ctx context.Context, user, password string) error {
	if err := c.send(ctx, MethodAuthorize, []any{user, password}); err != nil {
		return err
	}
	c.user = user
	return nil
}

// Submit sends mining.submit for one share
func (c *Client) Submit(ctx context.Context, share Share) error {
	if c.user == "" {
		return errors.New(errors.ErrorTypeHandshake, "submit", "share submitted before authorize")
	}
	return c.send(ctx, MethodSubmit, share.params(c.user))
}

func (c *Client) send(ctx context.Context, method string, params []any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	id := c.nextID
	c.nextID++

	data, err := MarshalMessage(NewRequest(id, method, params))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, "encode", "failed to encode request").
			WithContext("method", method)
	}

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "send", "failed to set write deadline")
	}

	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "send", "failed to write request").
			WithContext("method", method)
	}

	c.pending[id] = method
	c.logger.LogStratumMessage("sent", string(data))
	return nil
}

// PollMessage waits up to the poll window for one inbound line and decodes it.
// A nil event with a nil error means nothing actionable arrived.
func (c *Client) PollMessage(ctx context.Context) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.opts.PollWindow)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "poll_message", "failed to set read deadline")
	}

	line, tooLong, err := c.readLine()
	if err != nil {
		if errors.IsTimeout(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "poll_message", "failed to read from pool")
	}
	if tooLong {
		return nil, errors.New(errors.ErrorTypeProtocol, "decode", "line exceeds maximum size").
			WithContext("max_size", maxLineSize)
	}
	if len(line) == 0 {
		return nil, nil
	}

	c.logger.LogStratumMessage("received", string(line))

	msg, err := ParseMessage(line)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "decode", "invalid stratum message")
	}

	if msg.IsNotification() {
		return c.handleNotification(msg)
	}
	return c.handleResponse(msg)
}

// readLine returns one complete line. Bytes read before a deadline expires are
// kept for the next call.
func (c *Client) readLine() ([]byte, bool, error) {
	for {
		chunk, err := c.reader.ReadSlice('\n')
		if !c.overflow {
			c.partial = append(c.partial, chunk...)
			if len(c.partial) > maxLineSize {
				c.overflow = true
				c.partial = c.partial[:0]
			}
		}

		switch {
		case err == nil:
			if c.overflow {
				c.overflow = false
				return nil, true, nil
			}
			line := bytes.Clone(bytes.TrimSpace(c.partial))
			c.partial = c.partial[:0]
			return line, false, nil
		case err == bufio.ErrBufferFull:
			continue
		default:
			return nil, false, err
		}
	}
}

func (c *Client) handleResponse(msg *Message) (*Event, error) {
	id, ok := requestID(msg.ID)
	if !ok {
		c.logger.Debug("ignoring response with unusable id", "id", msg.ID)
		return nil, nil
	}

	method, ok := c.pending[id]
	if !ok {
		c.logger.Debug("ignoring response to unknown request", "id", id)
		return nil, nil
	}
	delete(c.pending, id)

	switch method {
	case MethodConfigure:
		return c.handleConfigured(msg), nil
	case MethodSubscribe:
		return c.handleSubscribed(msg)
	case MethodAuthorize:
		if accepted, _ := msg.Result.(bool); !accepted || msg.Error != nil {
			err := errors.New(errors.ErrorTypeHandshake, "authorize", "pool rejected worker")
			if msg.Error != nil {
				err = errors.Wrap(msg.Error, errors.ErrorTypeHandshake, "authorize", "pool rejected worker")
			}
			return nil, err.WithContext("user", c.user)
		}
		return &Event{Kind: EventAuthorized}, nil
	case MethodSubmit:
		ev := &Event{Kind: EventShareResult, ShareError: msg.Error}
		if accepted, _ := msg.Result.(bool); accepted && msg.Error == nil {
			c.accepted++
		} else {
			c.rejected++
		}
		ev.Accepted, ev.Rejected = c.accepted, c.rejected
		return ev, nil
	default:
		return nil, nil
	}
}

// handleConfigured never fails: a pool that does not understand
// mining.configure simply leaves the extensions off.
func (c *Client) handleConfigured(msg *Message) *Event {
	ev := &Event{Kind: EventConfigured}

	result, ok := msg.Result.(map[string]any)
	if !ok || msg.Error != nil {
		return ev
	}

	if enabled, _ := result["version-rolling"].(bool); enabled {
		ev.VersionRolling = true
		if mask, err := hexUint32(result["version-rolling.mask"], "version-rolling.mask"); err == nil {
			ev.VersionMask = mask
		}
	}
	return ev
}

func (c *Client) handleSubscribed(msg *Message) (*Event, error) {
	if msg.Error != nil {
		return nil, errors.Wrap(msg.Error, errors.ErrorTypeHandshake, "subscribe", "pool rejected subscription")
	}

	result, ok := msg.Result.([]any)
	if !ok || len(result) < 3 {
		return nil, errors.New(errors.ErrorTypeProtocol, "subscribe", "malformed subscribe result")
	}

	extraNonce1, err := hexParam(result[1], "extranonce1")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "subscribe", "malformed subscribe result")
	}
	size, ok := result[2].(float64)
	if !ok || size < 0 {
		return nil, errors.New(errors.ErrorTypeProtocol, "subscribe", "malformed extranonce2 size")
	}

	return &Event{
		Kind:            EventConnected,
		ExtraNonce1:     extraNonce1,
		ExtraNonce2Size: int(size),
	}, nil
}

func (c *Client) handleNotification(msg *Message) (*Event, error) {
	switch msg.Method {
	case MethodSetDifficulty:
		if len(msg.Params) < 1 {
			return nil, errors.New(errors.ErrorTypeProtocol, "decode", "set_difficulty without parameters")
		}
		diff, ok := msg.Params[0].(float64)
		if !ok || diff <= 0 {
			return nil, errors.New(errors.ErrorTypeProtocol, "decode", "invalid difficulty").
				WithContext("value", msg.Params[0])
		}
		return &Event{Kind: EventDifficulty, Difficulty: diff}, nil

	case MethodSetVersionMask:
		if len(msg.Params) < 1 {
			return nil, errors.New(errors.ErrorTypeProtocol, "decode", "set_version_mask without parameters")
		}
		mask, err := hexUint32(msg.Params[0], "mask")
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "decode", "invalid version mask")
		}
		return &Event{Kind: EventVersionMask, VersionRolling: true, VersionMask: mask}, nil

	case MethodNotify:
		job, err := ParseNotify(msg.Params)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "decode", "invalid mining.notify")
		}
		kind := EventJob
		if job.CleanJobs {
			kind = EventCleanJobs
		}
		return &Event{Kind: kind, Job: job}, nil

	case MethodReconnect, MethodShowMessage:
		c.logger.Info("pool notice ignored", "method", msg.Method, "params", fmt.Sprint(msg.Params))
		return nil, nil

	default:
		c.logger.Debug("ignoring unknown notification", "method", msg.Method)
		return nil, nil
	}
}

// Dialer opens TCP connections to one fixed pool endpoint
type Dialer struct {
	Addr    string
	Timeout time.Duration
	Options Options
	Logger  *log.Logger
}

// Dial connects to the pool, bounded by the dial timeout
func (d *Dialer) Dial(ctx context.Context) (*Client, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp4", d.Addr)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "dial", "failed to connect to pool").
			WithContext("addr", d.Addr)
	}

	d.Logger.LogConnection("connected", d.Addr)
	return NewClient(conn, d.Logger, d.Options), nil
}

// String renders a share's hex fields the way they go on the wire
func (s Share) String() string {
	return fmt.Sprintf("job=%s en2=%s ntime=%08x nonce=%08x", s.JobID, hex.EncodeToString(s.ExtraNonce2), s.NTime, s.Nonce)
}
