package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
)

// Handler processes an incoming notification or request. Requests are
// answered with Channel.Reply.
type Handler func(ctx context.Context, msg *Message)

type reply struct {
	msg *Message
	err error
}

// Channel is one end of an IPC stream. Requests may be issued from many
// goroutines; responses are matched to them by correlation id.
type Channel struct {
	enc     Encoder
	dec     Decoder
	closers []io.Closer
	logger  *zap.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan reply
	closed   bool
	closeErr error
	done     chan struct{}
}

// NewChannel creates a channel reading from r and writing to w. Either
// side implementing io.Closer is closed with the channel.
func NewChannel(format Format, r io.Reader, w io.Writer, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Channel{
		enc:     NewEncoder(format, w),
		dec:     NewDecoder(format, r),
		logger:  logger.Named("ipc"),
		pending: make(map[string]chan reply),
		done:    make(chan struct{}),
	}
	for _, side := range []any{w, r} {
		if closer, ok := side.(io.Closer); ok {
			c.closers = append(c.closers, closer)
		}
	}
	return c
}

// Send writes msg, stamping the schema version.
func (c *Channel) Send(msg *Message) error {
	msg.V = SchemaVersion

	c.mu.Lock()
	closed, closeErr := c.closed, c.closeErr
	c.mu.Unlock()
	if closed {
		return closeErr
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.enc.Encode(msg); err != nil {
		return fmt.Errorf("writing %s message: %w", msg.Kind, err)
	}
	return nil
}

// Request sends a request and waits for its response. A response carrying
// an error is returned as a *RemoteError.
func (c *Channel) Request(ctx context.Context, msg *Message) (*Message, error) {
	if !msg.Kind.IsRequest() {
		return nil, fmt.Errorf("%s is not a request kind", msg.Kind)
	}
	msg.ID = uuid.NewString()
	ch := make(chan reply, 1)

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[msg.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	if err := c.Send(msg); err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.msg.Error != nil {
			return nil, r.msg.Error.remote()
		}
		return r.msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reply answers req with result, or with err when it is non-nil.
func (c *Channel) Reply(req *Message, result any, err error) error {
	resp := &Message{Kind: req.Kind.Response(), ID: req.ID}
	if err != nil {
		resp.Error = NewErrorInfo(err)
	} else {
		resp.Result = result
	}
	return c.Send(resp)
}

// Serve reads messages until the stream ends or ctx is cancelled. Responses
// resolve pending requests; requests are handled on their own goroutine;
// notifications are handled in order on the reading goroutine. When Serve
// returns the channel is closed.
func (c *Channel) Serve(ctx context.Context, handle Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			_ = c.CloseWithError(fmt.Errorf("%w: %w", kephasgate.ErrChannelClosed, context.Cause(ctx)))
		case <-c.done:
		}
	}()

	for {
		var msg Message
		if err := c.dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || c.isClosed() {
				_ = c.Close()
				return nil
			}
			err = fmt.Errorf("reading ipc stream: %w", err)
			_ = c.CloseWithError(fmt.Errorf("%w: %w", kephasgate.ErrChannelClosed, err))
			return err
		}

		if msg.V != SchemaVersion {
			c.logger.Warn("rejecting message with unsupported schema version",
				zap.Int("version", msg.V),
				zap.String("kind", string(msg.Kind)))
			if msg.Kind.IsRequest() {
				_ = c.Reply(&msg, nil, fmt.Errorf("unsupported ipc schema version %d", msg.V))
			}
			continue
		}

		switch {
		case msg.Kind.IsResponse():
			c.resolve(&msg)
		case msg.Kind.IsRequest():
			go handle(ctx, &msg)
		default:
			handle(ctx, &msg)
		}
	}
}

func (c *Channel) resolve(msg *Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping response for unknown request", zap.String("id", msg.ID), zap.String("kind", string(msg.Kind)))
		return
	}
	ch <- reply{msg: msg}
}

// Close closes the channel and rejects every pending request with
// kephasgate.ErrChannelClosed.
func (c *Channel) Close() error {
	return c.CloseWithError(kephasgate.ErrChannelClosed)
}

// CloseWithError closes the channel and rejects every pending request with
// err. Only the first close has an effect.
func (c *Channel) CloseWithError(err error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[string]chan reply)
	close(c.done)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: err}
	}
	var closeErr error
	for _, closer := range c.closers {
		if cerr := closer.Close(); cerr != nil && closeErr == nil {
			closeErr = cerr
		}
	}
	return closeErr
}

// Done is closed when the channel closes.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns the error the channel was closed with.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
