package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/kvserve/kvserve/internal/command"
	"github.com/kvserve/kvserve/internal/metrics"
	"github.com/kvserve/kvserve/internal/resp"
	"github.com/kvserve/kvserve/internal/store"
)

// readBufSize is the initial per-connection read buffer; it grows as
// needed for larger frames.
const readBufSize = 4096

// conn is one client connection task. It owns the read buffer and the
// pending write buffer and moves through the states
// Idle -> ParsingOrDispatching -> Idle, with Subscribed as a terminal
// state: once entered, exit implies socket close.
type conn struct {
	sock   net.Conn
	store  *store.Store
	codec  resp.Codec
	rbuf   []byte
	wbuf   []byte
	logger *slog.Logger
}

func (c *conn) serve(ctxDone <-chan struct{}) {
	for {
		select {
		case <-ctxDone:
			return
		default:
		}
		f, err := c.readFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			if errors.Is(err, resp.ErrProtocol) {
				// The stream is no longer synchronized; no reply is owed.
				c.logger.Warn("protocol_error", "error", err)
				return
			}
			wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
			metrics.IncError(mapErrToMetric(wrap))
			c.logger.Error("conn_read_error", "error", wrap)
			return
		}
		cmd, err := command.Parse(f)
		if err != nil {
			// Well-framed but invalid; reply and keep the connection.
			if werr := c.writeFrame(resp.Error("ERR " + err.Error())); werr != nil {
				return
			}
			continue
		}
		metrics.IncCommand(cmd.Name())
		switch cmd := cmd.(type) {
		case command.Ping:
			err = c.writeFrame(resp.Simple("PONG"))
		case command.Set:
			c.store.Set(cmd.Key, cmd.Value, cmd.TTL)
			err = c.writeFrame(resp.Simple("OK"))
		case command.Get:
			if v, ok := c.store.Get(cmd.Key); ok {
				err = c.writeFrame(resp.Bulk(v))
			} else {
				err = c.writeFrame(resp.Null())
			}
		case command.Del:
			if c.store.Del(cmd.Key) {
				err = c.writeFrame(resp.Integer(1))
			} else {
				err = c.writeFrame(resp.Integer(0))
			}
		case command.Publish:
			n := c.store.Publish(cmd.Channel, cmd.Message)
			err = c.writeFrame(resp.Integer(int64(n)))
		case command.Save:
			if serr := c.store.Save(); serr != nil {
				metrics.IncError(metrics.ErrSnapshot)
				c.logger.Error("save_failed", "error", serr)
				err = c.writeFrame(resp.Error("ERR save failed: " + serr.Error()))
			} else {
				err = c.writeFrame(resp.Simple("OK"))
			}
		case command.Subscribe:
			c.subscribed(ctxDone, cmd.Channel)
			return
		}
		if err != nil {
			wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
			metrics.IncError(mapErrToMetric(wrap))
			c.logger.Error("conn_write_error", "error", wrap)
			return
		}
	}
}

// subscribed delivers broadcast messages until the subscription breaks or
// the client does anything at all, including hanging up.
func (c *conn) subscribed(ctxDone <-chan struct{}, channel string) {
	// Register before confirming so a publisher acting on the
	// confirmation is guaranteed to reach this receiver.
	rcv := c.store.Subscribe(channel)
	defer rcv.Cancel()
	confirm := resp.Array(resp.BulkString("subscribe"), resp.BulkString(channel), resp.Integer(1))
	if err := c.writeFrame(confirm); err != nil {
		return
	}
	c.logger.Info("subscribed", "channel", channel)

	// Any inbound bytes (or EOF) end the session; further commands are
	// not supported in subscribed mode.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		one := make([]byte, 1)
		_, _ = c.sock.Read(one)
	}()

	for {
		select {
		case msg := <-rcv.Out:
			frame := resp.Array(resp.BulkString("message"), resp.BulkString(channel), resp.Bulk(msg))
			if err := c.writeFrame(frame); err != nil {
				return
			}
		case <-rcv.Closed:
			c.logger.Warn("subscription_broken", "channel", channel, "reason", rcv.Err())
			return
		case <-readDone:
			return
		case <-ctxDone:
			return
		}
	}
}

// readFrame suspends until one full frame is buffered. Frames may alias
// the read buffer; they are only valid until the next call.
func (c *conn) readFrame() (resp.Frame, error) {
	for {
		if len(c.rbuf) > 0 {
			f, consumed, err := c.codec.Parse(c.rbuf)
			switch {
			case err == nil:
				// Advance past the consumed prefix without moving bytes:
				// the returned frame may still reference them.
				c.rbuf = c.rbuf[consumed:]
				return f, nil
			case !errors.Is(err, resp.ErrIncomplete):
				return resp.Frame{}, err
			}
		}
		if cap(c.rbuf)-len(c.rbuf) == 0 {
			grown := make([]byte, len(c.rbuf), max(cap(c.rbuf)*2, readBufSize))
			copy(grown, c.rbuf)
			c.rbuf = grown
		}
		n, err := c.sock.Read(c.rbuf[len(c.rbuf):cap(c.rbuf)])
		c.rbuf = c.rbuf[:len(c.rbuf)+n]
		if n == 0 && err != nil {
			if errors.Is(err, io.EOF) && len(c.rbuf) > 0 {
				// Peer closed mid-frame.
				return resp.Frame{}, io.ErrUnexpectedEOF
			}
			return resp.Frame{}, err
		}
	}
}

// writeFrame serializes f into the pending write buffer and flushes it.
func (c *conn) writeFrame(f resp.Frame) error {
	c.wbuf = resp.Append(c.wbuf[:0], f)
	if _, err := c.sock.Write(c.wbuf); err != nil {
		return err
	}
	return nil
}
