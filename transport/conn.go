package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/gorilla/websocket"

	"jsbridge/protocol"
)

// Conn is a bidirectional frame connection between a page and its host.
// WriteFrame must not be called concurrently; ReadFrame is called from a single reader.
type Conn interface {
	WriteFrame(f *protocol.Frame) error
	ReadFrame() (*protocol.Frame, error)
	Close() error
}

// FrameError reports a frame that was received but could not be used. The
// connection itself is still healthy.
type FrameError struct {
	Err error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("invalid frame: %v", e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFrameError reports whether err only concerns a single frame.
func IsFrameError(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe)
}

// streamConn carries newline separated JSON frames over any byte stream
// (pipes, unix sockets, stdio of a child process).
type streamConn struct {
	rwc io.ReadWriteCloser
	enc *protocol.Encoder
	dec *protocol.Decoder
}

func NewStreamConn(rwc io.ReadWriteCloser) Conn {
	return &streamConn{
		rwc: rwc,
		enc: protocol.NewEncoder(rwc),
		dec: protocol.NewDecoder(rwc),
	}
}

func (c *streamConn) WriteFrame(f *protocol.Frame) error {
	return c.enc.Encode(f)
}

func (c *streamConn) ReadFrame() (*protocol.Frame, error) {
	f, err := c.dec.Decode()
	if err != nil && f != nil {
		// Decoded but failed validation; the stream is still in sync.
		return nil, &FrameError{Err: err}
	}
	return f, err
}

func (c *streamConn) Close() error {
	return c.rwc.Close()
}

// wsConn carries one frame per websocket text message.
type wsConn struct {
	conn *websocket.Conn
}

func NewWebSocketConn(conn *websocket.Conn) Conn {
	return &wsConn{conn: conn}
}

func (c *wsConn) WriteFrame(f *protocol.Frame) error {
	return c.conn.WriteJSON(f)
}

func (c *wsConn) ReadFrame() (*protocol.Frame, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var f protocol.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &FrameError{Err: err}
	}
	if err := f.Validate(); err != nil {
		return nil, &FrameError{Err: err}
	}
	return &f, nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
