// Package daemon runs the weave-compute request-handling loops: the accept
// loop in server mode, the persistent request/response loop in worker mode,
// and the per-request handler shared by both.
package daemon

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/hurricanerix/weave-compute/internal/generate"
	"github.com/hurricanerix/weave-compute/internal/protocol"
	"github.com/hurricanerix/weave-compute/internal/socket"
)

// errConnectionLost classifies short reads and failed writes: the peer is
// gone, so no error frame is sent and the connection loop ends. Protocol
// errors never carry this classification, so a sloppy client cannot end a
// worker's lifetime by sending garbage.
var errConnectionLost = errors.New("daemon: connection lost")

// errorFrameBufSize covers header + error metadata + any message we send.
const errorFrameBufSize = 4096

// Daemon ties the pipeline to a socket endpoint. One Daemon serves either
// a listener or a single pre-connected socket, never both.
type Daemon struct {
	pipeline *generate.Pipeline
	timeouts socket.Timeouts
}

// New builds a daemon around an existing pipeline. timeouts applies to
// each connection's reads and writes; pass the zero value to leave
// connections without deadlines (worker mode).
func New(pipeline *generate.Pipeline, timeouts socket.Timeouts) (*Daemon, error) {
	if err := timeouts.Validate(); err != nil {
		return nil, err
	}
	return &Daemon{pipeline: pipeline, timeouts: timeouts}, nil
}

// ServeListener runs the server-mode accept loop: accept, authenticate,
// handle one request, close. Authentication failures close the connection
// silently; handler errors are logged and the loop moves on. The loop ends
// when the shutdown flag is observed (the signal watcher closes the
// listener to unblock a pending accept).
func (d *Daemon) ServeListener(ep *socket.Endpoint) error {
	logrus.Info("accept loop started")

	for !ShutdownRequested() {
		conn, err := ep.Accept()
		if err != nil {
			if ShutdownRequested() || errors.Is(err, net.ErrClosed) {
				break
			}
			return fmt.Errorf("accept: %w", err)
		}

		if err := socket.Authenticate(conn); err != nil {
			// Rejection details are logged at debug level inside
			// Authenticate; nothing is sent to the peer.
			conn.Close()
			continue
		}

		if err := d.handleRequest(conn); err != nil {
			logrus.WithError(err).Warn("connection handler")
		}
		conn.Close()
	}

	logrus.Info("accept loop stopped")
	return nil
}

// ServeConn runs the worker-mode loop on one persistent connection,
// handling requests until the peer disconnects or shutdown is requested.
func (d *Daemon) ServeConn(conn net.Conn) error {
	logrus.Info("entering request loop")

	for !ShutdownRequested() {
		if err := d.handleRequest(conn); err != nil {
			if errors.Is(err, errConnectionLost) {
				logrus.Info("connection closed")
			} else {
				logrus.WithError(err).Error("request handler")
			}
			break
		}
	}

	if ShutdownRequested() {
		logrus.Info("request loop stopped (shutdown requested)")
	}
	return nil
}

// handleRequest processes exactly one request: read, decode, generate,
// reply. A nil return means the connection is still usable; a return of
// errConnectionLost (or an encode failure) means the caller must drop it.
//
// The header is read into a small stack buffer and the payload length
// validated before any allocation, so a peer cannot force a large
// allocation with a bogus header.
func (d *Daemon) handleRequest(conn net.Conn) error {
	var header [protocol.HeaderSize]byte

	if err := d.timeouts.ApplyRead(conn); err != nil {
		return fmt.Errorf("arming read deadline: %w", err)
	}
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		// Short read or EOF: the peer is gone. No reply.
		return errConnectionLost
	}

	magic := binary.BigEndian.Uint32(header[0:4])
	if magic != protocol.Magic {
		logrus.WithField("magic", fmt.Sprintf("0x%08x", magic)).Warn("invalid magic number")
		d.sendError(conn, 0, protocol.ErrInvalidMagic, "invalid magic number")
		return nil
	}

	payloadLen := binary.BigEndian.Uint32(header[8:12])
	if payloadLen > protocol.MaxMessageSize-protocol.HeaderSize {
		logrus.WithField("payload_len", payloadLen).Warn("request payload too large")
		d.sendError(conn, 0, protocol.ErrInternal, "payload too large")
		return nil
	}

	buf := make([]byte, protocol.HeaderSize+int(payloadLen))
	copy(buf, header[:])
	if payloadLen > 0 {
		if _, err := io.ReadFull(conn, buf[protocol.HeaderSize:]); err != nil {
			return errConnectionLost
		}
	}

	var req protocol.GenerateRequest
	if code := protocol.DecodeGenerateRequest(buf, &req); code != protocol.ErrNone {
		logrus.WithField("code", code.String()).Warn("failed to decode request")
		d.sendError(conn, 0, code, "invalid request")
		return nil
	}

	resp, code := d.pipeline.Process(&req)
	if code != protocol.ErrNone {
		d.sendError(conn, req.RequestID, code, "generation failed")
		return nil
	}

	// The response usually outgrows the request buffer (it carries the
	// image); reuse it when it is already big enough.
	need := protocol.HeaderSize + 16 + 16 + len(resp.ImageData)
	if cap(buf) < need {
		buf = make([]byte, need)
	} else {
		buf = buf[:need]
	}

	n, code := protocol.EncodeGenerateResponse(resp, buf)
	if code != protocol.ErrNone {
		return fmt.Errorf("encoding response: %s", code)
	}

	if err := d.timeouts.ApplyWrite(conn); err != nil {
		return fmt.Errorf("arming write deadline: %w", err)
	}
	if _, err := conn.Write(buf[:n]); err != nil {
		return errConnectionLost
	}

	return nil
}

// sendError writes an error frame, best-effort: a failure here means the
// peer is unreachable and the connection is about to be dropped anyway.
func (d *Daemon) sendError(conn net.Conn, requestID uint64, code protocol.ErrorCode, msg string) {
	resp := protocol.ErrorResponse{
		RequestID: requestID,
		Status:    protocol.StatusForCode(code),
		Code:      code,
		Message:   msg,
	}

	var buf [errorFrameBufSize]byte
	n, encErr := protocol.EncodeErrorResponse(&resp, buf[:])
	if encErr != protocol.ErrNone {
		return
	}

	if err := d.timeouts.ApplyWrite(conn); err != nil {
		return
	}
	if _, err := conn.Write(buf[:n]); err != nil {
		logrus.WithError(err).Debug("error frame write failed")
	}
}
