package wsserver

import (
	"bufio"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// readPump reads frames from one client connection: panic-recovered,
// deadline-bumped on every successful read, dispatching text frames as JSON
// ops and binary frames as wire frames.
func (s *Server) readPump(c *ConnectedClient) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("client", c.name).Msg("readPump panic recovered")
		}
		s.removeClient(c, "read_error")
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		s.metrics.messagesReceived.Inc()
		s.metrics.bytesReceived.Add(float64(len(msg)))

		switch op {
		case ws.OpText:
			s.handleClientText(c, msg)
		case ws.OpBinary:
			s.handleClientBinary(c, msg)
		case ws.OpClose:
			return
		}
	}
}

// writePump batches queued frames and writes them to the connection,
// draining what's buffered before each flush to cut syscalls under load.
func (s *Server) writePump(c *ConnectedClient) {
	writer := bufio.NewWriter(c.conn)
	pingTicker := time.NewTicker(pingPeriod)
	drainTicker := time.NewTicker(5 * time.Millisecond)
	defer func() {
		pingTicker.Stop()
		drainTicker.Stop()
		c.close()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.control.ch:
			if !ok {
				return
			}
			if !s.writeFrame(writer, c, ws.OpText, frame) {
				return
			}
			n := len(c.control.ch)
			batchMsgs, batchBytes := 1, len(frame)
			for i := 0; i < n; i++ {
				f := <-c.control.ch
				if !s.writeFrame(writer, c, ws.OpText, f) {
					return
				}
				batchMsgs++
				batchBytes += len(f)
			}
			if err := writer.Flush(); err != nil {
				return
			}
			s.metrics.messagesSent.Add(float64(batchMsgs))
			s.metrics.bytesSent.Add(float64(batchBytes))

		case <-drainTicker.C:
			if frames := c.data.drain(); len(frames) > 0 {
				for _, f := range frames {
					if !s.writeFrame(writer, c, ws.OpBinary, f) {
						return
					}
				}
				if err := writer.Flush(); err != nil {
					return
				}
				s.metrics.messagesSent.Add(float64(len(frames)))
			}

		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}

		switch c.getState() {
		case clientClosed:
			return
		case clientDraining:
			// Graceful shutdown: emit a close frame, then tear down. The
			// deferred conn.Close unblocks readPump.
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "server shutting down")
			_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, body)
			return
		}
	}
}

func (s *Server) writeFrame(w *bufio.Writer, c *ConnectedClient, op ws.OpCode, frame []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := wsutil.WriteServerMessage(w, op, frame); err != nil {
		return false
	}
	return true
}
