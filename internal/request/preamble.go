package request

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/auralabs/streamcast/internal/conn"
	"github.com/auralabs/streamcast/internal/metrics"
)

// policyProbe is the flash policy request tag, 22 bytes; peers send it with a
// trailing NUL (23 bytes in all) and without any header terminator.
var policyProbe = []byte("<policy-file-request/>")

var headerTerminators = [][]byte{
	[]byte("\r\n\r\n"),
	[]byte("\n\n"),
	[]byte("\r\r\n\r\r\n"),
}

// findTerminator returns the offset just past the first header terminator, or
// -1. The variants are tried in order.
func findTerminator(b []byte) int {
	for _, sep := range headerTerminators {
		if i := bytes.Index(b, sep); i >= 0 {
			return i + len(sep)
		}
	}
	return -1
}

// processHTTPRequest accumulates the request preamble one budgeted read at a
// time, then parses and dispatches it. Re-entered by the worker until it
// returns a terminal result or hands the client off.
func (c *Client) processHTTPRequest() error {
	if !c.cfg.Running() || c.Conn.Error() {
		metrics.PreambleOutcomes.WithLabelValues("aborted").Inc()
		return errors.New("request aborted")
	}
	now := c.clock.Now()
	if !c.Conn.Discon.IsZero() && !now.Before(c.Conn.Discon) {
		metrics.PreambleOutcomes.WithLabelValues("timeout").Inc()
		return fmt.Errorf("header timeout from %s", c.Conn.IP())
	}
	if c.buf == nil {
		c.buf = make([]byte, 0, bufSize)
	}
	remaining := bufSize - 1 - len(c.buf)
	if remaining <= 0 {
		metrics.PreambleOutcomes.WithLabelValues("overflow").Inc()
		return fmt.Errorf("request from %s exceeds buffer", c.Conn.IP())
	}

	n, err := c.Conn.Read(c.buf[len(c.buf) : len(c.buf)+remaining])
	if errors.Is(err, conn.ErrWouldBlock) {
		// Very short retry initially, scaling up while the peer stays quiet.
		diff := now.Sub(c.counter) / 2
		if diff > 200*time.Millisecond {
			diff = 200 * time.Millisecond
		}
		c.scheduleAt = now.Add(6*time.Millisecond + diff)
		return nil
	}
	if err != nil || n == 0 {
		metrics.PreambleOutcomes.WithLabelValues("read_error").Inc()
		return fmt.Errorf("read preamble from %s: %w", c.Conn.IP(), err)
	}
	c.buf = c.buf[:len(c.buf)+n]

	if len(c.buf) >= len(policyProbe) && bytes.Equal(c.buf[:len(policyProbe)], policyProbe) {
		if len(c.buf) == len(policyProbe) || c.buf[len(policyProbe)] == 0 {
			metrics.PreambleOutcomes.WithLabelValues("policy").Inc()
			c.RespCode = 200
			c.buf = nil
			if c.cfg.Hooks.ServeFile == nil {
				return c.sendError(404, "File Not Found", "flash policy not configured")
			}
			if err := c.cfg.Hooks.ServeFile(c, "/flashpolicy"); err != nil {
				return err
			}
			return ErrHandoff
		}
	}

	end := findTerminator(c.buf)
	if end < 0 {
		c.scheduleIn(100 * time.Millisecond)
		return nil
	}

	c.bodyOffset = end
	c.Conn.Discon = time.Time{}
	req, err := parseRequest(c.buf[:end])
	if err != nil {
		metrics.PreambleOutcomes.WithLabelValues("parse_error").Inc()
		return fmt.Errorf("invalid request from %s: %w", c.Conn.IP(), err)
	}
	c.Req = req
	metrics.PreambleOutcomes.WithLabelValues("parsed").Inc()
	return c.dispatch()
}
