package http1

import (
	"net"
	"time"

	"github.com/indigo-web/relay/http"
	"github.com/indigo-web/relay/http/status"
	"github.com/indigo-web/relay/internal/response"
	"github.com/indigo-web/relay/kv"
	"github.com/pkg/errors"
)

// upgrade handles responses which ask for switching the protocol. True is returned if the
// 101 response was written and the connection now belongs to the directive's handler.
// Otherwise, the returned response must be written as usual.
func (c *Conn) upgrade(s *slot, resp *http.Response) (*http.Response, bool, error) {
	fields := resp.Reveal()
	switching := fields.Code == status.SwitchingProtocols || fields.Upgrade != nil

	if !s.request.WantsUpgrade() {
		if switching {
			c.report(errors.Wrap(status.ErrBadUpgrade, "no upgrade was requested"))
			return http.Error(status.ErrBadUpgrade), false, nil
		}

		return resp, false, nil
	}

	select {
	case <-s.parked:
	case <-c.readerDone:
		// the request wasn't received completely, so there's nothing to switch
		if switching {
			return http.Error(status.ErrBadUpgrade), false, nil
		}

		return resp, false, nil
	case <-c.ctx.Done():
		return nil, false, c.ctx.Err()
	}

	if !switching {
		s.decision <- false
		return resp, false, nil
	}

	if err := validUpgrade(fields); err != nil {
		c.report(err)
		s.decision <- false
		return http.Error(status.ErrBadUpgrade), false, nil
	}

	if err := c.serializer.Upgrade(s.request, fields); err != nil {
		return nil, false, err
	}

	s.upgrade = fields.Upgrade
	s.decision <- true

	return nil, true, nil
}

func validUpgrade(fields *response.Fields) error {
	switch {
	case fields.Code != status.SwitchingProtocols:
		return errors.Wrapf(status.ErrBadUpgrade, "upgrade directive with %d status code", fields.Code)
	case fields.Upgrade == nil:
		return errors.Wrap(status.ErrBadUpgrade, "101 response without an upgrade directive")
	case fields.Upgrade.Handler == nil:
		return errors.Wrap(status.ErrBadUpgrade, "upgrade directive without handler")
	case len(fields.Upgrade.Protocol) == 0 || !kv.ValidField(fields.Upgrade.Protocol):
		return errors.Wrap(status.ErrBadUpgrade, "bad upgrade protocol token")
	}

	for _, header := range fields.Upgrade.Headers {
		if len(header.Key) == 0 || !kv.ValidField(header.Key) || !kv.ValidField(header.Value) {
			return errors.Wrap(status.ErrBadUpgrade, "bad upgrade header field")
		}
	}

	return nil
}

// handoff passes the connection to the upgrade handler and blocks until it's done.
func (c *Conn) handoff(s *slot) {
	conn := c.client.Conn()
	_ = conn.SetDeadline(time.Time{})

	c.logger.Debug().Str("protocol", s.upgrade.Protocol).Msg("connection upgraded")

	defer func() {
		if r := recover(); r != nil {
			c.report(errors.Errorf("upgrade handler panicked: %v", r))
		}
	}()

	s.upgrade.Handler(newReplayConn(conn, s.side))
}

// replayConn returns the bytes which were already received by the time the connection was
// upgraded, and reads the connection afterward.
type replayConn struct {
	net.Conn
	side []byte
}

func newReplayConn(conn net.Conn, side []byte) *replayConn {
	return &replayConn{
		Conn: conn,
		side: side,
	}
}

func (r *replayConn) Read(b []byte) (int, error) {
	if len(r.side) > 0 {
		n := copy(b, r.side)
		r.side = r.side[n:]
		return n, nil
	}

	return r.Conn.Read(b)
}
