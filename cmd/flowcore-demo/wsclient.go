package main

import (
	"context"
	"fmt"
	"net/url"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/sebas/flowcore/internal/flowcore/flowmanager"
	"github.com/sebas/flowcore/internal/flowcore/logging"
)

// eventSocket reads the backend's signalling event stream (call.flow-add,
// call.remote-sdp, and friends) off a websocket and hands each frame to the
// flow manager's event loop. The backend in production multiplexes this
// over a notification websocket alongside unrelated conversation events;
// here every text frame is assumed to be a signalling event.
type eventSocket struct {
	url   string
	token string
	fm    *flowmanager.FlowManager
}

func (s *eventSocket) run(ctx context.Context) error {
	log := logging.For("wsclient")

	dialURL := s.url
	if s.token != "" {
		u, err := url.Parse(s.url)
		if err != nil {
			return fmt.Errorf("parse ws url: %w", err)
		}
		q := u.Query()
		q.Set("access_token", s.token)
		u.RawQuery = q.Encode()
		dialURL = u.String()
	}

	conn, _, _, err := ws.Dial(ctx, dialURL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	log.Info("websocket connected", "url", s.url)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		msg, err := wsutil.ReadServerText(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		if err := s.fm.MarshalProcessEvent(msg); err != nil {
			log.Warn("dropping unprocessable event", "error", err)
		}
	}
}
