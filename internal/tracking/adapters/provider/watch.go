package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"geotrackd/internal/common/log"
	"geotrackd/internal/tracking/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const watchCloseWindow = 2 * time.Second

// Watch opens the daemon's continuous watch stream. Samples arrive on a
// dedicated goroutine in the order the daemon emits them; releasing the
// subscription closes the socket. The stream is not retried on failure.
func (c *Client) Watch(ctx context.Context, cfg domain.WatchConfig, deliver func(domain.PositionSample)) (domain.Subscription, error) {
	q := url.Values{}
	q.Set("accuracy", string(cfg.Accuracy))
	q.Set("interval_ms", strconv.FormatInt(cfg.MinInterval.Milliseconds(), 10))
	q.Set("displacement_m", strconv.FormatFloat(cfg.MinDisplacement, 'f', -1, 64))

	header := http.Header{}
	c.setBearer(header)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL+"/v1/watch?"+q.Encode(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("open watch: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("open watch: %w", err)
	}

	sub := &watchSubscription{
		id:   uuid.NewString(),
		conn: conn,
		done: make(chan struct{}),
	}

	go c.readLoop(sub, deliver)

	return sub, nil
}

func (c *Client) readLoop(sub *watchSubscription, deliver func(domain.PositionSample)) {
	for {
		var w wireSample
		if err := sub.conn.ReadJSON(&w); err != nil {
			select {
			case <-sub.done:
				// released by the owner, expected
			default:
				log.Warn(context.Background(), c.logger, "watch_stream_ended", "Watch stream closed by the daemon", err)
			}
			return
		}
		deliver(w.sample())
	}
}

type watchSubscription struct {
	id   string
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (s *watchSubscription) ID() string { return s.id }

// Release closes the stream. It is safe to call more than once.
func (s *watchSubscription) Release() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		deadline := time.Now().Add(watchCloseWindow)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = s.conn.Close()
	})
	return err
}
