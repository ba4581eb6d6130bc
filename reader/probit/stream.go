package probit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"booksync/internal/channel/book"
	"booksync/internal/metrics"
	"booksync/logger"
)

// State is the lifecycle position of a stream connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Receiving
	Stalled
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Receiving:
		return "receiving"
	case Stalled:
		return "stalled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Conn is the part of *websocket.Conn the stream uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens stream connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// Backoff yields reconnect delays. *backoff.Backoff from
// github.com/jpillora/backoff satisfies it.
type Backoff interface {
	Duration() time.Duration
	Reset()
}

type websocketDialer struct {
	dialer *websocket.Dialer
}

func (w websocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := w.dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// stream keeps one subscription alive: dial, subscribe, read with a
// liveness timeout, probe with a ping when quiet, reconnect after backoff.
type stream struct {
	name           string
	url            string
	header         http.Header
	filter         string
	messageTimeout time.Duration
	pingTimeout    time.Duration

	pairs   func(ctx context.Context) PairsResult
	decoder frameDecoder
	dialer  Dialer
	backoff Backoff
	sleep   Sleeper
	clock   clock.Clock
	onState func(channel string, s State)
	log     *logger.Entry
}

func (s *stream) setState(st State) {
	metrics.SetStreamState(s.name, int(st))
	if s.onState != nil {
		s.onState(s.name, st)
	}
	s.log.WithField("state", st.String()).Debug("stream state changed")
}

// run reconnects until ctx is done and then returns ctx.Err().
func (s *stream) run(ctx context.Context, out book.Sink) error {
	s.log.Info("starting stream")
	for {
		err := s.session(ctx, out)
		s.setState(Disconnected)
		if cancelled(ctx) {
			s.log.Info("stream stopped")
			return ctx.Err()
		}

		var stall *StallError
		if errors.As(err, &stall) {
			metrics.Stall(s.name)
			s.log.WithError(err).Warn("stream stalled, reconnecting")
		} else {
			s.log.WithError(err).Warn("stream disconnected, reconnecting")
		}

		metrics.Reconnect(s.name)
		delay := s.backoff.Duration()
		s.log.WithField("delay", delay.String()).Debug("waiting before reconnect")
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// session runs one connection and returns why it ended.
func (s *stream) session(ctx context.Context, out book.Sink) error {
	res := s.pairs(ctx)
	if res.Err != nil {
		return fmt.Errorf("resolve trading pairs: %w", res.Err)
	}

	s.setState(Connecting)
	conn, err := s.dialer.Dial(ctx, s.url, s.header)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, pair := range res.Pairs {
		if err := conn.WriteJSON(newSubscribeRequest(pair, s.filter)); err != nil {
			return fmt.Errorf("subscribe %s: %w", pair, err)
		}
	}
	s.setState(Connected)
	s.log.WithField("pairs", len(res.Pairs)).Info("stream subscribed")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pongs := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongs <- struct{}{}:
		default:
		}
		return nil
	})

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-sessionCtx.Done():
				return
			}
		}
	}()

	return s.receive(ctx, conn, frames, readErr, pongs, out)
}

func (s *stream) receive(ctx context.Context, conn Conn, frames <-chan []byte, readErr <-chan error, pongs <-chan struct{}, out book.Sink) error {
	state := Connected
	timer := s.clock.Timer(s.messageTimeout)
	defer timer.Stop()

	live := func() {
		if state != Receiving {
			state = Receiving
			s.setState(Receiving)
		}
		resetTimer(timer, s.messageTimeout)
	}

	received := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			return fmt.Errorf("read: %w", err)

		case data := <-frames:
			if !received {
				received = true
				s.backoff.Reset()
			}
			live()
			s.handleFrame(data, out)

		case <-pongs:
			if state == Stalled {
				s.log.Debug("pong received, stream alive")
				live()
			}

		case <-timer.C:
			if state == Stalled {
				return &StallError{Timeout: s.pingTimeout, Probed: true}
			}
			state = Stalled
			s.setState(Stalled)
			deadline := s.clock.Now().Add(s.pingTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return fmt.Errorf("%w: ping: %v", &StallError{Timeout: s.messageTimeout}, err)
			}
			resetTimer(timer, s.pingTimeout)
		}
	}
}

func (s *stream) handleFrame(data []byte, out book.Sink) {
	logger.IncrementStreamRead(s.name, len(data))
	metrics.StreamFrame(s.name)

	msgs, err := s.decoder.Decode(data, s.clock.Now())
	if err != nil {
		metrics.DecodeError(s.name)
		s.log.WithError(err).WithField("frame_bytes", len(data)).Warn("failed to decode stream frame")
		return
	}
	for _, m := range msgs {
		out.Push(m)
	}
}

func resetTimer(t *clock.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
