package mobility

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/signalsfoundry/lvapctl/internal/logging"
	"github.com/signalsfoundry/lvapctl/timectrl"
)

// DoneLine is written once an event has been handled.
const DoneLine = "DONE"

// Handler processes one relocation message.
type Handler interface {
	HandleEvent(ctx context.Context, msg string, received time.Time) (Result, error)
}

// Listener accepts one relocation message per TCP connection. It
// answers with the receive time (RFC 3339) at once and with DoneLine
// after the handler returns. Messages that are not JSON-shaped get no
// DoneLine.
type Listener struct {
	handler     Handler
	clock       timectrl.Clock
	log         logging.Logger
	readTimeout time.Duration

	wg sync.WaitGroup
}

// NewListener wraps handler. A zero readTimeout disables the deadline.
func NewListener(handler Handler, clock timectrl.Clock, readTimeout time.Duration, log logging.Logger) *Listener {
	if clock == nil {
		clock = timectrl.WallClock{}
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Listener{handler: handler, clock: clock, log: log, readTimeout: readTimeout}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (l *Listener) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("relocation listener: %w", err)
	}
	return l.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes ln and
// waits for in-flight connections.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	l.log.Info(ctx, "relocation listener started", logging.String("addr", ln.Addr().String()))

	doneCh := make(chan struct{})
	defer close(doneCh)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-doneCh:
		}
	}()
	defer l.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.log.Warn(ctx, "accept failed", logging.Err(err))
			continue
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serveConn(ctx, conn)
		}()
	}
}

func (l *Listener) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	remote := conn.RemoteAddr().String()

	if l.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(l.readTimeout))
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		l.log.Debug(ctx, "relocation connection closed before a message", logging.String("remote", remote), logging.Err(err))
		return
	}
	received := l.clock.Now()

	if _, err := fmt.Fprintln(conn, received.UTC().Format(time.RFC3339Nano)); err != nil {
		l.log.Warn(ctx, "ack write failed", logging.String("remote", remote), logging.Err(err))
		return
	}

	res, err := l.handler.HandleEvent(ctx, strings.TrimRight(line, "\r\n"), received)
	switch {
	case errors.Is(err, ErrNotJSON):
		return
	case err != nil && ctx.Err() != nil:
		return
	case err != nil:
		l.log.Warn(ctx, "relocation event failed",
			logging.String("remote", remote), logging.String("event_id", res.EventID), logging.Err(err))
	}

	if _, err := fmt.Fprintln(conn, DoneLine); err != nil {
		l.log.Warn(ctx, "done write failed", logging.String("remote", remote), logging.Err(err))
	}
}
