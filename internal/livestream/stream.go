// Package livestream pumps filtered task patches to one duplex client
// connection.
package livestream

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/throw-if-null/catalyst/internal/patch"
)

// Conn is the duplex connection of one client.
type Conn interface {
	// ReadFrame blocks for the next inbound frame. Its payload is ignored;
	// an error means the peer went away.
	ReadFrame() ([]byte, error)
	WritePatch(p patch.Patch) error
	Close() error
}

var (
	errPeerClosed = errors.New("peer closed connection")
	errFeedClosed = errors.New("feed closed")
)

// Stream serves one subscriber.
type Stream struct {
	filter *Filter
	log    *zap.Logger
}

func NewStream(filter *Filter, log *zap.Logger) *Stream {
	if log == nil {
		log = zap.NewNop()
	}
	return &Stream{filter: filter, log: log}
}

// Serve writes initial (if any) and then every patch from feed to conn,
// each filtered, until the peer disconnects, the feed closes, ctx ends or a
// write fails. conn is closed on return. A peer disconnect is not an error.
func (s *Stream) Serve(ctx context.Context, conn Conn, initial patch.Patch, feed <-chan patch.Patch) error {
	g, gctx := errgroup.WithContext(ctx)
	// closing the connection is what unblocks the reader
	stop := context.AfterFunc(gctx, func() { _ = conn.Close() })
	defer stop()

	g.Go(func() error {
		for {
			if _, err := conn.ReadFrame(); err != nil {
				return errPeerClosed
			}
		}
	})

	g.Go(func() error {
		if len(initial) > 0 {
			if err := s.send(gctx, conn, initial); err != nil {
				return err
			}
		}
		for {
			select {
			case <-gctx.Done():
				return nil
			case p, ok := <-feed:
				if !ok {
					s.log.Debug("live feed closed")
					return errFeedClosed
				}
				if err := s.send(gctx, conn, p); err != nil {
					return err
				}
			}
		}
	})

	err := g.Wait()
	_ = conn.Close()
	if errors.Is(err, errPeerClosed) || errors.Is(err, errFeedClosed) {
		return nil
	}
	return err
}

func (s *Stream) send(ctx context.Context, conn Conn, p patch.Patch) error {
	filtered, err := s.filter.Apply(ctx, p)
	if err != nil {
		return err
	}
	if len(filtered) == 0 {
		return nil
	}
	return conn.WritePatch(filtered)
}
