package vhostuser

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Control runs the server built by Main.
type Control struct {
	l          *logrus.Logger
	server     *Server
	ctx        context.Context
	cancel     context.CancelFunc
	statsStart func()

	g    *errgroup.Group
	done context.Context
}

// Start begins serving, this is a nonblocking call. To block use Control.ShutdownBlock()
func (c *Control) Start() {
	if c.statsStart != nil {
		go c.statsStart()
	}

	var ctx context.Context
	c.g, ctx = errgroup.WithContext(c.ctx)
	c.done = ctx

	c.g.Go(func() error {
		return c.server.Serve(ctx)
	})
	c.g.Go(func() error {
		<-ctx.Done()
		return c.server.Close()
	})
}

// Stop shuts the server down, returns after the shutdown is complete
func (c *Control) Stop() {
	c.cancel()
	if c.g != nil {
		if err := c.g.Wait(); err != nil {
			c.l.WithError(err).Error("Server failed")
		}
	}
	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled.
// It also returns once the server stopped on its own.
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)
	defer signal.Stop(sigChan)

	var done <-chan struct{}
	if c.done != nil {
		done = c.done.Done()
	}

	select {
	case rawSig := <-sigChan:
		sig := rawSig.String()
		c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	case <-done:
		c.l.Info("Server stopped, shutting down")
	}
	c.Stop()
}

// SocketPath returns the path front-ends connect to.
func (c *Control) SocketPath() string {
	return c.server.Addr()
}
