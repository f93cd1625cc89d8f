package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

type stopFn struct {
	name string
	fn   func(context.Context) error
}

// waitForDrain holds the process while the load balancer notices the failed
// readiness probe. A second signal on force cuts the wait short.
func waitForDrain(d time.Duration, force <-chan os.Signal, L log.Logger) {
	ctx := context.Background()
	L.Info(ctx, "sleeping for drain period", "drain_seconds", int(d.Seconds()))

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		L.Info(ctx, "drain period complete")
	case <-force:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}

// shutdownAll stops components in order. Each gets an equal slice of budget
// and a failure is logged without stopping the rest.
func shutdownAll(budget time.Duration, stops []stopFn, L log.Logger) {
	if len(stops) == 0 {
		return
	}
	per := budget / time.Duration(len(stops))
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stops {
		sctx, scancel := context.WithTimeout(ctx, per)
		if err := s.fn(sctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		scancel()
	}
}

var errNoNotifySocket = errors.New("NOTIFY_SOCKET not set, skipping systemd notify")

// notifySystemd sends READY=1 when running as a Type=notify unit.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return errNoNotifySocket
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: addr, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("systemd notify: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify: write failed: %w", err)
	}
	return nil
}
