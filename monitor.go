package pcp

import (
	"context"
	"log/slog"
	"time"

	"github.com/puppetlabs/pcp-client-go/errs"
)

// validateMonitorInterval enforces checkInterval > WSPongTimeout, the same
// guard ConnectorBase::startMonitoring applies before spawning the Monitor
// Task (spec.md §4.6 "check_interval must exceed the pong timeout"). Both
// sides are already normalized time.Duration values, so no seconds/millis
// scaling is needed here.
func (c *Connector) validateMonitorInterval(checkInterval time.Duration) error {
	if checkInterval <= c.identity.Timeouts.WSPongTimeout {
		return errs.New(errs.ConnectionConfig, "check_interval is too small relative to the WebSocket pong timeout")
	}
	return nil
}

// StartMonitoring spawns the Monitor Task in the background. It no-ops if
// already running (spec.md §4.6 "start_monitoring").
func (c *Connector) StartMonitoring(maxAttempts int, checkInterval time.Duration) error {
	if err := c.validateMonitorInterval(checkInterval); err != nil {
		return err
	}

	c.monitorMu.Lock()
	if c.monitoring {
		c.monitorMu.Unlock()
		return nil
	}
	c.monitoring = true
	c.mustStop = make(chan struct{})
	c.monitorDone = make(chan struct{})
	c.monitorWake = make(chan struct{}, 1)
	mustStop := c.mustStop
	done := c.monitorDone
	c.monitorErr = nil
	c.monitorMu.Unlock()

	go func() {
		defer close(done)
		err := c.runMonitorLoop(maxAttempts, checkInterval, mustStop)
		if err != nil {
			c.monitorMu.Lock()
			c.monitorErr = err
			c.monitorMu.Unlock()
		}
	}()
	return nil
}

// StopMonitoring signals the Monitor Task to exit and waits for it, then
// re-raises any stored failure (spec.md §4.6 "stop_monitoring").
func (c *Connector) StopMonitoring() error {
	c.monitorMu.Lock()
	if !c.monitoring {
		c.monitorMu.Unlock()
		return nil
	}
	mustStop := c.mustStop
	done := c.monitorDone
	c.monitorMu.Unlock()

	close(mustStop)
	<-done

	c.monitorMu.Lock()
	err := c.monitorErr
	c.monitorErr = nil
	c.monitoring = false
	c.monitorMu.Unlock()
	return err
}

// MonitorConnection runs the Monitor Task loop on the calling goroutine,
// blocking until it stops on its own error-policy table or the context is
// canceled (spec.md §4.6 "monitor_connection", the blocking variant).
func (c *Connector) MonitorConnection(ctx context.Context, maxAttempts int, checkInterval time.Duration) error {
	if err := c.validateMonitorInterval(checkInterval); err != nil {
		return err
	}
	c.monitorMu.Lock()
	if c.monitorWake == nil {
		c.monitorWake = make(chan struct{}, 1)
	}
	c.monitorMu.Unlock()
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()
	return c.runMonitorLoop(maxAttempts, checkInterval, stop)
}

// runMonitorLoop implements ConnectorBase's Monitor Task: on each tick (or
// early wake), reconnect if not connected, otherwise ping; apply the fixed
// error-policy table to whatever Connect/Ping returns (spec.md §4.6).
func (c *Connector) runMonitorLoop(maxAttempts int, checkInterval time.Duration, mustStop chan struct{}) error {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mustStop:
			return nil
		case <-ticker.C:
		case <-c.monitorWakeChan():
		}

		select {
		case <-mustStop:
			return nil
		default:
		}

		if !c.IsConnected() {
			time.Sleep(200 * time.Millisecond)
			select {
			case <-mustStop:
				return nil
			default:
			}
			err := c.Connect(context.Background(), maxAttempts)
			if err := c.applyMonitorPolicy(err); err != nil {
				return err
			}
			continue
		}

		err := c.pingConnection()
		if err := c.applyMonitorPolicy(err); err != nil {
			return err
		}
	}
}

func (c *Connector) pingConnection() error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return errs.New(errs.ConnectionNotInit, "connection not initialized")
	}
	return conn.Ping()
}

func (c *Connector) monitorWakeChan() chan struct{} {
	c.monitorMu.Lock()
	defer c.monitorMu.Unlock()
	return c.monitorWake
}

// applyMonitorPolicy implements ConnectorBase::monitorTask's fixed error
// table: ConnectionConfig, ConnectionProcessing, and AssociationError are
// logged and absorbed; AssociationResponseFailure, ConnectionFatal, and
// anything else stop the task and is returned to the caller (spec.md §4.6
// error-policy table).
func (c *Connector) applyMonitorPolicy(err error) error {
	if err == nil {
		return nil
	}

	kind, ok := errs.KindOf(err)
	if !ok {
		slog.Error("Monitor Task failure", "error", err)
		return err
	}

	switch kind {
	case errs.ConnectionConfig, errs.ConnectionProcessing, errs.AssociationError:
		slog.Warn("Monitor Task: transient failure, continuing", "kind", kind, "error", err)
		return nil
	case errs.AssociationResponseFailure, errs.ConnectionFatal:
		slog.Error("Monitor Task: stopping", "kind", kind, "error", err)
		return err
	default:
		slog.Error("Monitor Task: stopping on unexpected failure", "kind", kind, "error", err)
		return err
	}
}
