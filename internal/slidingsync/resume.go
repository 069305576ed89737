package slidingsync

import (
	"context"
	"log/slog"
	"time"
)

// ResumeFromAppForeground nudges the transport after the app returns to
// the foreground and restarts it when no request finishes within the
// resume timeout. Concurrent calls share one in-flight sequence and all
// observe its outcome. restarted reports whether the sequence escalated
// to a restart.
func (c *Controller) ResumeFromAppForeground(ctx context.Context) (restarted bool, err error) {
	c.mu.RLock()
	disabled := c.disabled
	c.mu.RUnlock()

	if disabled {
		return false, nil
	}

	ch := c.resume.DoChan(resumeKey, func() (any, error) {
		return c.runResume(), nil
	})

	select {
	case res := <-ch:
		restarted, _ = res.Val.(bool)
		return restarted, res.Err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// runResume is the body of one resume sequence. It does not take the
// caller's context: a caller giving up must not abort the sequence other
// callers are waiting on. It first waits for the initialization barrier,
// which Dispose and Disable also release.
func (c *Controller) runResume() bool {
	c.mu.RLock()
	ready := c.ready
	c.mu.RUnlock()

	<-ready

	s := c.session()
	if s == nil {
		return false
	}

	lastProgress := s.watchdog.lastProgress()

	if c.waitForProgress(s, lastProgress, c.opts.ResumeTimeout, s.transport.Resend) {
		return false
	}

	if s.ctx.Err() != nil {
		return false
	}

	c.logger.Info("no progress after resume, restarting sliding sync")
	c.restartTransport(s, "resume")
	s.watchdog.markRestarted(time.Now())

	return true
}

// waitForProgress runs nudge, then waits up to timeout for a successful
// RequestFinished newer than after. It returns false on timeout or
// session teardown.
func (c *Controller) waitForProgress(s *session, after time.Time, timeout time.Duration, nudge func()) bool {
	progressed := make(chan struct{}, 1)

	sub := s.transport.SubscribeLifecycle(func(ev LifecycleEvent) {
		if ev.State != StateRequestFinished || ev.Err != nil || !ev.At.After(after) {
			return
		}

		select {
		case progressed <- struct{}{}:
		default:
		}
	})
	defer sub.Unsubscribe()

	nudge()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-progressed:
		return true
	case <-timer.C:
		c.logger.Debug("resume wait timed out", slog.Duration("timeout", timeout))
		return false
	case <-s.ctx.Done():
		return false
	}
}
