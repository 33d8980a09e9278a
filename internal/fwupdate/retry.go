package fwupdate

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/autopeer-io/modempeer/internal/pkg/status"
	"github.com/autopeer-io/modempeer/pkg/log"
)

// Trigger queues at most one pending update request; further requests
// while one is pending are folded into it.
type Trigger chan string

func NewTrigger() Trigger {
	return make(Trigger, 1)
}

// Fire requests an attempt without blocking.
func (t Trigger) Fire(reason string) {
	select {
	case t <- reason:
	default:
	}
}

// RetryMonitor re-triggers the orchestrator while the status file says a
// retry is pending. It checks once at start, then every interval.
type RetryMonitor struct {
	store    *status.Store
	interval time.Duration
	trigger  Trigger
}

func NewRetryMonitor(store *status.Store, interval time.Duration, trigger Trigger) *RetryMonitor {
	return &RetryMonitor{store: store, interval: interval, trigger: trigger}
}

func (m *RetryMonitor) Start(ctx context.Context) error {
	wait.UntilWithContext(ctx, m.check, m.interval)
	return nil
}

func (m *RetryMonitor) check(ctx context.Context) {
	if err := m.store.Reload(); err != nil {
		log.Warn("Failed to reload status file", "error", err.Error())
		return
	}
	if m.store.Snapshot().Bool(status.KeyNeedRetry) {
		log.Debug("Pending update retry found")
		m.trigger.Fire("retry")
	}
}
