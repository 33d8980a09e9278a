package fwupdate

import (
	"context"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/autopeer-io/modempeer/internal/pkg/command"
	"github.com/autopeer-io/modempeer/pkg/log"
)

// postFlash restores the module configuration the flash cleared. Every
// step is retried and none of them fails the attempt.
func (o *Orchestrator) postFlash(ctx context.Context, s *Session) {
	carrier, err := o.retry(ctx, command.CidPrefGetSimCarrier, "")
	if err != nil || carrier == "" {
		carrier, err = o.retry(ctx, command.CidPrefGetPreferredCarrier, "")
	}
	if err != nil || carrier == "" {
		log.Warn("No carrier to restore", "serial", s.Serial)
	} else if _, err := o.retry(ctx, command.CidMadptSetPreferredCarrier, carrier); err != nil {
		log.Warn("Failed to set preferred carrier", "carrier", carrier, "error", err.Error())
	}

	if _, err := o.retry(ctx, command.CidMadptDeleteTuneCode, ""); err != nil {
		log.Warn("Failed to delete tune code", "error", err.Error())
	}

	if s.OemVersion != "" {
		if _, err := o.retry(ctx, command.CidMadptSetOemVersion, s.OemVersion); err != nil {
			log.Warn("Failed to set OEM version", "version", s.OemVersion, "error", err.Error())
		}
	}

	version, err := o.retry(ctx, command.CidMadptGetFwVersion, "")
	if err != nil {
		log.Warn("Failed to read back firmware version", "error", err.Error())
		return
	}
	s.NewVersion = version
	if target := s.TargetVersion(); target != "" && version != target {
		log.Warn("Module reports a different version after flash", "want", target, "got", version)
	}
}

// retry sends cid up to PostFlashAttempts times, a poll interval apart.
func (o *Orchestrator) retry(ctx context.Context, cid command.ID, content string) (string, error) {
	var (
		resp    string
		lastErr error
	)
	backoff := wait.Backoff{
		Duration: o.opts.PortPollInterval,
		Factor:   1,
		Steps:    o.opts.PostFlashAttempts,
	}
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		resp, lastErr = o.request(ctx, cid, content)
		if lastErr != nil {
			log.Debug("Post-flash command failed", "command", cid.Name(), "error", lastErr.Error())
			return false, nil
		}
		return true, nil
	})
	if err != nil && lastErr != nil {
		return "", lastErr
	}
	return resp, err
}
