package renewal

import (
	"context"
	"fmt"

	"github.com/dmitrymomot/certops/core/device"
	"github.com/dmitrymomot/certops/core/logger"
	"github.com/dmitrymomot/certops/core/operation"
	"github.com/dmitrymomot/certops/core/remotecmd"
	"github.com/dmitrymomot/certops/pkg/async"
)

// restartMarkerProgress maps restart lifecycle markers to progress values.
// Both the bracketed CLI form and the prose form map to the same phase.
var restartMarkerProgress = map[string]struct {
	progress int
	message  string
}{
	"[STOPPING]":                  {40, "Service stopping"},
	"Service Manager is stopping": {40, "Service stopping"},
	"[STARTING]":                  {70, "Service starting"},
	"Service Manager is starting": {70, "Service starting"},
	"[STARTED]":                   {90, "Service started"},
}

// StartServiceRestart admits and launches a service restart on the target.
// The restart command streams its output; lifecycle markers drive progress,
// and a command still running at the timeout is recorded as success with
// the timedOut flag, since appliances often restart their CLI along with
// the service.
func (e *Engine) StartServiceRestart(ctx context.Context, targetID string, createdBy operation.CreatedBy) (*operation.Operation, error) {
	target, err := e.targets.GetTarget(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("renewal: resolve target %s: %w", targetID, err)
	}

	op, err := e.tracker.Start(targetID, operation.KindServiceRestart, createdBy, map[string]string{
		"command": e.cfg.RestartCommand,
	})
	if err != nil {
		return op, err
	}

	e.log.Info("service restart started",
		logger.Component("renewal"),
		logger.OperationID(op.ID),
		logger.TargetID(targetID))

	async.Run(context.Background(), op.ID, func(ctx context.Context, opID string) error {
		e.runRestart(ctx, opID, target)
		return nil
	})
	return op, nil
}

func (e *Engine) runRestart(ctx context.Context, opID string, target *device.Target) {
	if err := e.advance(opID, "connecting", 10, "Connecting to device"); err != nil {
		e.fail(opID, err)
		return
	}

	session, err := e.dialer.Open(ctx, target)
	if err != nil {
		e.fail(opID, err)
		return
	}

	if err := e.advance(opID, "restarting", 20, "Restarting service"); err != nil {
		session.Close()
		e.fail(opID, err)
		return
	}

	result, err := e.runner.ExecuteStreaming(ctx, session, e.cfg.RestartCommand, remotecmd.Callbacks{
		OnMarker: func(marker string) {
			phase, ok := restartMarkerProgress[marker]
			if !ok {
				return
			}
			_, _ = e.tracker.Update(opID, operation.Patch{
				Progress: &phase.progress,
				Message:  &phase.message,
			})
		},
	}, e.cfg.RestartTimeout)
	if err != nil {
		e.fail(opID, err)
		return
	}

	if result.TimedOut {
		e.complete(opID, "Restart still in progress at timeout; assuming success", map[string]string{
			"timedOut": "true",
		})
		return
	}
	e.complete(opID, "Service restarted", nil)
}

// StartSSHTest admits and launches a connectivity probe: open a CLI
// session, run a harmless command, report reachability.
func (e *Engine) StartSSHTest(ctx context.Context, targetID string, createdBy operation.CreatedBy) (*operation.Operation, error) {
	target, err := e.targets.GetTarget(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("renewal: resolve target %s: %w", targetID, err)
	}

	op, err := e.tracker.Start(targetID, operation.KindSSHTest, createdBy, nil)
	if err != nil {
		return op, err
	}

	async.Run(context.Background(), op.ID, func(ctx context.Context, opID string) error {
		e.runSSHTest(ctx, opID, target)
		return nil
	})
	return op, nil
}

func (e *Engine) runSSHTest(ctx context.Context, opID string, target *device.Target) {
	if err := e.advance(opID, "connecting", 30, "Connecting to device"); err != nil {
		e.fail(opID, err)
		return
	}

	session, err := e.dialer.Open(ctx, target)
	if err != nil {
		e.fail(opID, err)
		return
	}

	if err := e.advance(opID, "probing", 60, "Running probe command"); err != nil {
		session.Close()
		e.fail(opID, err)
		return
	}

	result, err := e.runner.ExecuteStreaming(ctx, session, e.cfg.SSHTestCommand, remotecmd.Callbacks{}, e.cfg.SSHTestTimeout)
	if err != nil {
		e.fail(opID, err)
		return
	}

	// A probe that produced output but outlived the timeout still proves
	// the CLI is reachable.
	metadata := map[string]string{}
	if result.TimedOut {
		metadata["timedOut"] = "true"
	}
	e.complete(opID, "SSH connectivity verified", metadata)
}
