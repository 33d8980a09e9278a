package at

import (
	"context"
	"fmt"

	"k8s.io/utils/exec"

	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
)

// CLITransport runs the vendor CLI once per command.
type CLITransport struct {
	exec exec.Interface
	path string
	args []string
}

// NewCLITransport finds binary in PATH. A missing binary makes the
// transport unavailable.
func NewCLITransport(runner exec.Interface, binary string, args []string) (*CLITransport, error) {
	if binary == "" {
		return nil, fmt.Errorf("vendor CLI disabled: %w", errdefs.ErrTransportUnavailable)
	}
	path, err := runner.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", binary, err, errdefs.ErrTransportUnavailable)
	}
	return &CLITransport{exec: runner, path: path, args: args}, nil
}

// Exchange runs "<binary> <args...> <cmd>" and returns its combined output.
func (t *CLITransport) Exchange(ctx context.Context, cmd string) (string, error) {
	args := append(append([]string{}, t.args...), cmd)
	out, err := t.exec.CommandContext(ctx, t.path, args...).CombinedOutput()
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		// The CLI exits non-zero on ERROR replies; the text still classifies.
		if _, ok := err.(exec.ExitError); ok && len(out) > 0 {
			return string(out), nil
		}
		return "", fmt.Errorf("%s: %w", t.path, err)
	}
	return string(out), nil
}

func (t *CLITransport) Close() error {
	return nil
}
