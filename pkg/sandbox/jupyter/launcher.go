package jupyter

import (
	"context"

	"github.com/nstogner/officeagent/pkg/sandbox"
)

// Launcher starts kernels on an already running gateway. All sessions share
// the gateway process; each gets its own kernel.
type Launcher struct {
	Client     *Client
	KernelName string
}

var _ sandbox.Launcher = (*Launcher)(nil)

// Launch starts a fresh kernel for the session.
func (l *Launcher) Launch(ctx context.Context, sessionID string) (sandbox.Kernel, error) {
	return l.Client.StartKernel(ctx, l.KernelName)
}
