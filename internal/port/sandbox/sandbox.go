package sandbox

import "context"

// Provisioner is the narrow slice of the sandbox platform the core touches.
// Provisioning lifecycle, billing and images belong to the platform, not here.
type Provisioner interface {
	Stop(ctx context.Context, instanceID string) error
	IsConnected(ctx context.Context, instanceID string) (bool, error)
}
