package serverconfig

import (
	"context"
	"errors"
)

// ErrProvisioningDisabled is returned by [StaticProvisioner.Provision] when
// automatic configuration is switched off; the server stays unindexed.
var ErrProvisioningDisabled = errors.New("serverconfig: automatic provisioning disabled")

// Compile-time interface check.
var _ Provisioner = (*StaticProvisioner)(nil)

// StaticProvisioner provisions every new server with the same configured
// defaults. An interactive setup flow would implement [Provisioner]
// differently; this one is driven entirely by the setup section of the
// config file.
type StaticProvisioner struct {
	// AutoConfigure enables provisioning. When false, Provision fails with
	// [ErrProvisioningDisabled] for every server.
	AutoConfigure bool

	// Policy is the error policy assigned to new servers.
	Policy ErrorPolicy

	// EmbeddingModelID is the embedding model assigned to new servers.
	EmbeddingModelID string
}

// Provision implements [Provisioner].
func (p *StaticProvisioner) Provision(_ context.Context, _, _ string) (ErrorPolicy, string, error) {
	if !p.AutoConfigure {
		return "", "", ErrProvisioningDisabled
	}
	return p.Policy, p.EmbeddingModelID, nil
}
