package module_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/correlator/internal/module"
	"github.com/correlator-io/correlator/internal/module/builtin"
)

func newTestRegistry(t *testing.T) *module.Registry {
	t.Helper()

	reg := module.NewRegistry()
	require.NoError(t, builtin.Register(reg))

	return reg
}

func TestRegistryByName(t *testing.T) {
	reg := newTestRegistry(t)

	d, err := reg.ByName(builtin.DNSResolveName)
	require.NoError(t, err)
	assert.Equal(t, builtin.DNSResolveName, d.Name)

	_, err = reg.ByName("sfp_does_not_exist")
	require.ErrorIs(t, err, module.ErrUnknownModule)
}

func TestRegistryResolveUseCase(t *testing.T) {
	reg := newTestRegistry(t)

	names, err := reg.Resolve([]string{string(module.UseCasePassive)})
	require.NoError(t, err)
	assert.Contains(t, names, builtin.DNSResolveName)
	assert.NotContains(t, names, builtin.PortScanName)
}

func TestRegistryResolveExplicitAndUnknown(t *testing.T) {
	reg := newTestRegistry(t)

	names, err := reg.Resolve([]string{builtin.DNSResolveName, builtin.DNSResolveName})
	require.NoError(t, err)
	assert.Equal(t, []string{builtin.DNSResolveName}, names)

	_, err = reg.Resolve([]string{"totally_unknown_module"})
	require.ErrorIs(t, err, module.ErrUnknownModule)
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	reg := module.NewRegistry()
	require.NoError(t, builtin.Register(reg))
	require.ErrorIs(t, builtin.Register(reg), module.ErrDuplicateModule)
}
