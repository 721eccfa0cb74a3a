package testleasing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManagerRenewAfterLoseIssuesFreshEpoch(t *testing.T) {
	m := NewManager(1)
	lease, ok := m.Current()
	require.True(t, ok)
	require.Equal(t, uint64(1), lease.Epoch)

	m.Lose()
	_, ok = m.Current()
	require.False(t, ok, "a lost lease must report unavailable until renewed")

	renewed := m.Renew()
	require.Equal(t, uint64(2), renewed.Epoch)
	lease, ok = m.Current()
	require.True(t, ok)
	require.Equal(t, uint64(2), lease.Epoch)
}

func TestNewManagerDefaultsZeroToOne(t *testing.T) {
	m := NewManager(0)
	lease, ok := m.Current()
	require.True(t, ok)
	require.Equal(t, uint64(1), lease.Epoch)
}
