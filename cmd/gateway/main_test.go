package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parcelchain/custodia/internal/ca"
	"github.com/parcelchain/custodia/internal/config"
	"github.com/parcelchain/custodia/internal/ledger"
)

func TestServiceIdentityClientSurvivesRestart(t *testing.T) {
	platform, err := ca.NewLocalCA(ca.PlatformOrg)
	require.NoError(t, err)
	cas := map[string]ca.Client{ca.PlatformOrg: platform}
	connector := ledger.NewEmbedded(ca.Pool(platform))

	cfg := &config.Config{}
	cfg.Events.ServiceIdentityID = "gateway-admin"
	cfg.Events.ServiceIdentitySecret = "restart-stable-secret"

	first, err := serviceIdentityClient(cfg, cas, connector)
	require.NoError(t, err)
	defer first.Close()

	// A second start finds the identity already registered with the CA and
	// re-enrolls with the configured secret instead of aborting.
	second, err := serviceIdentityClient(cfg, cas, connector)
	require.NoError(t, err)
	defer second.Close()
}
