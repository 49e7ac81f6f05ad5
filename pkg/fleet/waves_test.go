package fleet

import (
	"fmt"
	"strings"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genesishq/genesis/pkg/types"
)

func tenantSet(standard, highPriority, enterprise int) []types.Tenant {
	var out []types.Tenant
	add := func(n int, tier types.Tier) {
		for i := 0; i < n; i++ {
			out = append(out, types.Tenant{ID: fmt.Sprintf("%s-%d", tier, i), Tier: tier})
		}
	}
	// interleave so ordering is the partitioner's doing, not the input's
	add(enterprise, types.TierEnterprise)
	add(standard, types.TierStandard)
	add(highPriority, types.TierHighPriority)
	return out
}

func TestPartitionCanaryStaged(t *testing.T) {
	tenants := tenantSet(900, 80, 20)
	waves := partitionWaves(tenants, types.StrategyCanaryStaged)
	require.Len(t, waves, 5)

	assert.Equal(t, []int{1, 10, 25, 50, 100}, lo.Map(waves, func(w waveSlice, _ int) int { return w.Percent }))
	assert.Len(t, waves[0].TenantIDs, 10)
	assert.Len(t, waves[1].TenantIDs, 90)
	assert.Len(t, waves[2].TenantIDs, 150)
	assert.Len(t, waves[3].TenantIDs, 250)
	assert.Len(t, waves[4].TenantIDs, 500)

	// every tenant exactly once
	var all []string
	for _, w := range waves {
		all = append(all, w.TenantIDs...)
	}
	assert.Len(t, lo.Uniq(all), len(tenants))

	// canary is pure standard tier
	for _, id := range waves[0].TenantIDs {
		assert.Contains(t, id, "standard")
	}

	// enterprise tenants appear only in the final wave
	for _, w := range waves[:4] {
		for _, id := range w.TenantIDs {
			assert.NotContains(t, id, "enterprise")
		}
	}
	enterpriseInFinal := lo.CountBy(waves[4].TenantIDs, func(id string) bool {
		return strings.HasPrefix(id, "enterprise")
	})
	assert.Equal(t, 20, enterpriseInFinal)
}

func TestPartitionFleetSync(t *testing.T) {
	tenants := tenantSet(50, 10, 5)
	waves := partitionWaves(tenants, types.StrategyFleetSync)
	require.Len(t, waves, 1)
	assert.Equal(t, 100, waves[0].Percent)
	assert.Len(t, waves[0].TenantIDs, 65)
}

func TestPartitionTinyFleet(t *testing.T) {
	tenants := tenantSet(3, 0, 0)
	waves := partitionWaves(tenants, types.StrategyCanaryStaged)
	require.NotEmpty(t, waves)

	var all []string
	for _, w := range waves {
		all = append(all, w.TenantIDs...)
	}
	assert.Len(t, lo.Uniq(all), 3)
	assert.Equal(t, 100, waves[len(waves)-1].Percent)
}

func TestPartitionEnterpriseOnly(t *testing.T) {
	tenants := tenantSet(0, 0, 4)
	waves := partitionWaves(tenants, types.StrategyCanaryStaged)
	require.NotEmpty(t, waves)
	assert.Len(t, waves[len(waves)-1].TenantIDs, 4)
	for _, w := range waves[:len(waves)-1] {
		assert.Empty(t, w.TenantIDs)
	}
}
