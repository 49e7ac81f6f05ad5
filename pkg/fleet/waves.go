package fleet

import (
	"sort"

	"github.com/samber/lo"

	"github.com/genesishq/genesis/pkg/types"
)

// waveSlice is one partition of the tenant snapshot with the cumulative
// percentage it closes.
type waveSlice struct {
	Percent   int
	TenantIDs []string
}

// partitionWaves slices a tenant snapshot into the cumulative wave
// ladder. Standard tenants lead within each wave so the canary burns
// the least valuable capacity first; enterprise tenants appear only in
// the final wave. fleet-sync collapses everything into a single wave.
func partitionWaves(tenants []types.Tenant, strategy types.RolloutStrategy) []waveSlice {
	enterprise := lo.Filter(tenants, func(t types.Tenant, _ int) bool {
		return t.Tier == types.TierEnterprise
	})
	rest := lo.Filter(tenants, func(t types.Tenant, _ int) bool {
		return t.Tier != types.TierEnterprise
	})
	sort.SliceStable(rest, func(i, j int) bool {
		return rest[i].Tier.Weight() < rest[j].Tier.Weight()
	})

	ids := lo.Map(rest, func(t types.Tenant, _ int) string { return t.ID })
	enterpriseIDs := lo.Map(enterprise, func(t types.Tenant, _ int) string { return t.ID })

	if strategy == types.StrategyFleetSync {
		return []waveSlice{{Percent: 100, TenantIDs: append(ids, enterpriseIDs...)}}
	}

	total := len(tenants)
	var waves []waveSlice
	prev := 0
	for _, pct := range types.WavePercents[:len(types.WavePercents)-1] {
		cut := (total*pct + 99) / 100
		if cut > len(ids) {
			cut = len(ids)
		}
		if cut > prev {
			waves = append(waves, waveSlice{Percent: pct, TenantIDs: ids[prev:cut]})
			prev = cut
		}
	}
	final := append(append([]string{}, ids[prev:]...), enterpriseIDs...)
	if len(final) > 0 || len(waves) == 0 {
		waves = append(waves, waveSlice{Percent: 100, TenantIDs: final})
	}
	return waves
}
