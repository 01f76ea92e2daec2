package core

import (
	"hash/fnv"
	"sort"

	"example.com/backstage/services/fleet/internal/utils"
)

// The assignment resolver is a pure function of (device snapshot, policy
// set, catalog entry). It holds no state and never mutates its inputs, so
// it is safe to call from any number of concurrent poll handlers.

// Bucket reduces a (device, version) pair to a stable integer in [0, 100).
// The same pair always lands in the same bucket across restarts and
// replicas, which keeps canary cohort membership consistent as the target
// percent is raised: a device selected at percent P stays selected at every
// percent >= P.
func Bucket(deviceID, version string) int {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	h.Write([]byte{0})
	h.Write([]byte(version))
	return int(h.Sum32() % 100)
}

// scopeSpecificity ranks how narrowly a policy targets a device. Region
// outweighs hardware revision, which outweighs environment, so the exact
// (region, hardware, environment) match always beats (region, environment),
// which beats (environment), which beats the global default.
func scopeSpecificity(p *RolloutPolicy) int {
	score := 0
	if p.ScopedRegion() {
		score |= 4
	}
	if p.ScopedHardware() {
		score |= 2
	}
	if p.ScopedEnvironment() {
		score |= 1
	}
	return score
}

// scopeMatches reports whether the policy's scope covers the device. A
// wildcard dimension covers everything.
func scopeMatches(p *RolloutPolicy, d *Device) bool {
	if p.ScopedRegion() && p.Region != d.Region {
		return false
	}
	if p.ScopedHardware() && p.HardwareRev != d.HardwareRev {
		return false
	}
	if p.ScopedEnvironment() && p.Environment != d.Environment {
		return false
	}
	return true
}

// ResolvePolicy picks the most specific policy covering the device from the
// given set, which must all belong to one firmware version. Returns nil when
// no scope (including the global default) covers the device.
func ResolvePolicy(policies []*RolloutPolicy, device *Device) *RolloutPolicy {
	var best *RolloutPolicy
	bestScore := -1
	for _, p := range policies {
		if !scopeMatches(p, device) {
			continue
		}
		if score := scopeSpecificity(p); score > bestScore {
			best = p
			bestScore = score
		}
	}
	return best
}

// IsEligible decides whether the device should receive the given firmware
// version under the resolved policy. Deterministic: identical inputs always
// yield an identical answer.
func IsEligible(device *Device, fw *FirmwareVersion, policy *RolloutPolicy, allowDowngrade bool) bool {
	if device == nil || fw == nil || policy == nil {
		return false
	}
	if device.Lifecycle != LifecycleActive {
		return false
	}
	if policy.Phase == PhaseHalted {
		return false
	}
	if fw.Status != FirmwareStatusActive {
		return false
	}
	if policy.ScopedEnvironment() && policy.Environment != device.Environment {
		return false
	}
	if Bucket(device.ID, fw.Version) >= policy.TargetPercent {
		return false
	}
	// Never regress the device through a stale or overlapping policy.
	if !allowDowngrade && device.CurrentVersion != "" &&
		utils.CompareVersions(fw.Version, device.CurrentVersion) < 0 {
		return false
	}
	return true
}

// ResolveTarget returns the single firmware version the device should
// install next, or nil when nothing applies. When several versions are
// eligible at once the highest semantic precedence wins. Versions the device
// already runs are skipped.
func ResolveTarget(device *Device, catalog []*FirmwareVersion, policies []*RolloutPolicy, allowDowngrade bool) *FirmwareVersion {
	byVersion := make(map[string][]*RolloutPolicy)
	for _, p := range policies {
		byVersion[p.Version] = append(byVersion[p.Version], p)
	}

	candidates := make([]*FirmwareVersion, len(catalog))
	copy(candidates, catalog)
	sort.Slice(candidates, func(i, j int) bool {
		return utils.CompareVersions(candidates[i].Version, candidates[j].Version) > 0
	})

	for _, fw := range candidates {
		if fw.Version == device.CurrentVersion {
			continue
		}
		policy := ResolvePolicy(byVersion[fw.Version], device)
		if policy == nil {
			continue
		}
		if IsEligible(device, fw, policy, allowDowngrade) {
			return fw
		}
	}
	return nil
}
