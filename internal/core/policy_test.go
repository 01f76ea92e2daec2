package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// lostPolicyInsert simulates a concurrent administrator landing between the
// existence check and the insert.
type lostPolicyInsert struct {
	Repository
}

func (s lostPolicyInsert) GetPolicy(ctx context.Context, version string, scope PolicyScope) (*RolloutPolicy, error) {
	return nil, gorm.ErrRecordNotFound
}

func (s lostPolicyInsert) CreatePolicy(ctx context.Context, policy *RolloutPolicy) error {
	return gorm.ErrDuplicatedKey
}

func TestSetPolicyLosingInsertRace(t *testing.T) {
	ctx := context.Background()
	store := lostPolicyInsert{NewMemoryRepository()}
	catalog := NewArtifactCatalogService(store, testLogger())
	policies := NewRolloutPolicyService(store, catalog, testLogger())

	_, err := catalog.Publish(ctx, "2.0.0", "sha256:abc", "url", 1, FirmwareStatusActive)
	require.NoError(t, err)

	_, err = policies.SetPolicy(ctx, "2.0.0", GlobalScope(), PhaseCanary, 5)
	assert.ErrorIs(t, err, ErrPolicyConflict)
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestSetPolicyCreatesAndUpdates(t *testing.T) {
	services, _ := newTestServices(t)
	ctx := context.Background()
	publishActive(t, services, "2.0.0")

	policy, err := services.Policies.SetPolicy(ctx, "2.0.0", GlobalScope(), PhaseCanary, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), policy.Revision)
	assert.Equal(t, ScopeAll, policy.Region)

	policy, err = services.Policies.SetPolicy(ctx, "2.0.0", GlobalScope(), PhaseCanary, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), policy.Revision, "every write bumps the revision")
	assert.Equal(t, 10, policy.TargetPercent)
}

func TestSetPolicyValidation(t *testing.T) {
	services, _ := newTestServices(t)
	ctx := context.Background()
	publishActive(t, services, "2.0.0")

	_, err := services.Policies.SetPolicy(ctx, "2.0.0", GlobalScope(), PhaseCanary, -1)
	assert.ErrorIs(t, err, ErrInvalidPercent)

	_, err = services.Policies.SetPolicy(ctx, "2.0.0", GlobalScope(), PhaseCanary, 101)
	assert.ErrorIs(t, err, ErrInvalidPercent)

	_, err = services.Policies.SetPolicy(ctx, "2.0.0", GlobalScope(), "yolo", 10)
	assert.Equal(t, KindInvalidArgument, KindOf(err))

	// The version must exist in the catalog first.
	_, err = services.Policies.SetPolicy(ctx, "9.9.9", GlobalScope(), PhaseCanary, 10)
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestAdvancePhaseLadder(t *testing.T) {
	services, _ := newTestServices(t)
	ctx := context.Background()
	publishActive(t, services, "2.0.0")

	_, err := services.Policies.SetPolicy(ctx, "2.0.0", GlobalScope(), PhaseCanary, 5)
	require.NoError(t, err)

	policy, err := services.Policies.AdvancePhase(ctx, "2.0.0", GlobalScope())
	require.NoError(t, err)
	assert.Equal(t, PhaseStaged, policy.Phase)
	assert.Equal(t, 5, policy.TargetPercent, "advancing the phase leaves the percent alone")

	policy, err = services.Policies.AdvancePhase(ctx, "2.0.0", GlobalScope())
	require.NoError(t, err)
	assert.Equal(t, PhaseGA, policy.Phase)

	// GA has no next phase.
	_, err = services.Policies.AdvancePhase(ctx, "2.0.0", GlobalScope())
	assert.Equal(t, KindInvalidTransition, KindOf(err))
}

func TestAdvanceHaltedPolicy(t *testing.T) {
	services, _ := newTestServices(t)
	ctx := context.Background()
	publishActive(t, services, "2.0.0")

	_, err := services.Policies.SetPolicy(ctx, "2.0.0", GlobalScope(), PhaseCanary, 5)
	require.NoError(t, err)
	_, err = services.Policies.Halt(ctx, "2.0.0", GlobalScope())
	require.NoError(t, err)

	// There is no automatic path out of halted.
	_, err = services.Policies.AdvancePhase(ctx, "2.0.0", GlobalScope())
	assert.Equal(t, KindInvalidTransition, KindOf(err))
}

func TestHaltZeroesPercent(t *testing.T) {
	services, _ := newTestServices(t)
	ctx := context.Background()
	publishActive(t, services, "2.0.0")

	_, err := services.Policies.SetPolicy(ctx, "2.0.0", GlobalScope(), PhaseStaged, 50)
	require.NoError(t, err)

	policy, err := services.Policies.Halt(ctx, "2.0.0", GlobalScope())
	require.NoError(t, err)
	assert.Equal(t, PhaseHalted, policy.Phase)
	assert.Equal(t, 0, policy.TargetPercent)

	// Recovery is an explicit SetPolicy.
	policy, err = services.Policies.SetPolicy(ctx, "2.0.0", GlobalScope(), PhaseCanary, 5)
	require.NoError(t, err)
	assert.Equal(t, PhaseCanary, policy.Phase)
	assert.Equal(t, 5, policy.TargetPercent)
}

func TestHaltUnknownPolicy(t *testing.T) {
	services, _ := newTestServices(t)
	publishActive(t, services, "2.0.0")

	_, err := services.Policies.Halt(context.Background(), "2.0.0", GlobalScope())
	assert.ErrorIs(t, err, ErrPolicyNotFound)
}

func TestOptimisticPolicyConflict(t *testing.T) {
	services, store := newTestServices(t)
	ctx := context.Background()
	publishActive(t, services, "2.0.0")

	created, err := services.Policies.SetPolicy(ctx, "2.0.0", GlobalScope(), PhaseCanary, 5)
	require.NoError(t, err)

	// Two administrators read revision 1; the first write wins, the second
	// must see a conflict instead of clobbering it.
	stale := *created
	first := *created

	first.TargetPercent = 25
	require.NoError(t, store.UpdatePolicy(ctx, &first, created.Revision))

	stale.TargetPercent = 50
	err = store.UpdatePolicy(ctx, &stale, created.Revision)
	assert.ErrorIs(t, err, ErrPolicyConflict)
	assert.Equal(t, KindConflict, KindOf(err))

	current, err := services.Policies.Get(ctx, "2.0.0", GlobalScope())
	require.NoError(t, err)
	assert.Equal(t, 25, current.TargetPercent)
	assert.Equal(t, int64(2), current.Revision)
}

func TestPoliciesScopedIndependently(t *testing.T) {
	services, _ := newTestServices(t)
	ctx := context.Background()
	publishActive(t, services, "2.0.0")

	_, err := services.Policies.SetPolicy(ctx, "2.0.0", GlobalScope(), PhaseCanary, 5)
	require.NoError(t, err)
	_, err = services.Policies.SetPolicy(ctx, "2.0.0", PolicyScope{Region: "eu-west"}, PhaseStaged, 30)
	require.NoError(t, err)

	policies, err := services.Policies.List(ctx, "2.0.0")
	require.NoError(t, err)
	assert.Len(t, policies, 2)

	euPolicy, err := services.Policies.Get(ctx, "2.0.0", PolicyScope{Region: "eu-west"})
	require.NoError(t, err)
	assert.Equal(t, 30, euPolicy.TargetPercent)
	assert.Equal(t, ScopeAll, euPolicy.HardwareRev, "unset dimensions normalize to the wildcard")
}
