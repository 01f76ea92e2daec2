package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RolloutPolicyService stores per-(version, scope) rollout policies. Writes
// bump a revision counter and go through an optimistic check, so concurrent
// administrators get a Conflict instead of silently clobbering each other,
// and readers always observe a fully written record.
type RolloutPolicyService struct {
	store   Repository
	catalog *ArtifactCatalogService
	logger  *logrus.Logger
}

func NewRolloutPolicyService(store Repository, catalog *ArtifactCatalogService, logger *logrus.Logger) *RolloutPolicyService {
	return &RolloutPolicyService{store: store, catalog: catalog, logger: logger}
}

func validPhase(phase string) bool {
	switch phase {
	case PhaseCanary, PhaseStaged, PhaseGA, PhaseHalted:
		return true
	}
	return false
}

// SetPolicy upserts the policy for (version, scope). Explicitly setting a
// halted policy is the manual recovery path; there is no automatic
// un-halting anywhere in the engine.
func (s *RolloutPolicyService) SetPolicy(ctx context.Context, version string, scope PolicyScope, phase string, percent int) (*RolloutPolicy, error) {
	if percent < 0 || percent > 100 {
		return nil, ErrInvalidPercent
	}
	if !validPhase(phase) {
		return nil, Errorf(KindInvalidArgument, "unknown rollout phase %q", phase)
	}
	if _, err := s.catalog.Get(ctx, version); err != nil {
		return nil, err
	}

	scope = scope.Normalize()

	existing, err := s.store.GetPolicy(ctx, version, scope)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		policy := &RolloutPolicy{
			Version:       version,
			Region:        scope.Region,
			HardwareRev:   scope.HardwareRev,
			Environment:   scope.Environment,
			Phase:         phase,
			TargetPercent: percent,
			Revision:      1,
		}
		if err := s.store.CreatePolicy(ctx, policy); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// Another administrator created the record concurrently.
				return nil, ErrPolicyConflict
			}
			return nil, fmt.Errorf("failed to create policy: %w", err)
		}
		s.logPolicy(policy, "Rollout policy created")
		return policy, nil
	}

	existing.Phase = phase
	existing.TargetPercent = percent
	if err := s.store.UpdatePolicy(ctx, existing, existing.Revision); err != nil {
		return nil, err
	}
	s.logPolicy(existing, "Rollout policy updated")
	return existing, nil
}

// AdvancePhase moves canary -> staged -> ga. The target percent is left
// untouched; phase label and rollout size are tuned independently.
func (s *RolloutPolicyService) AdvancePhase(ctx context.Context, version string, scope PolicyScope) (*RolloutPolicy, error) {
	policy, err := s.Get(ctx, version, scope)
	if err != nil {
		return nil, err
	}

	var next string
	switch policy.Phase {
	case PhaseCanary:
		next = PhaseStaged
	case PhaseStaged:
		next = PhaseGA
	default:
		return nil, InvalidTransition(policy.Phase, "next phase")
	}

	policy.Phase = next
	if err := s.store.UpdatePolicy(ctx, policy, policy.Revision); err != nil {
		return nil, err
	}
	s.logPolicy(policy, "Rollout phase advanced")
	return policy, nil
}

// Halt is the emergency stop: phase halted, percent zero, from any phase.
// Recovery is an explicit SetPolicy call by an operator.
func (s *RolloutPolicyService) Halt(ctx context.Context, version string, scope PolicyScope) (*RolloutPolicy, error) {
	policy, err := s.Get(ctx, version, scope)
	if err != nil {
		return nil, err
	}

	policy.Phase = PhaseHalted
	policy.TargetPercent = 0
	if err := s.store.UpdatePolicy(ctx, policy, policy.Revision); err != nil {
		return nil, err
	}
	s.logPolicy(policy, "Rollout halted")
	return policy, nil
}

// Get returns the policy stored for exactly (version, scope).
func (s *RolloutPolicyService) Get(ctx context.Context, version string, scope PolicyScope) (*RolloutPolicy, error) {
	policy, err := s.store.GetPolicy(ctx, version, scope.Normalize())
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPolicyNotFound
		}
		return nil, err
	}
	return policy, nil
}

// List returns policies, optionally restricted to one version.
func (s *RolloutPolicyService) List(ctx context.Context, version string) ([]*RolloutPolicy, error) {
	return s.store.ListPolicies(ctx, version)
}

func (s *RolloutPolicyService) logPolicy(p *RolloutPolicy, msg string) {
	s.logger.WithFields(logrus.Fields{
		"version":  p.Version,
		"region":   p.Region,
		"hardware": p.HardwareRev,
		"env":      p.Environment,
		"phase":    p.Phase,
		"percent":  p.TargetPercent,
		"revision": p.Revision,
	}).Info(msg)
}
