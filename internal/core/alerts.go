package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/backstage/services/fleet/config"
	"example.com/backstage/services/fleet/internal/infrastructure"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AlertEvaluatorService runs configured threshold rules against aggregator
// summaries. Evaluation is idempotent: given unchanged summaries, repeated
// runs neither duplicate nor flap alerts, so it is safe to trigger from a
// ticker and the admin API at the same time. The check-and-create per
// (metric, scope) is serialized through a keyed mutex so overlapping passes
// cannot both open an alert for the same breach.
type AlertEvaluatorService struct {
	store     Repository
	agg       *TelemetryAggregator
	rules     []config.AlertRule
	locks     keyedMutex
	messaging *infrastructure.Messaging
	journal   *infrastructure.Journal
	logger    *logrus.Logger
}

func NewAlertEvaluatorService(store Repository, agg *TelemetryAggregator, rules []config.AlertRule, messaging *infrastructure.Messaging, journal *infrastructure.Journal, logger *logrus.Logger) *AlertEvaluatorService {
	return &AlertEvaluatorService{
		store:     store,
		agg:       agg,
		rules:     rules,
		messaging: messaging,
		journal:   journal,
		logger:    logger,
	}
}

// AlertScope renders the (region, version) pair the way alert records key it.
func AlertScope(region, version string) string {
	return region + "/" + version
}

// Evaluate runs every rule once. Returns how many alerts were triggered and
// resolved in this pass.
func (s *AlertEvaluatorService) Evaluate(ctx context.Context) (triggered, resolved int, err error) {
	for _, rule := range s.rules {
		for _, key := range s.expandRule(rule) {
			t, r, err := s.evaluateScope(ctx, rule, key)
			if err != nil {
				return triggered, resolved, err
			}
			triggered += t
			resolved += r
		}
	}
	return triggered, resolved, nil
}

// expandRule resolves a rule's scope to concrete windows. Fixed dimensions
// are honored; open dimensions fan out over every window the aggregator has
// seen for the rule's metric.
func (s *AlertEvaluatorService) expandRule(rule config.AlertRule) []WindowKey {
	if rule.Region != "" && rule.Version != "" {
		return []WindowKey{{Region: rule.Region, Version: rule.Version, Metric: rule.Metric}}
	}

	var keys []WindowKey
	for _, key := range s.agg.Keys(rule.Metric) {
		if rule.Region != "" && key.Region != rule.Region {
			continue
		}
		if rule.Version != "" && key.Version != rule.Version {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

func (s *AlertEvaluatorService) evaluateScope(ctx context.Context, rule config.AlertRule, key WindowKey) (triggered, resolved int, err error) {
	scope := AlertScope(key.Region, key.Version)

	summary, sumErr := s.agg.SummaryFor(rule.Metric, key.Region, key.Version)
	if sumErr != nil {
		if errors.Is(sumErr, ErrInsufficientData) {
			// Decline to judge; existing alert state stays as-is.
			return 0, 0, nil
		}
		return 0, 0, sumErr
	}

	breached := summary.Value > rule.Threshold
	if !rule.Above {
		breached = summary.Value < rule.Threshold
	}

	unlock := s.locks.Lock(rule.Metric + "|" + scope)
	defer unlock()

	active, err := s.store.GetActiveAlert(ctx, rule.Metric, scope)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, 0, err
	}
	hasActive := err == nil

	switch {
	case breached && !hasActive:
		alert := &Alert{
			ID:          uuid.New().String(),
			Metric:      rule.Metric,
			Scope:       scope,
			Rule:        ruleString(rule),
			Severity:    rule.Severity,
			Value:       summary.Value,
			TriggeredAt: time.Now(),
		}
		if err := s.store.CreateAlert(ctx, alert); err != nil {
			return 0, 0, err
		}
		s.emit(ctx, infrastructure.JournalAlertTrigger, alert)
		s.logger.WithFields(logrus.Fields{
			"metric": rule.Metric,
			"scope":  scope,
			"value":  summary.Value,
		}).Warn("Alert triggered")
		return 1, 0, nil

	case breached && hasActive:
		// Still breached; the existing record stands.
		return 0, 0, nil

	case !breached && hasActive:
		now := time.Now()
		active.ResolvedAt = &now
		if err := s.store.UpdateAlert(ctx, active); err != nil {
			return 0, 0, err
		}
		s.emit(ctx, infrastructure.JournalAlertResolve, active)
		s.logger.WithFields(logrus.Fields{
			"metric": rule.Metric,
			"scope":  scope,
		}).Info("Alert resolved")
		return 0, 1, nil
	}

	return 0, 0, nil
}

// emit fans an alert transition out to the journal and the event queue.
// Both are best-effort.
func (s *AlertEvaluatorService) emit(ctx context.Context, eventType string, alert *Alert) {
	if s.journal != nil {
		if err := s.journal.Append(eventType, "", alert); err != nil {
			s.logger.WithError(err).Warn("Failed to journal alert transition")
		}
	}
	if s.messaging != nil {
		if err := s.messaging.Publish(ctx, eventType, alert); err != nil {
			s.logger.WithError(err).Warn("Failed to publish alert event")
		}
	}
}

// List returns alerts, optionally only the unresolved ones.
func (s *AlertEvaluatorService) List(ctx context.Context, activeOnly bool) ([]*Alert, error) {
	return s.store.ListAlerts(ctx, activeOnly)
}

// Run evaluates on a fixed interval until ctx is done.
func (s *AlertEvaluatorService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := s.Evaluate(ctx); err != nil {
				s.logger.WithError(err).Error("Alert evaluation failed")
			}
		}
	}
}

func ruleString(rule config.AlertRule) string {
	op := ">"
	if !rule.Above {
		op = "<"
	}
	return fmt.Sprintf("%s %s %g", rule.Metric, op, rule.Threshold)
}
