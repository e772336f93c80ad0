package region

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	apperrors "github.com/polaris-platform/polaris-core/pkg/errors"
	"github.com/polaris-platform/polaris-core/pkg/events"
)

// SetRoutingRules replaces the rule table. Rules are validated up front
// so routing never sees a malformed rule.
func (m *Manager) SetRoutingRules(rules []RoutingRule) error {
	for _, rule := range rules {
		if err := validateRule(rule); err != nil {
			return err
		}
	}

	sorted := make([]RoutingRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	m.mu.Lock()
	m.rules = sorted
	m.mu.Unlock()
	return nil
}

// AddRoutingRule appends one rule, keeping priority order.
func (m *Manager) AddRoutingRule(rule RoutingRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}

	m.mu.Lock()
	m.rules = append(m.rules, rule)
	sort.SliceStable(m.rules, func(i, j int) bool {
		return m.rules[i].Priority < m.rules[j].Priority
	})
	m.mu.Unlock()
	return nil
}

// RoutingRules returns a copy of the rule table in evaluation order.
func (m *Manager) RoutingRules() []RoutingRule {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]RoutingRule, len(m.rules))
	copy(out, m.rules)
	return out
}

func validateRule(rule RoutingRule) error {
	if rule.ID == "" {
		return apperrors.NewValidationError("routing rule id is required")
	}
	if rule.TargetRegion == "" {
		return apperrors.NewValidationError(
			fmt.Sprintf("routing rule %s: target region is required", rule.ID))
	}
	if len(rule.Conditions) == 0 {
		return apperrors.NewValidationError(
			fmt.Sprintf("routing rule %s: at least one condition is required", rule.ID))
	}
	for _, cond := range rule.Conditions {
		switch cond.Field {
		case FieldGeo, FieldHeader, FieldPath:
		default:
			return apperrors.NewValidationError(
				fmt.Sprintf("routing rule %s: unknown condition field %q", rule.ID, cond.Field))
		}
		switch cond.Op {
		case OpEq, OpNeq, OpContains, OpStartsWith, OpIn:
		default:
			return apperrors.NewValidationError(
				fmt.Sprintf("routing rule %s: unknown condition op %q", rule.ID, cond.Op))
		}
		if cond.Field == FieldHeader && cond.Key == "" {
			return apperrors.NewValidationError(
				fmt.Sprintf("routing rule %s: header condition needs a key", rule.ID))
		}
		if cond.Op == OpIn && len(cond.Values) == 0 {
			return apperrors.NewValidationError(
				fmt.Sprintf("routing rule %s: in condition needs values", rule.ID))
		}
	}
	return nil
}

// RouteRequest picks the serving region for one request. Enabled rules
// are evaluated in priority order first; when none match, the configured
// strategy runs with a fixed fallback chain (latency, then geo, then
// failover) so a usable region is returned whenever one exists.
func (m *Manager) RouteRequest(req RouteRequest) (*RouteDecision, error) {
	m.mu.Lock()

	eligible := m.routableLocked()
	if len(eligible) == 0 {
		m.mu.Unlock()
		return nil, apperrors.NewUnavailableError("no routable regions available")
	}

	var decision *RouteDecision
	for _, rule := range m.rules {
		if !rule.Enabled {
			continue
		}
		if !matchesAll(rule.Conditions, req) {
			continue
		}
		// A rule targeting an unroutable region falls through to the
		// next rule rather than serving traffic to a dead region.
		if _, ok := eligible[rule.TargetRegion]; !ok {
			continue
		}
		decision = &RouteDecision{
			RegionID:  rule.TargetRegion,
			Strategy:  m.config.RoutingStrategy,
			RuleID:    rule.ID,
			Timestamp: time.Now(),
		}
		break
	}

	if decision == nil {
		regionID, strategy := m.selectByStrategyLocked(eligible, req)
		decision = &RouteDecision{
			RegionID:  regionID,
			Strategy:  strategy,
			Timestamp: time.Now(),
		}
	}
	m.mu.Unlock()

	m.bus.Publish(events.Event{
		Type:   events.RoutingDecision,
		Source: "multiregion",
		Fields: map[string]interface{}{
			"region":   decision.RegionID,
			"strategy": string(decision.Strategy),
			"rule":     decision.RuleID,
		},
	})
	return decision, nil
}

// routableLocked returns the regions eligible to serve traffic. Degraded
// regions stay routable only when no active region exists.
func (m *Manager) routableLocked() map[string]*Region {
	active := make(map[string]*Region)
	degraded := make(map[string]*Region)
	for id, region := range m.regions {
		switch region.Status {
		case StatusActive:
			active[id] = region
		case StatusDegraded:
			degraded[id] = region
		}
	}
	if len(active) > 0 {
		return active
	}
	return degraded
}

// fallbackChain orders the strategies tried for a configured strategy.
// Latency falls through geo to failover; geo falls straight to failover;
// round_robin and weighted only need failover behind them because they
// fail solely when no region carries usable data.
func fallbackChain(configured RoutingStrategy) []RoutingStrategy {
	switch configured {
	case StrategyGeo:
		return []RoutingStrategy{StrategyGeo, StrategyFailover}
	case StrategyFailover:
		return []RoutingStrategy{StrategyFailover}
	case StrategyRoundRobin, StrategyWeighted:
		return []RoutingStrategy{configured, StrategyFailover}
	default:
		return []RoutingStrategy{StrategyLatency, StrategyGeo, StrategyFailover}
	}
}

func (m *Manager) selectByStrategyLocked(eligible map[string]*Region, req RouteRequest) (string, RoutingStrategy) {
	for _, strategy := range fallbackChain(m.config.RoutingStrategy) {
		var regionID string
		switch strategy {
		case StrategyLatency:
			regionID = m.lowestLatencyLocked(eligible)
		case StrategyGeo:
			regionID = nearestRegion(eligible, req.ClientCountry)
		case StrategyFailover:
			regionID = preferPrimary(eligible)
		case StrategyWeighted:
			regionID = weightedRegion(eligible)
		case StrategyRoundRobin:
			regionID = m.nextRoundRobinLocked(eligible)
		}
		if regionID != "" {
			return regionID, strategy
		}
	}
	// Deterministic last resort when no strategy had enough data.
	ids := make([]string, 0, len(eligible))
	for id := range eligible {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids[0], StrategyFailover
}

// lowestLatencyLocked picks the eligible region with the smallest
// observed latency; regions without a reading are skipped.
func (m *Manager) lowestLatencyLocked(eligible map[string]*Region) string {
	best := ""
	bestLatency := time.Duration(math.MaxInt64)
	for id := range eligible {
		latency, ok := m.latencies[id]
		if !ok {
			continue
		}
		if latency < bestLatency || (latency == bestLatency && id < best) {
			best = id
			bestLatency = latency
		}
	}
	return best
}

// nearestRegion prefers an exact country match, then the closest region
// by great-circle distance when coordinates are known.
func nearestRegion(eligible map[string]*Region, clientCountry string) string {
	if clientCountry == "" {
		return ""
	}

	matches := make([]string, 0, 2)
	for id, region := range eligible {
		if strings.EqualFold(region.Location.Country, clientCountry) {
			matches = append(matches, id)
		}
	}
	if len(matches) > 0 {
		sort.Strings(matches)
		return matches[0]
	}

	// No country match; no coordinates for the client either, so geo
	// cannot decide and the chain moves on.
	return ""
}

// preferPrimary picks the primary when it is eligible, otherwise the
// first standby in stable order.
func preferPrimary(eligible map[string]*Region) string {
	standbys := make([]string, 0, len(eligible))
	for id, region := range eligible {
		if region.Role == RolePrimary {
			return id
		}
		standbys = append(standbys, id)
	}
	if len(standbys) == 0 {
		return ""
	}
	sort.Strings(standbys)
	return standbys[0]
}

// weightedRegion draws a region at random, with probability proportional
// to its weight. Zero-weight regions are excluded from the draw.
func weightedRegion(eligible map[string]*Region) string {
	ids := make([]string, 0, len(eligible))
	total := 0
	for id, region := range eligible {
		if region.Weight > 0 {
			ids = append(ids, id)
			total += region.Weight
		}
	}
	if total == 0 {
		return ""
	}
	sort.Strings(ids)

	draw := rand.Intn(total)
	for _, id := range ids {
		draw -= eligible[id].Weight
		if draw < 0 {
			return id
		}
	}
	return ids[len(ids)-1]
}

func (m *Manager) nextRoundRobinLocked(eligible map[string]*Region) string {
	ids := make([]string, 0, len(eligible))
	for id := range eligible {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	m.rrCounter++
	return ids[int(m.rrCounter-1)%len(ids)]
}

func matchesAll(conditions []Condition, req RouteRequest) bool {
	for _, cond := range conditions {
		if !matches(cond, req) {
			return false
		}
	}
	return true
}

func matches(cond Condition, req RouteRequest) bool {
	var actual string
	switch cond.Field {
	case FieldGeo:
		actual = req.ClientCountry
	case FieldPath:
		actual = req.Path
	case FieldHeader:
		actual = headerValue(req.Headers, cond.Key)
	default:
		return false
	}

	switch cond.Op {
	case OpEq:
		return strings.EqualFold(actual, cond.Value)
	case OpNeq:
		return !strings.EqualFold(actual, cond.Value)
	case OpContains:
		return strings.Contains(strings.ToLower(actual), strings.ToLower(cond.Value))
	case OpStartsWith:
		return strings.HasPrefix(strings.ToLower(actual), strings.ToLower(cond.Value))
	case OpIn:
		for _, v := range cond.Values {
			if strings.EqualFold(actual, v) {
				return true
			}
		}
		return false
	}
	return false
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}
