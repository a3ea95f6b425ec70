// Package router selects which resolved ModelMapping serves a request,
// applying a routing strategy across eligible mappings and tracking a
// per-mapping health state used to steer around recent failures.
package router

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/songquanpeng/conduit-gateway/common/config"
	"github.com/songquanpeng/conduit-gateway/relay/model"
	"github.com/songquanpeng/conduit-gateway/store"
)

const (
	StrategySimple      = "simple"
	StrategyRandom      = "random"
	StrategyRoundRobin  = "roundrobin"
	StrategyLeastUsed   = "leastused"
	StrategyPassthrough = "passthrough"

	// DefaultStrategy is used by the bare "router" alias and by
	// "router:<model>" (no strategy segment given).
	DefaultStrategy = StrategySimple
)

type mappingHealth struct {
	consecutiveFailures int
	coolOffUntil        time.Time
	// selectionCount is a monotonic count of how many times this mapping has
	// been placed first by the leastused strategy. It only ever grows, so it
	// reflects cumulative load across sequential calls rather than current
	// in-flight concurrency.
	selectionCount int64
}

// Router picks a mapping for an alias and retries a failed attempt against
// another eligible mapping up to a configured number of times.
type Router struct {
	cfg store.ConfigStore

	healthMu sync.Mutex
	health   map[int64]*mappingHealth

	rrMu       sync.Mutex
	rrCounters map[string]uint64

	maxRetries       int
	coolOff          time.Duration
	failureThreshold int

	// distributed optionally mirrors selection/failure/cool-off state in
	// Redis so multiple gateway processes agree on them; nil means stay
	// purely in-process (see common.IsRedisEnabled).
	distributed *redisDistributed
}

// New builds a Router backed by cfg, reading its tunables from config. When
// REDIS_CONNECTION_STRING was configured and Redis answered its ping, the
// Router also mirrors its health/least-used counters there.
func New(cfg store.ConfigStore) *Router {
	return &Router{
		cfg:              cfg,
		health:           make(map[int64]*mappingHealth),
		rrCounters:       make(map[string]uint64),
		maxRetries:       config.RouterMaxRetries,
		coolOff:          config.RouterHealthCoolOff,
		distributed:      newRedisDistributed(),
		failureThreshold: config.RouterHealthFailureThreshold,
	}
}

// Candidate is one eligible (provider, mapping, credential) triple the
// Dispatcher may attempt, in the order the Router wants them tried.
type Candidate struct {
	Provider   *store.Provider
	Mapping    *store.ModelMapping
	Credential *store.ProviderKeyCredential
}

// MaxRetries is the number of fallback attempts the Dispatcher should make
// beyond the first, per spec's routing fallback rule.
func (r *Router) MaxRetries() int { return r.maxRetries }

// Resolve parses alias's microformat, loads the eligible mappings backing it
// (direct alias when alias isn't a router expression), and orders them per
// the selected strategy. The returned slice's first element is the attempt
// the Dispatcher should try first.
func (r *Router) Resolve(ctx context.Context, alias string, requireCapability func(store.Capabilities) bool) ([]Candidate, error) {
	parsed := ParseAlias(alias)
	lookupAlias := alias
	strategy := StrategyPassthrough
	if parsed.IsRouter {
		strategy = parsed.Strategy
		lookupAlias = parsed.Model
	}
	if lookupAlias == "" {
		return nil, errors.New("router alias did not resolve to a model name")
	}

	mappings, err := r.cfg.ModelMappingsForAlias(ctx, lookupAlias)
	if err != nil {
		return nil, errors.Wrap(err, "load model mappings")
	}
	if len(mappings) == 0 {
		return nil, store.NewNotFoundError("model alias")
	}

	eligible := r.eligible(mappings, requireCapability)
	if len(eligible) == 0 {
		return nil, errors.New("no eligible model mapping for alias")
	}

	ordered := r.order(strategy, lookupAlias, eligible)

	candidates := make([]Candidate, 0, len(ordered))
	for _, m := range ordered {
		provider, err := r.cfg.Provider(ctx, m.ProviderID)
		if err != nil || provider.Status != store.StatusEnabled {
			continue
		}
		cred, err := r.cfg.ProviderCredential(ctx, provider.Id)
		if err != nil {
			continue
		}
		candidates = append(candidates, Candidate{Provider: provider, Mapping: m, Credential: cred})
	}
	if len(candidates) == 0 {
		return nil, errors.New("no eligible provider available for alias")
	}
	return candidates, nil
}

// eligible keeps enabled mappings matching the capability gate, preferring
// healthy mappings but falling back to unhealthy ones when no healthy
// alternative exists (spec's eligibility rule).
func (r *Router) eligible(mappings []*store.ModelMapping, requireCapability func(store.Capabilities) bool) []*store.ModelMapping {
	var capable []*store.ModelMapping
	for _, m := range mappings {
		if m.Status != store.StatusEnabled {
			continue
		}
		if requireCapability != nil && !requireCapability(m.Capabilities) {
			continue
		}
		capable = append(capable, m)
	}

	var healthy []*store.ModelMapping
	for _, m := range capable {
		if r.isHealthy(m.Id) {
			healthy = append(healthy, m)
		}
	}
	if len(healthy) > 0 {
		return healthy
	}
	return capable
}

func (r *Router) isHealthy(mappingID int64) bool {
	if underCoolOff, ok := r.distributed.isUnderCoolOff(mappingID); ok {
		return !underCoolOff
	}

	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	h, ok := r.health[mappingID]
	if !ok {
		return true
	}
	if h.consecutiveFailures < r.failureThreshold {
		return true
	}
	return time.Now().After(h.coolOffUntil)
}

func (r *Router) order(strategy, alias string, mappings []*store.ModelMapping) []*store.ModelMapping {
	switch strategy {
	case StrategyRandom:
		shuffled := append([]*store.ModelMapping(nil), mappings...)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		return shuffled
	case StrategyRoundRobin:
		r.rrMu.Lock()
		idx := r.rrCounters[alias]
		r.rrCounters[alias] = idx + 1
		r.rrMu.Unlock()
		start := int(idx) % len(mappings)
		return append(append([]*store.ModelMapping(nil), mappings[start:]...), mappings[:start]...)
	case StrategyLeastUsed:
		ordered := append([]*store.ModelMapping(nil), mappings...)
		r.healthMu.Lock()
		for i := 0; i < len(ordered); i++ {
			for j := i + 1; j < len(ordered); j++ {
				if r.rankingSelectionCount(ordered[j].Id) < r.rankingSelectionCount(ordered[i].Id) {
					ordered[i], ordered[j] = ordered[j], ordered[i]
				}
			}
		}
		if len(ordered) > 0 {
			r.healthFor(ordered[0].Id).selectionCount++
			r.distributed.incrSelection(ordered[0].Id)
		}
		r.healthMu.Unlock()
		return ordered
	case StrategyPassthrough, StrategySimple:
		fallthrough
	default:
		return mappings
	}
}

// rankingSelectionCount prefers the shared Redis count when it's available,
// so leastused ranks consistently across processes; it falls back to the
// local in-process count otherwise. Must be called with healthMu held.
func (r *Router) rankingSelectionCount(mappingID int64) int64 {
	if n, ok := r.distributed.selectionCount(mappingID); ok {
		return n
	}
	h, ok := r.health[mappingID]
	if !ok {
		return 0
	}
	return h.selectionCount
}

func (r *Router) healthFor(mappingID int64) *mappingHealth {
	h, ok := r.health[mappingID]
	if !ok {
		h = &mappingHealth{}
		r.health[mappingID] = h
	}
	return h
}

// BeginAttempt and EndAttempt bracket an in-flight upstream call. The
// leastused strategy ranks by selectionCount, updated in order() at
// selection time, so these only need to make sure a health entry exists for
// the mapping before RecordSuccess/RecordFailure touch it.
func (r *Router) BeginAttempt(mappingID int64) {
	r.healthMu.Lock()
	r.healthFor(mappingID)
	r.healthMu.Unlock()
}

func (r *Router) EndAttempt(mappingID int64) {}

// RecordSuccess resets the mapping's failure counter.
func (r *Router) RecordSuccess(mappingID int64) {
	r.healthMu.Lock()
	h := r.healthFor(mappingID)
	h.consecutiveFailures = 0
	r.healthMu.Unlock()
	r.distributed.recordSuccess(mappingID)
}

// RecordFailure increments the mapping's consecutive-failure counter and,
// once it crosses the threshold, starts a cool-off window. Cancellation
// (model.KindCancelled) must never reach here: the Dispatcher only reports
// failures the Router should react to.
func (r *Router) RecordFailure(mappingID int64) {
	r.healthMu.Lock()
	h := r.healthFor(mappingID)
	h.consecutiveFailures++
	if h.consecutiveFailures >= r.failureThreshold {
		h.coolOffUntil = time.Now().Add(r.coolOff)
	}
	r.healthMu.Unlock()

	if n, ok := r.distributed.incrFailures(mappingID); ok && int(n) >= r.failureThreshold {
		r.distributed.startCoolOff(mappingID, r.coolOff)
	}
}

// ShouldRetry reports whether a failure of the given taxonomy kind justifies
// trying the next candidate.
func ShouldRetry(err *model.ErrorWithStatusCode) bool {
	if err == nil {
		return false
	}
	switch err.Kind {
	case model.KindRateLimited, model.KindUpstream, model.KindTimeout, model.KindCommunication:
		return true
	default:
		return false
	}
}
