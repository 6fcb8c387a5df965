// Package pool tracks per-provider runtime state (cooldown, last error,
// probe results) and ranks providers for a requested model. State is
// process-local and advisory: a stale read only defers eligibility by one
// request, so readers never take a global lock.
package pool

import (
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/config"
)

// Matcher decides whether a provider serves a model and resolves aliases.
// Implemented by the model resolver; injected to keep discovery I/O out
// of this package.
type Matcher interface {
	// Match returns the effective model id the provider should receive
	// and whether the provider supports the requested model at all.
	Match(p *config.Provider, model string) (effective string, ok bool)
}

// Candidate is one provider selected for a caller request.
type Candidate struct {
	Provider *config.Provider

	// Effective is the model id after alias resolution; equal to the
	// requested model for non-alias matches.
	Effective string
}

// RuntimeState is a point-in-time copy of a provider's mutable state,
// read by the admin and health surfaces.
type RuntimeState struct {
	CooldownUntil   time.Time
	LastError       string
	LastTestLatency time.Duration
	LastTestTime    time.Time
}

// CoolingDown reports whether the provider is skipped at time t.
func (r RuntimeState) CoolingDown(t time.Time) bool {
	return r.CooldownUntil.After(t)
}

// entry is the mutable record for one provider. Mutations lock the entry,
// never the pool.
type entry struct {
	mu sync.Mutex

	fingerprint     string
	cooldownUntil   time.Time
	lastError       string
	lastTestLatency time.Duration
	lastTestTime    time.Time
}

// Pool is safe for concurrent use.
type Pool struct {
	matcher Matcher
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

func New(matcher Matcher, logger *slog.Logger) *Pool {
	return &Pool{
		matcher: matcher,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Candidates returns the providers eligible for model, best first:
// filtered by enabled + cooldown + model support, grouped by priority
// descending, shuffled uniformly within each priority group so
// equal-priority upstreams share load.
func (p *Pool) Candidates(snap *config.Snapshot, model string) []Candidate {
	if model == "" {
		return nil
	}
	now := time.Now()
	var cands []Candidate
	for i := range snap.Doc.Providers {
		pr := &snap.Doc.Providers[i]
		if !pr.Enabled {
			continue
		}
		if p.State(pr.Name).CoolingDown(now) {
			continue
		}
		eff, ok := p.matcher.Match(pr, model)
		if !ok {
			continue
		}
		cands = append(cands, Candidate{Provider: pr, Effective: eff})
	}

	// Shuffle first, then a stable sort by priority: the result is a
	// fresh uniform permutation within every priority group.
	rand.Shuffle(len(cands), func(i, j int) {
		cands[i], cands[j] = cands[j], cands[i]
	})
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].Provider.Priority > cands[j].Provider.Priority
	})
	return cands
}

// MarkSuccess records a successful attempt: the error is cleared, the
// cooldown is lifted, and the latency is kept for the admin view.
func (p *Pool) MarkSuccess(name string, latency time.Duration) {
	e := p.get(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastError = ""
	e.cooldownUntil = time.Time{}
	e.lastTestLatency = latency
	e.lastTestTime = time.Now()
}

// MarkFailure puts the provider into cooldown for the given period and
// records the failure reason. The cooldown deadline only ever moves
// forward; a concurrent later failure cannot be shortened by an earlier
// one. A zero period records the error without cooling down.
func (p *Pool) MarkFailure(name, reason string, period time.Duration) {
	e := p.get(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastError = reason
	if period <= 0 {
		return
	}
	until := time.Now().Add(period)
	if until.After(e.cooldownUntil) {
		e.cooldownUntil = until
	}
	p.logger.Warn("provider cooling down", "provider", name, "reason", reason, "until", until.Format(time.RFC3339))
}

// Reset clears the cooldown and error unconditionally (admin action).
func (p *Pool) Reset(name string) {
	e := p.get(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cooldownUntil = time.Time{}
	e.lastError = ""
}

// RecordProbe stores the result of an admin connectivity test.
func (p *Pool) RecordProbe(name string, latency time.Duration, err error) {
	e := p.get(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastTestLatency = latency
	e.lastTestTime = time.Now()
	if err != nil {
		e.lastError = err.Error()
	} else {
		e.lastError = ""
	}
}

// State returns a copy of the provider's runtime record.
func (p *Pool) State(name string) RuntimeState {
	e := p.get(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	return RuntimeState{
		CooldownUntil:   e.cooldownUntil,
		LastError:       e.lastError,
		LastTestLatency: e.lastTestLatency,
		LastTestTime:    e.lastTestTime,
	}
}

// Sync reconciles runtime state with a new snapshot: entries for removed
// providers are dropped, and entries whose configuration changed are
// reset so stale cooldowns and probe data do not outlive the config that
// produced them.
func (p *Pool) Sync(snap *config.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keep := make(map[string]bool, len(snap.Doc.Providers))
	for i := range snap.Doc.Providers {
		pr := &snap.Doc.Providers[i]
		keep[pr.Name] = true
		fp := pr.Fingerprint()
		if e, ok := p.entries[pr.Name]; ok {
			e.mu.Lock()
			if e.fingerprint != fp {
				e.fingerprint = fp
				e.cooldownUntil = time.Time{}
				e.lastError = ""
				e.lastTestLatency = 0
				e.lastTestTime = time.Time{}
			}
			e.mu.Unlock()
		} else {
			p.entries[pr.Name] = &entry{fingerprint: fp}
		}
	}
	for name := range p.entries {
		if !keep[name] {
			delete(p.entries, name)
		}
	}
}

func (p *Pool) get(name string) *entry {
	p.mu.RLock()
	e, ok := p.entries[name]
	p.mu.RUnlock()
	if ok {
		return e
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[name]; ok {
		return e
	}
	e = &entry{}
	p.entries[name] = e
	return e
}
