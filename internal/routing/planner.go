package routing

import (
	"sort"
	"time"

	"github.com/Latias94/codex-helper/internal/config"
	"github.com/Latias94/codex-helper/internal/lb"
)

// Candidate is one (config, upstream) slot in the attempt order.
type Candidate struct {
	ConfigName    string
	Config        *config.ServiceConfig
	UpstreamIndex int
	Upstream      *config.UpstreamConfig

	// EffectiveModel is the requested model after this upstream's mapping.
	EffectiveModel string

	// Skipped marks an upstream that cannot serve the requested model; it
	// stays in the candidate list so the skip can be traced, but it is never
	// attempted and never enters the upstream chain.
	Skipped bool
}

// Request carries the planner inputs for one client request.
type Request struct {
	Model string

	// PinnedConfig restricts routing to one config (session override wins
	// over global; resolution happens before planning).
	PinnedConfig string
}

// Plan produces the ordered candidate list. The output is a deterministic
// function of the plan snapshot, the LB state snapshot, the request, and now.
func Plan(mgr *config.ServiceManager, states *lb.Table, req Request, retry config.ResolvedRetry, now time.Time) []Candidate {
	configs := scopeConfigs(mgr, req.PinnedConfig)
	if len(configs) == 0 {
		return nil
	}

	type group struct {
		svc        *config.ServiceConfig
		candidates []Candidate
		allCooling bool
		active     bool
	}

	groups := make([]group, 0, len(configs))
	for _, svc := range configs {
		cands, allCooling := expandUpstreams(svc, states, req.Model, retry, now)
		if len(cands) == 0 {
			continue
		}
		groups = append(groups, group{
			svc:        svc,
			candidates: cands,
			allCooling: allCooling,
			active:     mgr.Active == svc.Name,
		})
	}

	// Configs whose every upstream is cooling sink below hot configs so a
	// lower-level config in cooldown hands traffic to the next level until
	// its window elapses. Within a partition: level, then active, then name.
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.allCooling != b.allCooling {
			return !a.allCooling
		}
		if al, bl := a.svc.ClampedLevel(), b.svc.ClampedLevel(); al != bl {
			return al < bl
		}
		if a.active != b.active {
			return a.active
		}
		return a.svc.Name < b.svc.Name
	})

	maxConfigs := retry.Provider.MaxAttempts
	if req.PinnedConfig != "" {
		maxConfigs = 1
	}

	// Configs that cannot serve the model contribute only skip markers and
	// do not consume a provider-layer slot.
	out := make([]Candidate, 0)
	used := 0
	for _, g := range groups {
		usable := false
		for _, cand := range g.candidates {
			if !cand.Skipped {
				usable = true
				break
			}
		}
		if usable && used >= maxConfigs {
			continue
		}
		if usable {
			used++
		}
		out = append(out, g.candidates...)
	}
	return out
}

func scopeConfigs(mgr *config.ServiceManager, pinned string) []*config.ServiceConfig {
	if pinned != "" {
		if svc, ok := mgr.Configs[pinned]; ok {
			return []*config.ServiceConfig{svc}
		}
		// An unknown pinned name falls back to the active config rather
		// than failing the request outright.
		if svc := mgr.ActiveConfig(); svc != nil {
			return []*config.ServiceConfig{svc}
		}
		return nil
	}

	out := make([]*config.ServiceConfig, 0, len(mgr.Configs))
	for _, name := range mgr.SortedNames() {
		svc := mgr.Configs[name]
		if len(svc.Upstreams) == 0 {
			continue
		}
		// A disabled config still participates while it is the active one.
		if !svc.Enabled && mgr.Active != name {
			continue
		}
		out = append(out, svc)
	}
	return out
}

// expandUpstreams orders one config's upstreams and repeats them into attempt
// slots capped at the upstream layer budget. Hot upstreams precede cooling
// ones; cooling upstreams go earliest-recovery first; usage-exhausted
// upstreams sink to the end but stay eligible.
func expandUpstreams(svc *config.ServiceConfig, states *lb.Table, model string, retry config.ResolvedRetry, now time.Time) (slots []Candidate, allCooling bool) {
	snapshot := states.SnapshotConfig(svc.Name)

	type ranked struct {
		cand      Candidate
		exhausted bool
		cooling   bool
		until     time.Time
		index     int
	}

	usable := make([]ranked, 0, len(svc.Upstreams))
	skipped := make([]Candidate, 0)
	for i := range svc.Upstreams {
		up := &svc.Upstreams[i]
		cand := Candidate{
			ConfigName:     svc.Name,
			Config:         svc,
			UpstreamIndex:  i,
			Upstream:       up,
			EffectiveModel: EffectiveModel(up.ModelMapping, model),
		}
		if !ModelSupported(up.SupportedModels, up.ModelMapping, model) {
			cand.Skipped = true
			skipped = append(skipped, cand)
			continue
		}
		st := snapshot[i]
		usable = append(usable, ranked{
			cand:      cand,
			exhausted: st.UsageExhausted,
			cooling:   !st.Hot(now),
			until:     st.CooldownUntil,
			index:     i,
		})
	}
	if len(usable) == 0 {
		return skipped, false
	}

	sort.SliceStable(usable, func(i, j int) bool {
		a, b := usable[i], usable[j]
		if a.exhausted != b.exhausted {
			return !a.exhausted
		}
		if a.cooling != b.cooling {
			return !a.cooling
		}
		if a.cooling && !a.until.Equal(b.until) {
			return a.until.Before(b.until)
		}
		return a.index < b.index
	})

	allCooling = true
	for _, r := range usable {
		if !r.cooling {
			allCooling = false
			break
		}
	}

	// The upstream-layer budget is distributed across the ordered upstreams
	// so every upstream stays reachable within one config visit.
	// same_upstream spends consecutive slots on one upstream before rotating
	// ([U1 U1 U2 U2]); failover interleaves ([U1 U2 U1 U2]).
	maxSlots := retry.Upstream.MaxAttempts
	slots = append(slots, skipped...)
	if retry.Upstream.Strategy == config.StrategySameUpstream {
		base := maxSlots / len(usable)
		extra := maxSlots % len(usable)
		for i, r := range usable {
			repeats := base
			if i < extra {
				repeats++
			}
			for n := 0; n < repeats; n++ {
				slots = append(slots, r.cand)
			}
		}
	} else {
		for n := 0; n < maxSlots; n++ {
			slots = append(slots, usable[n%len(usable)].cand)
		}
	}
	return slots, allCooling
}
