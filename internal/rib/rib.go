// Package rib implements the per-peer Adj-RIB-In and Adj-RIB-Out, and
// the attribute-fingerprint update-batching algorithm that groups
// routes sharing an attribute set into one UPDATE (spec.md §3, §7).
package rib

import (
	"github.com/routebeacon/bgpd/internal/protocol"
)

// Action distinguishes an announcement from a withdrawal.
type Action int

const (
	Announce Action = iota
	Withdraw
)

// Change is a single pending or cached route: an NLRI paired with its
// attribute set (meaningless for Withdraw beyond identifying the NLRI)
// and the action to take.
type Change struct {
	NLRI       protocol.NLRI
	Attributes *protocol.Attributes
	Action     Action
}

// AdjRIBOut is the per-peer, per-family outbound RIB: the set of
// routes currently believed advertised, plus two pending queues (spec
// GLOSSARY "Adj-RIB-Out").
type AdjRIBOut struct {
	cached  map[string]Change // nlri index -> last-known-advertised change
	newQ    map[string]Change // pending first-time announce/withdraw
	refreshQ map[string]Change // pending re-send (route-refresh / mark-for-refresh)

	watchdogs map[string]map[string]bool // watchdog name -> nlri index -> true
}

func NewAdjRIBOut() *AdjRIBOut {
	return &AdjRIBOut{
		cached:    make(map[string]Change),
		newQ:      make(map[string]Change),
		refreshQ:  make(map[string]Change),
		watchdogs: make(map[string]map[string]bool),
	}
}

// InsertAnnouncement idempotently installs an announcement: a pending
// withdrawal for the same NLRI is cancelled, and a pending announce for
// the same NLRI is replaced (spec.md §3 "insert_announcement").
func (r *AdjRIBOut) InsertAnnouncement(c Change) {
	idx := c.NLRI.Index()
	c.Action = Announce
	r.newQ[idx] = c
	if name, ok := c.Attributes.Watchdog(); ok {
		r.trackWatchdog(name, idx)
	}
}

// InsertWithdraw queues a withdrawal; any pending ANNOUNCE for the same
// NLRI is cancelled (spec.md §3 "insert_withdraw").
func (r *AdjRIBOut) InsertWithdraw(n protocol.NLRI) {
	idx := n.Index()
	if _, wasCached := r.cached[idx]; !wasCached {
		if _, wasNew := r.newQ[idx]; wasNew {
			delete(r.newQ, idx)
			return
		}
	}
	r.newQ[idx] = Change{NLRI: n, Action: Withdraw}
}

func (r *AdjRIBOut) trackWatchdog(name, idx string) {
	set, ok := r.watchdogs[name]
	if !ok {
		set = make(map[string]bool)
		r.watchdogs[name] = set
	}
	set[idx] = true
}

// MarkForRefresh copies every cached route into the refresh queue, for
// a ROUTE-REFRESH request or an operator-triggered resend.
func (r *AdjRIBOut) MarkForRefresh() {
	for idx, c := range r.cached {
		r.refreshQ[idx] = c
	}
}

// SetWatchdog withdraws (down=true) or re-announces (down=false) every
// route tagged with the named watchdog.
func (r *AdjRIBOut) SetWatchdog(name string, down bool) {
	set, ok := r.watchdogs[name]
	if !ok {
		return
	}
	for idx := range set {
		if down {
			if c, cached := r.cached[idx]; cached {
				r.newQ[idx] = Change{NLRI: c.NLRI, Action: Withdraw}
			}
		} else {
			if c, cached := r.cached[idx]; cached {
				c.Action = Announce
				r.newQ[idx] = c
			}
		}
	}
}

// Group is one attribute-fingerprint-coalesced batch ready to pack into
// a single UPDATE.
type Group struct {
	Action     Action
	Attributes *protocol.Attributes
	Family     protocol.Family
	NLRIs      []protocol.NLRI
}

// Drain clears the new and refresh queues, returning their contents
// grouped by (action, family, attribute-fingerprint) when group is
// true, or one Group per Change when group is false (spec.md §3
// "updates(group)"). It updates the cached set so a subsequent Drain
// call only sees genuinely new changes.
func (r *AdjRIBOut) Drain(group bool) []Group {
	pending := make([]Change, 0, len(r.newQ)+len(r.refreshQ))
	for _, c := range r.newQ {
		pending = append(pending, c)
	}
	for idx, c := range r.refreshQ {
		if _, alreadyPending := r.newQ[idx]; !alreadyPending {
			pending = append(pending, c)
		}
	}
	r.newQ = make(map[string]Change)
	r.refreshQ = make(map[string]Change)

	for _, c := range pending {
		idx := c.NLRI.Index()
		if c.Action == Withdraw {
			delete(r.cached, idx)
		} else {
			r.cached[idx] = c
		}
	}

	if !group {
		out := make([]Group, 0, len(pending))
		for _, c := range pending {
			g := Group{Action: c.Action, Family: c.NLRI.Family(), NLRIs: []protocol.NLRI{c.NLRI}}
			if c.Action == Announce {
				g.Attributes = c.Attributes
			}
			out = append(out, g)
		}
		return out
	}

	type key struct {
		action      Action
		family      protocol.Family
		fingerprint string
	}
	groups := make(map[key]*Group)
	var order []key
	for _, c := range pending {
		fp := ""
		if c.Action == Announce {
			fp = c.Attributes.Fingerprint()
		}
		k := key{action: c.Action, family: c.NLRI.Family(), fingerprint: fp}
		g, ok := groups[k]
		if !ok {
			g = &Group{Action: c.Action, Family: c.NLRI.Family()}
			if c.Action == Announce {
				g.Attributes = c.Attributes
			}
			groups[k] = g
			order = append(order, k)
		}
		g.NLRIs = append(g.NLRIs, c.NLRI)
	}
	out := make([]Group, 0, len(order))
	for _, k := range order {
		out = append(out, *groups[k])
	}
	return out
}

// Pending reports whether Drain would currently yield anything.
func (r *AdjRIBOut) Pending() bool {
	return len(r.newQ) > 0 || len(r.refreshQ) > 0
}

// AdjRIBIn is the optional, per-peer-per-family inbound mirror used for
// operational inspection only (spec GLOSSARY "Adj-RIB-In" — "not
// consulted for forwarding").
type AdjRIBIn struct {
	routes map[protocol.Family]map[string]adjInEntry
	enabled bool
}

type adjInEntry struct {
	nlri  protocol.NLRI
	attrs *protocol.Attributes
	stale bool
}

func NewAdjRIBIn(enabled bool) *AdjRIBIn {
	return &AdjRIBIn{routes: make(map[protocol.Family]map[string]adjInEntry), enabled: enabled}
}

func (r *AdjRIBIn) Enabled() bool { return r.enabled }

func (r *AdjRIBIn) Update(f protocol.Family, n protocol.NLRI, attrs *protocol.Attributes) {
	if !r.enabled {
		return
	}
	fam, ok := r.routes[f]
	if !ok {
		fam = make(map[string]adjInEntry)
		r.routes[f] = fam
	}
	fam[n.Index()] = adjInEntry{nlri: n, attrs: attrs}
}

func (r *AdjRIBIn) Withdraw(f protocol.Family, n protocol.NLRI) {
	if !r.enabled {
		return
	}
	if fam, ok := r.routes[f]; ok {
		delete(fam, n.Index())
	}
}

// MarkStale flags every route in a family as stale, ahead of a
// graceful-restart re-convergence (spec.md §5 "Graceful restart").
func (r *AdjRIBIn) MarkStale(f protocol.Family) {
	if fam, ok := r.routes[f]; ok {
		for idx, e := range fam {
			e.stale = true
			fam[idx] = e
		}
	}
}

// EvictStale removes every still-stale route in a family once its
// End-of-RIB marker (or the GR timer) has arrived.
func (r *AdjRIBIn) EvictStale(f protocol.Family) {
	fam, ok := r.routes[f]
	if !ok {
		return
	}
	for idx, e := range fam {
		if e.stale {
			delete(fam, idx)
		}
	}
}

func (r *AdjRIBIn) ClearStale(f protocol.Family, idx string) {
	if fam, ok := r.routes[f]; ok {
		if e, ok := fam[idx]; ok {
			e.stale = false
			fam[idx] = e
		}
	}
}

func (r *AdjRIBIn) Count(f protocol.Family) int {
	return len(r.routes[f])
}
