package merge

import (
	"errors"
	"fmt"
	"sort"

	"expchain/internal/chain"
	"expchain/internal/clock"
)

var (
	// ErrTemporalParadox is returned when a remote chain claims local
	// history the receiver never produced: its clock component for the
	// receiving node exceeds the receiver's own. The merge is aborted
	// and local state is untouched; the caller must investigate
	// (possible clock corruption or replay attack).
	ErrTemporalParadox = errors.New("temporal paradox: remote clock claims unproduced local history")

	// ErrConflictUnresolved signals that one or more conflicts had no
	// resolver and both sides were retained as sibling merge nodes. It
	// is a warning: the merged head returned alongside it is valid.
	ErrConflictUnresolved = errors.New("conflict retained unresolved")
)

// Conflict is a pair of concurrent experiences that the caller's
// predicate says affect the same logical entity. A holds the experience
// from the first (local) chain, B from the second (remote) chain.
type Conflict[T any] struct {
	A *chain.Experience[T]
	B *chain.Experience[T]
}

// Report summarizes what a merge did.
type Report struct {
	// Conflicts is the number of true concurrent-and-overlapping pairs.
	Conflicts int
	// Resolved counts conflicts combined into a single merge node.
	Resolved int
	// Unresolved counts conflicts retained as sibling merge nodes.
	Unresolved int
	// ResolveCalls counts invocations of the strategy's Resolve
	// function; exactly one per resolved conflict.
	ResolveCalls int
}

// Merge combines two chains representing divergent histories into one
// chain that contains every experience from both inputs, preserves
// causal order, and resolves true conflicts deterministically through
// the supplied strategy. localNodeID is the node performing the merge;
// merge nodes advance its clock component.
//
// Merging with an empty chain is the identity. A remote chain that is
// causally impossible for this receiver yields ErrTemporalParadox and
// leaves the local chain untouched.
func Merge[T any](local, remote *chain.Experience[T], localNodeID string, strat Strategy[T]) (*chain.Experience[T], Report, error) {
	var rep Report

	if localNodeID == "" || localNodeID == chain.MergeNodeID {
		return nil, rep, fmt.Errorf("invalid merging node id %q", localNodeID)
	}
	if err := validateChain(local); err != nil {
		return nil, rep, fmt.Errorf("local chain: %w", err)
	}
	if err := validateChain(remote); err != nil {
		return nil, rep, fmt.Errorf("remote chain: %w", err)
	}

	if remote == nil {
		return local, rep, nil
	}

	// A remote component for our own id beyond our own progress can
	// only mean corruption or replay: we never produced that history.
	localProgress := maxComponent(local, localNodeID)
	if claim := maxComponent(remote, localNodeID); claim > localProgress {
		return nil, rep, fmt.Errorf("%w: remote claims %s=%d, local progress is %d",
			ErrTemporalParadox, localNodeID, claim, localProgress)
	}

	if local == nil {
		return remote, rep, nil
	}

	ancestor := FindCommonAncestor(local, remote)
	uniqueL := ExtractSince(local, ancestor)
	uniqueR := ExtractSince(remote, ancestor)

	conflicts := DetectConflicts(uniqueL, uniqueR, strat.ConflictsWith)
	rep.Conflicts = len(conflicts)

	inConflict := make(map[string]bool)
	for _, c := range conflicts {
		inConflict[c.A.Key()] = true
		inConflict[c.B.Key()] = true
	}

	// Non-conflicting remainder: deduplicated union of both segments,
	// linearized consistently with the causal partial order.
	head := ancestor
	for _, e := range interleave(uniqueL, uniqueR, inConflict) {
		head = chain.FromParts(head, e.Value(), e.Context(), e.NodeID(), e.Clock())
	}

	// Conflicts become merge nodes on top, each advancing the merging
	// node's own clock component past everything seen so far.
	counter := localProgress

	for _, c := range sortConflicts(conflicts) {
		merged := clock.Merge(c.A.Clock(), c.B.Clock())
		counter++
		merged.Set(localNodeID, counter)

		if strat.resolvable() {
			value := resolveValue(c, strat, &rep)
			context := fmt.Sprintf("merge(%s|%s)", c.A.Context(), c.B.Context())
			head = chain.FromParts(head, value, context, chain.MergeNodeID, merged)
			rep.Resolved++
			continue
		}

		// No resolver: retain both sides as siblings, smaller origin
		// node id first, so nothing is silently dropped.
		first, second := c.A, c.B
		if byOrigin(second, first) {
			first, second = second, first
		}
		head = chain.FromParts(head, first.Value(), first.Context(), chain.MergeNodeID, merged)
		counter++
		sibling := merged.Copy()
		sibling.Set(localNodeID, counter)
		head = chain.FromParts(head, second.Value(), second.Context(), chain.MergeNodeID, sibling)
		rep.Unresolved++
	}

	var err error
	if rep.Unresolved > 0 {
		err = fmt.Errorf("%w: %d of %d conflicts", ErrConflictUnresolved, rep.Unresolved, rep.Conflicts)
	}
	return head, rep, err
}

// FindCommonAncestor returns the most causally-recent experience shared
// by both chains, or nil when the chains share nothing but the empty
// root. Experiences are compared by Key (origin, clock, context), not
// by object identity, so chains that were serialized or rebuilt by
// earlier merges still recognize their shared history.
func FindCommonAncestor[T any](a, b *chain.Experience[T]) *chain.Experience[T] {
	if a == nil || b == nil {
		return nil
	}

	inA := make(map[string]*chain.Experience[T])
	for cur := a; cur != nil; cur = cur.Previous() {
		if _, seen := inA[cur.Key()]; !seen {
			inA[cur.Key()] = cur
		}
	}

	var best *chain.Experience[T]
	for cur := b; cur != nil; cur = cur.Previous() {
		mate, ok := inA[cur.Key()]
		if !ok {
			continue
		}
		// Prefer the object with the longer lineage so no history
		// below the shared point is lost.
		candidate := mate
		if cur.Depth() > mate.Depth() {
			candidate = cur
		}
		if best == nil || better(candidate, best) {
			best = candidate
		}
	}
	return best
}

// better reports whether candidate should replace best as the common
// ancestor: causally later wins, concurrent ties break by the
// deterministic linearization key.
func better[T any](candidate, best *chain.Experience[T]) bool {
	switch candidate.Clock().Compare(best.Clock()) {
	case clock.After:
		return true
	case clock.Before, clock.Equal:
		return false
	default:
		return linearKey(candidate) > linearKey(best)
	}
}

// ExtractSince returns the experiences in the chain strictly after the
// ancestor, oldest first. A nil ancestor yields the whole chain.
func ExtractSince[T any](head, ancestor *chain.Experience[T]) []*chain.Experience[T] {
	target := ancestor.Key()

	var segment []*chain.Experience[T]
	for cur := head; cur != nil; cur = cur.Previous() {
		if ancestor != nil && cur.Key() == target {
			break
		}
		segment = append(segment, cur)
	}

	for i, j := 0, len(segment)-1; i < j; i, j = i+1, j-1 {
		segment[i], segment[j] = segment[j], segment[i]
	}
	return segment
}

// DetectConflicts records every pair (x in uniqueA, y in uniqueB) whose
// clocks are concurrent and whose values the caller's predicate says
// touch the same logical entity. A nil predicate detects nothing.
// Merge nodes that two peers produced independently for the same
// underlying conflict are recognized as one causal event, never as a
// fresh conflict, so exchanging heads after both sides resolved does
// not resolve again.
func DetectConflicts[T any](uniqueA, uniqueB []*chain.Experience[T], conflictsWith func(a, b T) bool) []Conflict[T] {
	if conflictsWith == nil {
		return nil
	}

	var conflicts []Conflict[T]
	for _, x := range uniqueA {
		for _, y := range uniqueB {
			if x.Key() == y.Key() {
				// Same causal event seen through both chains.
				continue
			}
			if sameResolution(x, y) {
				continue
			}
			if x.Clock().IsConcurrent(y.Clock()) && conflictsWith(x.Value(), y.Value()) {
				conflicts = append(conflicts, Conflict[T]{A: x, B: y})
			}
		}
	}
	return conflicts
}

// sameResolution reports whether x and y are merge nodes two different
// nodes produced independently for the same underlying conflict. Both
// sides of such a pair start from the same merged base clock and add
// only their own merging-node tick, so each clock exceeds the
// component-wise minimum of the two in exactly one component, by the
// same amount, under the same context. Conflicts are detected and
// resolved in canonical order with deterministic strategies, so the two
// records carry the same value and are interchangeable.
func sameResolution[T any](x, y *chain.Experience[T]) bool {
	if x.NodeID() != chain.MergeNodeID || y.NodeID() != chain.MergeNodeID {
		return false
	}
	if x.Context() != y.Context() {
		return false
	}
	xc, yc := x.Clock(), y.Clock()
	xn, xd := excessOverMin(xc, yc)
	yn, yd := excessOverMin(yc, xc)
	return xn == 1 && yn == 1 && xd == yd
}

// excessOverMin returns how many components of a exceed the
// component-wise minimum of a and b, and by how much in total.
func excessOverMin(a, b clock.VectorClock) (components int, excess uint64) {
	for nodeID, av := range a {
		if bv := b.Get(nodeID); av > bv {
			components++
			excess += av - bv
		}
	}
	return components, excess
}

// resolveValue produces the single merged value for a conflict, feeding
// the resolver its arguments in canonical order so that resolution does
// not depend on which chain arrived first.
func resolveValue[T any](c Conflict[T], strat Strategy[T], rep *Report) T {
	first, second := c.A, c.B
	if byOrigin(second, first) {
		first, second = second, first
	}

	if strat.Policy == PolicyLastWriterWins {
		return second.Value()
	}
	rep.ResolveCalls++
	return strat.Resolve(first.Value(), second.Value())
}

// interleave merges both unique segments into one deterministic
// sequence: duplicates (by Key) and conflict members are dropped,
// independent resolutions of the same conflict collapse to a single
// representative, and the rest is ordered by a linear extension of the
// causal partial order with ties broken by origin node id, context,
// then clock.
func interleave[T any](uniqueA, uniqueB []*chain.Experience[T], exclude map[string]bool) []*chain.Experience[T] {
	seen := make(map[string]bool)
	var combined []*chain.Experience[T]
	for _, seg := range [][]*chain.Experience[T]{uniqueA, uniqueB} {
		for _, e := range seg {
			key := e.Key()
			if seen[key] || exclude[key] {
				continue
			}
			seen[key] = true
			combined = append(combined, e)
		}
	}

	// Keep one record per resolution. The representative is chosen by
	// smallest linear key, a function of the combined set only, so
	// every node collapses to the same record and chains converge.
	var kept []*chain.Experience[T]
	for _, e := range combined {
		replaced := false
		for i, k := range kept {
			if sameResolution(e, k) {
				if linearKey(e) < linearKey(k) {
					kept[i] = e
				}
				replaced = true
				break
			}
		}
		if !replaced {
			kept = append(kept, e)
		}
	}

	sort.Slice(kept, func(i, j int) bool {
		return linearKey(kept[i]) < linearKey(kept[j])
	})
	return kept
}

// linearKey is a total-order key consistent with causality: if x
// happened before y then x's clock sum is strictly smaller, so sorting
// by (sum, nodeId, context, clock) never reorders causally related
// events. The clock string makes the key unique per causal event, so
// sorting never depends on input order.
func linearKey[T any](e *chain.Experience[T]) string {
	return fmt.Sprintf("%020d|%s|%s|%s", e.Clock().Sum(), e.NodeID(), e.Context(), e.Clock().String())
}

// byOrigin orders experiences by origin node id, then context; the
// deterministic tie-break used for conflict pairs.
func byOrigin[T any](a, b *chain.Experience[T]) bool {
	if a.NodeID() != b.NodeID() {
		return a.NodeID() < b.NodeID()
	}
	return a.Context() < b.Context()
}

// sortConflicts orders conflict pairs deterministically so merge nodes
// are emitted in the same order regardless of detection order.
func sortConflicts[T any](conflicts []Conflict[T]) []Conflict[T] {
	ordered := make([]Conflict[T], len(conflicts))
	copy(ordered, conflicts)

	// Canonicalize each pair first: A is the side with the smaller
	// origin, no matter which chain it came from.
	for i, c := range ordered {
		if byOrigin(c.B, c.A) {
			ordered[i] = Conflict[T]{A: c.B, B: c.A}
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].A.Key() != ordered[j].A.Key() {
			return ordered[i].A.Key() < ordered[j].A.Key()
		}
		return ordered[i].B.Key() < ordered[j].B.Key()
	})
	return ordered
}

// maxComponent returns the largest counter for nodeID anywhere in the
// chain. After interleaving, a head's clock does not necessarily
// dominate every interior experience, so progress checks must scan the
// whole lineage.
func maxComponent[T any](head *chain.Experience[T], nodeID string) uint64 {
	var max uint64
	for cur := head; cur != nil; cur = cur.Previous() {
		if c := cur.Clock().Get(nodeID); c > max {
			max = c
		}
	}
	return max
}

// validateChain walks the chain guarding against cycles. Chains built
// through this module cannot cycle, so a hit means a corrupted decode.
func validateChain[T any](head *chain.Experience[T]) error {
	seen := make(map[*chain.Experience[T]]bool)
	for cur := head; cur != nil; cur = cur.Previous() {
		if seen[cur] {
			return fmt.Errorf("%w: cycle detected at %s", chain.ErrMalformedChain, cur.Key())
		}
		seen[cur] = true
	}
	return nil
}
