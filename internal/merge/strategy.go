package merge

// Policy identifies a conflict resolution policy. Policies form a small
// closed set so that merge behavior stays auditable: given a strategy,
// every possible conflict outcome can be enumerated and tested.
type Policy int

const (
	// PolicyRetainBoth keeps both concurrent values as sibling merge
	// nodes, ordered by origin node id. It is the zero value and the
	// safe default when no resolver is supplied: neither side is ever
	// silently dropped.
	PolicyRetainBoth Policy = iota
	// PolicyLastWriterWins keeps the value whose origin node id sorts
	// lexicographically last.
	PolicyLastWriterWins
	// PolicySum resolves by adding the two values (numeric types only,
	// see Sum).
	PolicySum
	// PolicyCustom resolves through a caller-supplied function.
	PolicyCustom
)

// String returns the string representation of a Policy.
func (p Policy) String() string {
	switch p {
	case PolicyRetainBoth:
		return "RETAIN_BOTH"
	case PolicyLastWriterWins:
		return "LAST_WRITER_WINS"
	case PolicySum:
		return "SUM"
	case PolicyCustom:
		return "CUSTOM"
	default:
		return "UNKNOWN"
	}
}

// Strategy bundles the caller-supplied conflict semantics for a merge.
// The engine has no opinion on what a conflict means: ConflictsWith
// decides whether two concurrent values touch the same logical entity,
// and the policy decides what to do about it.
type Strategy[T any] struct {
	// Policy selects the resolution behavior for detected conflicts.
	Policy Policy

	// ConflictsWith reports whether two values affect the same logical
	// entity. A nil predicate means no pair ever conflicts: concurrent
	// values are then simply interleaved.
	ConflictsWith func(a, b T) bool

	// Resolve combines two conflicting values into one. Consulted only
	// for PolicySum (installed by Sum) and PolicyCustom. The engine
	// always passes arguments in canonical order (smaller origin node
	// id first), so resolution is independent of merge direction.
	Resolve func(a, b T) T
}

// Number covers the built-in numeric types usable with Sum.
type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// RetainBoth returns the default strategy: conflicts detected by
// conflictsWith are kept as sibling merge nodes and surfaced as an
// ErrConflictUnresolved warning.
func RetainBoth[T any](conflictsWith func(a, b T) bool) Strategy[T] {
	return Strategy[T]{
		Policy:        PolicyRetainBoth,
		ConflictsWith: conflictsWith,
	}
}

// LastWriterWins returns a strategy that resolves conflicts by keeping
// the value from the origin node whose id sorts last.
func LastWriterWins[T any](conflictsWith func(a, b T) bool) Strategy[T] {
	return Strategy[T]{
		Policy:        PolicyLastWriterWins,
		ConflictsWith: conflictsWith,
	}
}

// Sum returns a strategy that resolves conflicts by adding the two
// values, e.g. two concurrent counter increments.
func Sum[T Number](conflictsWith func(a, b T) bool) Strategy[T] {
	return Strategy[T]{
		Policy:        PolicySum,
		ConflictsWith: conflictsWith,
		Resolve:       func(a, b T) T { return a + b },
	}
}

// Custom returns a strategy with caller-supplied conflict detection and
// resolution. A nil resolve falls back to the retain-both behavior.
func Custom[T any](conflictsWith func(a, b T) bool, resolve func(a, b T) T) Strategy[T] {
	return Strategy[T]{
		Policy:        PolicyCustom,
		ConflictsWith: conflictsWith,
		Resolve:       resolve,
	}
}

// resolvable reports whether the strategy can produce a single merged
// value for a conflict.
func (s Strategy[T]) resolvable() bool {
	switch s.Policy {
	case PolicyLastWriterWins:
		return true
	case PolicySum, PolicyCustom:
		return s.Resolve != nil
	default:
		return false
	}
}
