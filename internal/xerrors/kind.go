package xerrors

import "errors"

// Kind classifies a failure for propagation and exit-code policy.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransport: the server was unreachable or answered 5xx/429. Retryable.
	KindTransport
	// KindConflict: the resource is locked by an in-flight task.
	KindConflict
	// KindIntegrity: checksum, signature or package verification failed. Never repaired.
	KindIntegrity
	// KindGap: dataset lineage does not match local history.
	KindGap
	// KindPartial: some resources in a run failed or were skipped.
	KindPartial
	// KindAborted: the operator declined to continue.
	KindAborted
	// KindNothingToDo: no resource could be resolved for the run.
	KindNothingToDo
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindConflict:
		return "conflict"
	case KindIntegrity:
		return "integrity"
	case KindGap:
		return "gap"
	case KindPartial:
		return "partial"
	case KindAborted:
		return "aborted"
	case KindNothingToDo:
		return "nothing_to_do"
	default:
		return "unknown"
	}
}

type kinded struct {
	err  error
	kind Kind
}

func (k *kinded) Error() string     { return k.err.Error() }
func (k *kinded) Unwrap() error     { return k.err }
func (k *kinded) Kind() Kind        { return k.kind }

// Mark tags err with kind. The outermost mark wins in KindOf.
func Mark(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &kinded{err: err, kind: kind}
}

// KindOf returns the first kind found walking the wrap chain.
func KindOf(err error) Kind {
	var k interface{ Kind() Kind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// Is reports whether err carries kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if k, ok := e.(interface{ Kind() Kind }); ok && k.Kind() == kind {
			return true
		}
	}
	return false
}

// Retryable reports whether err is a transport failure.
func Retryable(err error) bool { return Is(err, KindTransport) }
