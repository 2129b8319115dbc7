package security

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// OriginPolicy decides which cross-site origins may call the services of a
// group. Same-origin requests are always accepted and never consult the
// policy. The policy contributes to the group fingerprint, so two services
// share a group only when their policies are identical.
type OriginPolicy interface {
	// Allows reports whether the given origin (scheme://host[:port]) may
	// make cross-site calls.
	Allows(origin string) bool

	// fingerprint identifies the policy inside a group fingerprint.
	fingerprint() string
}

// AllOrigins returns a policy that accepts every origin.
func AllOrigins() OriginPolicy { return allOrigins{} }

type allOrigins struct{}

func (allOrigins) Allows(string) bool  { return true }
func (allOrigins) fingerprint() string { return "all" }

// Origins returns a policy that accepts exactly the listed origins. Origins
// are compared case-insensitively; the order of the list does not matter.
func Origins(origins ...string) OriginPolicy {
	list := make(originList, len(origins))
	for i, o := range origins {
		list[i] = normalizeOrigin(o)
	}
	sort.Strings(list)
	return list
}

type originList []string

func (l originList) Allows(origin string) bool {
	origin = normalizeOrigin(origin)
	for _, o := range l {
		if o == origin {
			return true
		}
	}
	return false
}

func (l originList) fingerprint() string { return "list:" + strings.Join(l, ",") }

var predicateSeq atomic.Uint64

// OriginFunc wraps a predicate into a policy. Predicates are compared by
// identity: every OriginFunc call yields a distinct policy, so two services
// share a group only when they share the same policy value.
func OriginFunc(fn func(origin string) bool) OriginPolicy {
	return &originPredicate{fn: fn, id: predicateSeq.Add(1)}
}

type originPredicate struct {
	fn func(string) bool
	id uint64
}

func (p *originPredicate) Allows(origin string) bool { return p.fn(origin) }
func (p *originPredicate) fingerprint() string       { return fmt.Sprintf("fn:%d", p.id) }

// normalizeOrigin lowercases an origin and strips a trailing slash.
func normalizeOrigin(o string) string {
	return strings.ToLower(strings.TrimSuffix(o, "/"))
}
