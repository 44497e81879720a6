package engine

import "strings"

// ReverseDomain is a read-only view over a host name that can be walked from
// the TLD end toward the front without copying: "ads.bad.com" is seen as
// 'm', 'o', 'c', '.', 'd', 'a', 'b', ...
type ReverseDomain struct {
	s        string
	off      int
	n        int
	reversed bool
}

// NewReverseDomain lower-cases host, trims a trailing root dot and returns a
// reversed view over it.
func NewReverseDomain(host string) ReverseDomain {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	return ReverseDomain{s: host, n: len(host), reversed: true}
}

// Forward returns a view that walks s front to back. It is used for input that
// is already stored reversed.
func Forward(s string) ReverseDomain {
	return ReverseDomain{s: s, n: len(s)}
}

func (r ReverseDomain) Len() int { return r.n }

// At returns the i-th byte in walk order.
func (r ReverseDomain) At(i int) byte {
	if r.reversed {
		return r.s[r.off+r.n-1-i]
	}
	return r.s[r.off+i]
}

// Slice drops the first from bytes of the walk.
func (r ReverseDomain) Slice(from int) ReverseDomain {
	if from >= r.n {
		return ReverseDomain{s: r.s, reversed: r.reversed}
	}
	if r.reversed {
		r.n -= from
		return r
	}
	r.off += from
	r.n -= from
	return r
}

// String materializes the view in walk order.
func (r ReverseDomain) String() string {
	if !r.reversed {
		return r.s[r.off : r.off+r.n]
	}
	var b strings.Builder
	b.Grow(r.n)
	for i := 0; i < r.n; i++ {
		b.WriteByte(r.At(i))
	}
	return b.String()
}
