package engine

import "sort"

const noWhitelist int32 = -1

type edge struct {
	c    byte
	next int32
}

type trieNode struct {
	children   []edge // sorted by c
	terminator bool
	// whitelist is set only on property nodes of an EntityWhitelist.
	whitelist int32
}

// PatternTrie is a byte trie over reversed domains.
// Nodes live in one arena slice and reference each other by index, the root is
// node 0. The trie is never pruned.
type PatternTrie struct {
	nodes    []trieNode
	patterns int
}

func NewPatternTrie() *PatternTrie {
	return &PatternTrie{
		nodes: []trieNode{{whitelist: noWhitelist}},
	}
}

func (t *PatternTrie) child(n int32, c byte) (int32, bool) {
	edges := t.nodes[n].children
	i := sort.Search(len(edges), func(i int) bool { return edges[i].c >= c })
	if i < len(edges) && edges[i].c == c {
		return edges[i].next, true
	}
	return 0, false
}

func (t *PatternTrie) addChild(n int32, c byte) int32 {
	next := int32(len(t.nodes))
	t.nodes = append(t.nodes, trieNode{whitelist: noWhitelist})

	edges := t.nodes[n].children
	i := sort.Search(len(edges), func(i int) bool { return edges[i].c >= c })
	edges = append(edges, edge{})
	copy(edges[i+1:], edges[i:])
	edges[i] = edge{c: c, next: next}
	t.nodes[n].children = edges
	return next
}

// Insert walks rd creating nodes as needed and marks the last node as a
// terminator. It returns the index of that node. An empty rd is ignored and
// returns -1.
func (t *PatternTrie) Insert(rd ReverseDomain) int32 {
	if rd.Len() == 0 {
		return -1
	}

	var node int32
	for i := 0; i < rd.Len(); i++ {
		c := rd.At(i)
		next, ok := t.child(node, c)
		if !ok {
			next = t.addChild(node, c)
		}
		node = next
	}

	if !t.nodes[node].terminator {
		t.nodes[node].terminator = true
		t.patterns++
	}
	return node
}

// Put inserts a plain domain pattern such as "bar.com".
func (t *PatternTrie) Put(pattern string) {
	t.Insert(NewReverseDomain(pattern))
}

// FindNode returns the terminator node that matches rd.
//
// A terminator only counts when it lands on a label boundary: either the input
// is used up or the next byte is a '.'. So "bar.com" matches "bar.com" and
// "foo.bar.com" but not "notbar.com". The shortest stored suffix wins.
func (t *PatternTrie) FindNode(rd ReverseDomain) (int32, bool) {
	var node int32
	for i := 0; ; i++ {
		if t.nodes[node].terminator && node != 0 {
			if i == rd.Len() || rd.At(i) == '.' {
				return node, true
			}
		}
		if i == rd.Len() {
			return 0, false
		}

		next, ok := t.child(node, rd.At(i))
		if !ok {
			return 0, false
		}
		node = next
	}
}

// FindMatch reports whether any stored pattern is a label-aligned suffix of
// the host behind rd.
func (t *PatternTrie) FindMatch(rd ReverseDomain) bool {
	_, ok := t.FindNode(rd)
	return ok
}

// Len returns the number of distinct patterns.
func (t *PatternTrie) Len() int { return t.patterns }

// Nodes returns the arena size.
func (t *PatternTrie) Nodes() int { return len(t.nodes) }

// walk calls fn for every stored pattern in walk order (reversed).
func (t *PatternTrie) walk(fn func(rev []byte)) {
	var rec func(n int32, buf []byte)
	rec = func(n int32, buf []byte) {
		if t.nodes[n].terminator {
			fn(buf)
		}
		for _, e := range t.nodes[n].children {
			rec(e.next, append(buf, e.c))
		}
	}
	rec(0, nil)
}
