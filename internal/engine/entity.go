package engine

// Entity groups the domains one organization owns (Properties) with the
// domains it serves resources from (Resources). A page on any property may
// load from any of the resources without being blocked.
type Entity struct {
	Name       string
	Properties []string
	Resources  []string
}

type EntityTable []Entity

// EntityWhitelist maps page hosts to the resource domains their entity is
// allowed to load. Property terminators in props carry a handle into
// resources. It is read-only once built.
type EntityWhitelist struct {
	props     *PatternTrie
	resources []*PatternTrie
	entities  int
}

func NewEntityWhitelist(table EntityTable) *EntityWhitelist {
	w := &EntityWhitelist{props: NewPatternTrie()}

	for _, e := range table {
		if len(e.Properties) == 0 || len(e.Resources) == 0 {
			continue
		}
		w.entities++

		res := NewPatternTrie()
		for _, r := range e.Resources {
			res.Put(r)
		}
		h := int32(len(w.resources))
		w.resources = append(w.resources, res)

		for _, p := range e.Properties {
			node := w.props.Insert(NewReverseDomain(p))
			if node < 0 {
				continue
			}
			w.attach(node, h)
		}
	}
	return w
}

// attach points a property node at resource trie h. A property claimed by two
// entities gets the union of both resource lists.
func (w *EntityWhitelist) attach(node, h int32) {
	cur := w.props.nodes[node].whitelist
	if cur == noWhitelist || cur == h {
		w.props.nodes[node].whitelist = h
		return
	}

	merged := NewPatternTrie()
	for _, src := range []*PatternTrie{w.resources[cur], w.resources[h]} {
		src.walk(func(rev []byte) {
			merged.Insert(Forward(string(rev)))
		})
	}
	w.props.nodes[node].whitelist = int32(len(w.resources))
	w.resources = append(w.resources, merged)
}

// IsWhitelisted reports whether the entity owning pageHost is allowed to
// serve resourceHost.
func (w *EntityWhitelist) IsWhitelisted(pageHost, resourceHost string) bool {
	if w == nil || pageHost == "" || resourceHost == "" {
		return false
	}

	node, ok := w.props.FindNode(NewReverseDomain(pageHost))
	if !ok {
		return false
	}
	h := w.props.nodes[node].whitelist
	if h == noWhitelist {
		return false
	}
	return w.resources[h].FindMatch(NewReverseDomain(resourceHost))
}

// Entities returns the number of entities that made it into the whitelist.
func (w *EntityWhitelist) Entities() int {
	if w == nil {
		return 0
	}
	return w.entities
}
