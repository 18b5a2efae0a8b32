package stream

import (
	"container/list"
	"sync"
)

// Index is the process-wide authorized-streams table: a doubly-linked
// list of authorized streams plus a map from node address to that
// node's primary stream (§3 Stream: "pointer into the authorized-streams
// hash", §4.2: "exactly one primary stream per node address; if the
// primary disappears, the next authorized stream for that node is
// promoted"). Both structures share one RWMutex.
type Index struct {
	mu       sync.RWMutex
	order    *list.List          // list.Element.Value is *Stream
	byAddr   map[string][]*Stream // all authorized streams for a node, most-recently-registered last
	primary  map[string]*Stream
}

// NewIndex creates an empty authorized-streams index.
func NewIndex() *Index {
	return &Index{
		order:   list.New(),
		byAddr:  make(map[string][]*Stream),
		primary: make(map[string]*Stream),
	}
}

// Register adds st to the index under its NodeAddr. The first stream
// registered for a node address becomes primary; st.SetPrimary reflects
// the outcome.
func (idx *Index) Register(st *Stream) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	st.SetAuthorized(true)
	st.authorizedElem = idx.order.PushBack(st)
	idx.byAddr[st.NodeAddr] = append(idx.byAddr[st.NodeAddr], st)

	if _, exists := idx.primary[st.NodeAddr]; !exists {
		idx.primary[st.NodeAddr] = st
		st.SetPrimary(true)
	}
}

// Unregister removes st from the index, promoting the next authorized
// stream for its node address to primary if st was primary.
func (idx *Index) Unregister(st *Stream) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if st.authorizedElem != nil {
		idx.order.Remove(st.authorizedElem)
		st.authorizedElem = nil
	}

	peers := idx.byAddr[st.NodeAddr]
	for i, p := range peers {
		if p == st {
			peers = append(peers[:i], peers[i+1:]...)
			break
		}
	}
	if len(peers) == 0 {
		delete(idx.byAddr, st.NodeAddr)
	} else {
		idx.byAddr[st.NodeAddr] = peers
	}

	st.SetAuthorized(false)

	if idx.primary[st.NodeAddr] != st {
		return
	}
	st.SetPrimary(false)
	if len(peers) == 0 {
		delete(idx.primary, st.NodeAddr)
		return
	}
	next := peers[0]
	idx.primary[st.NodeAddr] = next
	next.SetPrimary(true)
}

// Primary returns the current primary stream for a node address.
func (idx *Index) Primary(nodeAddr string) (*Stream, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	st, ok := idx.primary[nodeAddr]
	return st, ok
}

// Peers returns every authorized stream registered for a node address.
func (idx *Index) Peers(nodeAddr string) []*Stream {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	peers := idx.byAddr[nodeAddr]
	out := make([]*Stream, len(peers))
	copy(out, peers)
	return out
}

// Len returns the total number of authorized streams across all nodes.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.order.Len()
}

// All returns every authorized stream in registration order.
func (idx *Index) All() []*Stream {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]*Stream, 0, idx.order.Len())
	for e := idx.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Stream))
	}
	return out
}
