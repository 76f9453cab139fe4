package lock

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"txnkernel/pkg/concurrency/txn"
	"txnkernel/pkg/dblog"
	"txnkernel/pkg/primitives"
)

// Detector is component G: a background pass, on a fixed period, that
// rebuilds the wait-for graph from every table and row queue, breaks
// every cycle it finds by aborting the youngest transaction on it,
// and loops until the graph is acyclic. Rebuilds the graph from scratch
// every pass rather than maintaining it incrementally, which sidesteps
// the subtleties of removing edges as requests are granted or withdrawn.
type Detector struct {
	lm       *LockManager
	txns     *txn.Manager
	interval time.Duration
	log      *zap.SugaredLogger

	stop chan struct{}
	done chan struct{}
}

func NewDetector(lm *LockManager, txns *txn.Manager, interval time.Duration) *Detector {
	return &Detector{
		lm:       lm,
		txns:     txns,
		interval: interval,
		log:      dblog.WithComponent("deadlock-detector"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background goroutine.
func (d *Detector) Start() {
	go d.run()
}

// Stop signals the goroutine to exit and waits for it.
func (d *Detector) Stop() {
	close(d.stop)
	<-d.done
}

func (d *Detector) run() {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.pass()
		}
	}
}

// pass rebuilds the graph and aborts victims until no cycle remains.
func (d *Detector) pass() {
	for {
		graph := d.buildGraph()
		victim, found := graph.findCycleVictim()
		if !found {
			return
		}
		d.abortVictim(victim)
	}
}

type waitForGraph struct {
	edges map[primitives.TxnID]map[primitives.TxnID]bool
	nodes map[primitives.TxnID]bool
}

func newWaitForGraph() *waitForGraph {
	return &waitForGraph{
		edges: make(map[primitives.TxnID]map[primitives.TxnID]bool),
		nodes: make(map[primitives.TxnID]bool),
	}
}

func (g *waitForGraph) addEdge(from, to primitives.TxnID) {
	g.nodes[from] = true
	g.nodes[to] = true
	if g.edges[from] == nil {
		g.edges[from] = make(map[primitives.TxnID]bool)
	}
	g.edges[from][to] = true
}

// buildGraph scans every queue: for each ungranted request and each
// granted request with an incompatible mode, add a waits-for edge.
func (d *Detector) buildGraph() *waitForGraph {
	g := newWaitForGraph()
	for _, q := range d.lm.allQueues() {
		infos := q.Snapshot()
		for _, waiter := range infos {
			if waiter.Granted {
				continue
			}
			for _, holder := range infos {
				if !holder.Granted || holder.TxnID == waiter.TxnID {
					continue
				}
				if !Compatible(waiter.Mode, holder.Mode) {
					g.addEdge(waiter.TxnID, holder.TxnID)
				}
			}
		}
	}
	return g
}

// findCycleVictim runs DFS from the largest txn id downward, ascending
// adjacency order within each node, and returns the largest id on the
// first cycle found.
func (g *waitForGraph) findCycleVictim() (primitives.TxnID, bool) {
	roots := make([]primitives.TxnID, 0, len(g.nodes))
	for id := range g.nodes {
		roots = append(roots, id)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] > roots[j] })

	visited := make(map[primitives.TxnID]bool)
	for _, root := range roots {
		if visited[root] {
			continue
		}
		if cycle, ok := g.dfsFrom(root, visited); ok {
			return maxTxnID(cycle), true
		}
	}
	return primitives.InvalidTxnID, false
}

func (g *waitForGraph) dfsFrom(root primitives.TxnID, visited map[primitives.TxnID]bool) ([]primitives.TxnID, bool) {
	var path []primitives.TxnID
	onPath := make(map[primitives.TxnID]bool)

	var walk func(node primitives.TxnID) ([]primitives.TxnID, bool)
	walk = func(node primitives.TxnID) ([]primitives.TxnID, bool) {
		visited[node] = true
		onPath[node] = true
		path = append(path, node)

		for _, next := range sortedTxnIDs(g.edges[node]) {
			if onPath[next] {
				for i, n := range path {
					if n == next {
						cycle := append([]primitives.TxnID{}, path[i:]...)
						return cycle, true
					}
				}
			}
			if !visited[next] {
				if cyc, ok := walk(next); ok {
					return cyc, true
				}
			}
		}

		onPath[node] = false
		path = path[:len(path)-1]
		return nil, false
	}

	return walk(root)
}

func sortedTxnIDs(m map[primitives.TxnID]bool) []primitives.TxnID {
	out := make([]primitives.TxnID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func maxTxnID(ids []primitives.TxnID) primitives.TxnID {
	max := ids[0]
	for _, id := range ids[1:] {
		if id > max {
			max = id
		}
	}
	return max
}

func (d *Detector) abortVictim(victim primitives.TxnID) {
	t, ok := d.txns.Get(victim)
	if !ok {
		return
	}
	t.SetState(txn.Aborted)
	d.log.Infow("aborting deadlock victim", "txn", victim.String())
	d.releaseAllLocks(t)
	d.lm.broadcastAll()
}

// releaseAllLocks drops every table and row lock the victim holds,
// removing its granted requests from their queues and clearing its
// lock sets.
func (d *Detector) releaseAllLocks(t *txn.Transaction) {
	for key := range t.RowLocks() {
		q := d.lm.getOrCreateRowQueue(key.Table, key.Row)
		q.mu.Lock()
		if req, idx := q.findGrantedLocked(t.ID()); req != nil {
			q.removeAtLocked(idx)
		}
		q.mu.Unlock()
		t.ClearRowLock(key.Table, key.Row)
	}
	for oid := range t.TableLocks() {
		q := d.lm.getOrCreateTableQueue(oid)
		q.mu.Lock()
		if req, idx := q.findGrantedLocked(t.ID()); req != nil {
			q.removeAtLocked(idx)
		}
		q.mu.Unlock()
		t.ClearTableLock(oid)
	}
}
