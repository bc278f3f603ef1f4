package enablement

import (
	"sync"

	"github.com/flownet-io/go-flownet/marking"
	"github.com/flownet-io/go-flownet/wfnet"
)

const (
	defaultStateLimit = 20000
	defaultCacheLimit = 4096

	// OR-splits with more outputs than this are explored as a single
	// produce-everything alternative instead of all subsets.
	orSplitSubsetMax = 6
)

// orJoinAnalyzer decides OR-join enablement by forward coverability search.
//
// The join is enabled iff for every empty input q there is NO reachable
// marking covering w = {every currently marked input: 1, q: 1}: a token
// that could still arrive at q means the join must keep waiting. The
// search runs over the net with the join's own firing excluded, states
// being condition tokens plus executing instances; an inconclusive search
// (state limit hit) counts as coverable, so a truncated analysis can delay
// a join but never fire it early.
//
// Results are cached per (join, marking hash); any marking change
// invalidates naturally since the hash changes.
type orJoinAnalyzer struct {
	net        *wfnet.Net
	stateLimit int
	cacheLimit int
	observe    func(states int)

	mu    sync.Mutex
	cache map[string]bool
}

func newOrJoinAnalyzer(net *wfnet.Net) *orJoinAnalyzer {
	return &orJoinAnalyzer{
		net:        net,
		stateLimit: defaultStateLimit,
		cacheLimit: defaultCacheLimit,
		cache:      make(map[string]bool),
	}
}

func (a *orJoinAnalyzer) enabled(join *wfnet.Task, m *marking.Marking) (bool, error) {
	key := join.ID + "|" + m.Hash()
	a.mu.Lock()
	if v, ok := a.cache[key]; ok {
		a.mu.Unlock()
		return v, nil
	}
	a.mu.Unlock()

	enabled := true
	for _, q := range join.Inputs {
		if m.Tokens(q) > 0 {
			continue
		}
		w := marking.New()
		for _, in := range join.Inputs {
			if m.Tokens(in) > 0 {
				w.Add(in, 1)
			}
		}
		w.Add(q, 1)
		if a.coverable(join.ID, m, w) {
			enabled = false
			break
		}
	}

	a.mu.Lock()
	if len(a.cache) >= a.cacheLimit {
		a.cache = make(map[string]bool)
	}
	a.cache[key] = enabled
	a.mu.Unlock()
	return enabled, nil
}

// coverable reports whether a marking covering target is reachable from
// start without firing excludeTask. Returns true when inconclusive.
func (a *orJoinAnalyzer) coverable(excludeTask string, start, target *marking.Marking) bool {
	visited := map[string]struct{}{}
	queue := []*marking.Marking{start.Copy()}
	visited[start.Hash()] = struct{}{}
	if a.observe != nil {
		defer func() { a.observe(len(visited)) }()
	}

	for len(queue) > 0 {
		if len(visited) > a.stateLimit {
			return true
		}
		s := queue[0]
		queue = queue[1:]

		if s.Covers(target) {
			return true
		}
		for _, next := range a.successors(excludeTask, s) {
			h := next.Hash()
			if _, seen := visited[h]; seen {
				continue
			}
			visited[h] = struct{}{}
			queue = append(queue, next)
		}
	}
	return false
}

func (a *orJoinAnalyzer) successors(excludeTask string, s *marking.Marking) []*marking.Marking {
	var out []*marking.Marking

	// Executing instances may complete, clearing their cancellation set
	// and producing per the split.
	for _, taskID := range s.BusyTasks() {
		t := a.net.Task(taskID)
		if t == nil {
			continue
		}
		base := s.Copy()
		if err := base.RemoveBusy(taskID, 1); err != nil {
			continue
		}
		applyCancellation(base, t)
		for _, alt := range splitAlternatives(t) {
			next := base.Copy()
			for _, c := range alt {
				next.Add(c, 1)
			}
			out = append(out, next)
		}
	}

	// Enabled tasks may fire, consuming per the join.
	for _, taskID := range a.net.TaskIDs() {
		if taskID == excludeTask {
			continue
		}
		t := a.net.Task(taskID)
		for _, consume := range joinAlternatives(t, s) {
			next := s.Copy()
			feasible := true
			for c, n := range consume {
				if next.Remove(c, n) != nil {
					feasible = false
					break
				}
			}
			if !feasible {
				continue
			}
			next.AddBusy(taskID, 1)
			out = append(out, next)
		}
	}
	return out
}

func applyCancellation(m *marking.Marking, t *wfnet.Task) {
	for _, id := range t.CancelSet {
		m.Clear(id)
		m.ClearBusy(id)
	}
}

// joinAlternatives enumerates the token sets a firing of t could consume
// in s. XOR-joins yield one alternative per marked input; OR-joins here
// consume every marked input, without the non-local wait, which only
// widens the explored state space.
func joinAlternatives(t *wfnet.Task, s *marking.Marking) []map[string]int {
	switch t.Join {
	case wfnet.JoinAND:
		consume := make(map[string]int, len(t.Inputs))
		for _, in := range t.Inputs {
			if s.Tokens(in) == 0 {
				return nil
			}
			consume[in]++
		}
		return []map[string]int{consume}

	case wfnet.JoinXOR:
		var alts []map[string]int
		for _, in := range t.Inputs {
			if s.Tokens(in) > 0 {
				alts = append(alts, map[string]int{in: 1})
			}
		}
		return alts

	case wfnet.JoinOR:
		consume := make(map[string]int)
		for _, in := range t.Inputs {
			if s.Tokens(in) > 0 {
				consume[in]++
			}
		}
		if len(consume) == 0 {
			return nil
		}
		return []map[string]int{consume}
	}
	return nil
}

// splitAlternatives enumerates the condition sets a completion of t could
// produce into, ignoring predicates: XOR-splits yield one per flow,
// OR-splits every non-empty subset (or everything at once past
// orSplitSubsetMax outputs).
func splitAlternatives(t *wfnet.Task) [][]string {
	outputs := t.OutputIDs()
	switch t.Split {
	case wfnet.SplitAND:
		return [][]string{outputs}

	case wfnet.SplitXOR:
		alts := make([][]string, 0, len(outputs))
		for _, c := range outputs {
			alts = append(alts, []string{c})
		}
		return alts

	case wfnet.SplitOR:
		if len(outputs) > orSplitSubsetMax {
			return [][]string{outputs}
		}
		var alts [][]string
		for mask := 1; mask < 1<<len(outputs); mask++ {
			var alt []string
			for i, c := range outputs {
				if mask&(1<<i) != 0 {
					alt = append(alt, c)
				}
			}
			alts = append(alts, alt)
		}
		return alts
	}
	return [][]string{outputs}
}
