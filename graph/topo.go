package graph

// VerifyOrderWasTopological reports whether the observed run order
// respects the registered dependencies: every job in the sequence must
// appear after each of its upstreams that also appears. Jobs absent from
// the sequence (skipped or failed) are ignored; unknown ids fail the
// check.
//
// Drivers use this as a post-run assertion that the evaluator never
// offered a job before its inputs were complete.
func (ev *Evaluator) VerifyOrderWasTopological(runOrder []string) bool {
	position := make(map[int]int, len(runOrder))
	for pos, id := range runOrder {
		i, ok := ev.topo.index[id]
		if !ok {
			return false
		}
		if _, dup := position[i]; dup {
			return false
		}
		position[i] = pos
	}
	for i, pos := range position {
		for _, u := range ev.topo.upstreams[i] {
			if upos, ran := position[u]; ran && upos > pos {
				return false
			}
		}
	}
	return true
}
