package reassembly

import (
	"slices"
	"sort"
)

// span is a half-open byte range [start, end)
type span struct {
	start, end int
}

// spanSet is a sorted list of disjoint, non-touching byte ranges
type spanSet []span

// add marks [start, end) as received. fill is called for every sub-range not
// covered before, in ascending order; the return value is the number of new
// bytes.
func (s *spanSet) add(start, end int, fill func(from, to int)) int {
	ss := *s
	// first range ending at or after start; a touching range merges
	i := sort.Search(len(ss), func(i int) bool { return ss[i].end >= start })

	added := 0
	pos := start
	merged := span{start, end}
	j := i
	for ; j < len(ss) && ss[j].start <= end; j++ {
		if ss[j].start > pos {
			fill(pos, ss[j].start)
			added += ss[j].start - pos
		}
		pos = max(pos, ss[j].end)
		merged.start = min(merged.start, ss[j].start)
		merged.end = max(merged.end, ss[j].end)
	}
	if pos < end {
		fill(pos, end)
		added += end - pos
	}

	*s = slices.Replace(ss, i, j, merged)
	return added
}
