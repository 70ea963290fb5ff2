package clips

import "sort"

type span struct{ start, end int64 }

// coverage tracks which byte ranges of a clip have been written. Spans are
// kept sorted and non-overlapping.
type coverage struct {
	spans []span
	total int64
}

func (c *coverage) add(start, end int64) {
	i := sort.Search(len(c.spans), func(i int) bool { return c.spans[i].end >= start })
	j := i
	for j < len(c.spans) && c.spans[j].start <= end {
		start = min(start, c.spans[j].start)
		end = max(end, c.spans[j].end)
		c.total -= c.spans[j].end - c.spans[j].start
		j++
	}
	c.spans = append(c.spans[:i], append([]span{{start, end}}, c.spans[j:]...)...)
	c.total += end - start
}

func (c *coverage) covers(size int64) bool {
	return len(c.spans) == 1 && c.spans[0].start == 0 && c.spans[0].end >= size
}
