package kafka

/* ───────────────────────── per-partition watermark ───────────────────────── */

type cpNode struct {
	offset     int64
	prev, next *cpNode
}

// checkpoint keeps the unresolved offsets of one partition in fetch order.
// Resolving a node folds its offset into its predecessor, so once the head
// resolves, highest is the last offset with nothing unresolved before it.
type checkpoint struct {
	start, end *cpNode

	highest     int64 // -1 until the head first resolves
	committed   int64 // next offset the group has stored, -1 if unknown
	lastFetched int64
}

func newCheckpoint() *checkpoint {
	return &checkpoint{highest: -1, committed: -1, lastFetched: -1}
}

// track appends offset and returns its resolver. Each resolver must be
// called at most once.
func (c *checkpoint) track(offset int64) func() int64 {
	n := &cpNode{offset: offset}
	if c.end != nil {
		n.prev = c.end
		c.end.next = n
	} else {
		c.start = n
	}
	c.end = n
	if offset > c.lastFetched {
		c.lastFetched = offset
	}
	return func() int64 {
		if n.prev != nil {
			n.prev.offset = n.offset
			n.prev.next = n.next
		} else {
			c.highest = n.offset
			c.start = n.next
		}
		if n.next != nil {
			n.next.prev = n.prev
		} else {
			c.end = n.prev
		}
		return c.highest
	}
}

func (c *checkpoint) pending() int {
	cnt := 0
	for n := c.start; n != nil; n = n.next {
		cnt++
	}
	return cnt
}
