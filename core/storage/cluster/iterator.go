package cluster

// AbsoluteIterator walks every live record of a cluster in position order,
// independent of any external index. It holds no page pins between calls
// to Next, so a long-running scan never starves the buffer pool.
type AbsoluteIterator struct {
	c       *Cluster
	next    ClusterPosition
	started bool
	done    bool
}

// AbsoluteIterator returns an iterator starting at the cluster's first
// live position.
func (c *Cluster) AbsoluteIterator() *AbsoluteIterator {
	return &AbsoluteIterator{c: c}
}

// HasNext reports whether a further call to Next would return a record.
func (it *AbsoluteIterator) HasNext() (bool, error) {
	if it.done {
		return false, nil
	}
	if !it.started {
		pos, err := it.c.GetFirstPosition()
		if err != nil {
			return false, err
		}
		it.next = pos
		it.started = true
	}
	return it.next != InvalidPosition, nil
}

// Next returns the next live record and advances the iterator.
func (it *AbsoluteIterator) Next() (ClusterPosition, *Record, error) {
	ok, err := it.HasNext()
	if err != nil {
		return InvalidPosition, nil, err
	}
	if !ok {
		it.done = true
		return InvalidPosition, nil, &NotFoundError{Position: InvalidPosition}
	}
	pos := it.next
	record, err := it.c.ReadRecord(pos)
	if err != nil {
		return InvalidPosition, nil, err
	}
	following, err := it.c.GetNextPosition(pos)
	if err != nil {
		return InvalidPosition, nil, err
	}
	it.next = following
	if following == InvalidPosition {
		it.done = true
	}
	return pos, record, nil
}
