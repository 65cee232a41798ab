package leafdb

// nodeSource lets a Cursor dereference a childRef uniformly whether it is
// Persistent or Dirty, without caring which transaction kind it belongs to.
type nodeSource interface {
	rootRef() childRef
	fetch(ref childRef) (*node, error)
}

type cursorFrame struct {
	node  *node
	index int
}

// Cursor is a stack-based positional traversal over a mixed dirty/clean
// tree.
type Cursor struct {
	src   nodeSource
	stack []cursorFrame
}

func newCursor(src nodeSource) (*Cursor, error) {
	c := &Cursor{src: src}
	if err := c.First(); err != nil {
		return nil, err
	}
	return c, nil
}

// First resets the cursor to the leftmost leaf entry, skipping over an
// empty leaf by stepping forward (a committed tree's only possible empty
// node is an empty root; a write transaction's staged tree can also hold
// leaves emptied by Remove until commit rebalances them away).
func (c *Cursor) First() error {
	c.stack = c.stack[:0]
	return c.descend(c.src.rootRef(), true)
}

// Last resets the cursor to the rightmost leaf entry.
func (c *Cursor) Last() error {
	c.stack = c.stack[:0]
	return c.descend(c.src.rootRef(), false)
}

// descend pushes frames from ref down to a leaf, taking the first child at
// each branch when forward is true, the last child otherwise. An empty
// leaf reached this way is skipped by stepping in the same direction.
func (c *Cursor) descend(ref childRef, forward bool) error {
	for {
		n, err := c.src.fetch(ref)
		if err != nil {
			return err
		}
		idx := 0
		if !forward {
			idx = n.entryCount() - 1
		}
		c.stack = append(c.stack, cursorFrame{node: n, index: idx})
		if n.isLeaf {
			if n.entryCount() == 0 {
				return c.step(forward)
			}
			return nil
		}
		if n.entryCount() == 0 {
			return c.step(forward)
		}
		ref = n.branch[idx].child
	}
}

// step advances the cursor one entry in the given direction, popping
// frames until one has room to move, then descending back to a leaf.
func (c *Cursor) step(forward bool) error {
	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]
		if forward {
			top.index++
		} else {
			top.index--
		}
		if top.index >= 0 && top.index < top.node.entryCount() {
			if top.node.isLeaf {
				return nil
			}
			return c.descend(top.node.branch[top.index].child, forward)
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	return nil
}

// Next moves to the next key/value pair; the cursor becomes invalid once
// it runs past the last entry.
func (c *Cursor) Next() error { return c.step(true) }

// Prev moves to the previous key/value pair.
func (c *Cursor) Prev() error { return c.step(false) }

// Seek positions the cursor at the smallest key >= key. After Seek, either
// IsValid is false (past end) or Key() >= key.
func (c *Cursor) Seek(key []byte) error {
	c.stack = c.stack[:0]
	ref := c.src.rootRef()
	for {
		n, err := c.src.fetch(ref)
		if err != nil {
			return err
		}
		if n.isLeaf {
			idx, _ := leafSearch(n.leaf, key)
			c.stack = append(c.stack, cursorFrame{node: n, index: idx})
			if idx >= n.entryCount() {
				return c.step(true)
			}
			return nil
		}
		idx := branchChildIndex(n.branch, key)
		c.stack = append(c.stack, cursorFrame{node: n, index: idx})
		ref = n.branch[idx].child
	}
}

// IsValid reports whether the cursor is positioned at a real entry.
func (c *Cursor) IsValid() bool {
	if len(c.stack) == 0 {
		return false
	}
	top := c.stack[len(c.stack)-1]
	return top.index >= 0 && top.index < top.node.entryCount()
}

// Key returns the key at the current position; nil if IsValid is false.
func (c *Cursor) Key() []byte {
	if !c.IsValid() {
		return nil
	}
	top := c.stack[len(c.stack)-1]
	return top.node.leaf[top.index].key
}

// Value returns the value at the current position; nil if IsValid is
// false.
func (c *Cursor) Value() []byte {
	if !c.IsValid() {
		return nil
	}
	top := c.stack[len(c.stack)-1]
	return top.node.leaf[top.index].value
}
