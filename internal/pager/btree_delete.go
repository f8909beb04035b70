package pager

import "fmt"

// ───────────────────────────────────────────────────────────────────────────
// Delete-time underflow handling — merge-with-sibling only; there is no
// redistribute. A node is underflowing when it has no entries, or when
// page size minus its free space drops below a third of the page; that's
// the byte-budget analogue of the classic "keys < ceil(order/2)" rule for
// a tree whose nodes are sized in bytes rather than fixed fanout.
// DeleteLeafEntry frees a 4-byte slot but not the record bytes, so a node
// whose records once filled a third of the page is found underflowing only
// when it is empty. A merge whose combined entries do not fit one page is
// skipped and the node is left below the bound.
// ───────────────────────────────────────────────────────────────────────────

const underflowFillDenominator = 3

// isUnderflowing reports whether bp has dropped below the minimum occupancy.
func isUnderflowing(bp *BTreePage) bool {
	if bp.slotCount() == 0 {
		return true
	}
	occupied := bp.pageSize - bp.freeSpace()
	return occupied*underflowFillDenominator < bp.pageSize
}

// childIndex returns the position of childID among parent's sc+1 children
// (entries[0..sc-1].ChildID, then RightChild at position sc), or -1.
func childIndex(bp *BTreePage, childID PageID) int {
	entries := bp.GetAllInternalEntries()
	for i, e := range entries {
		if e.ChildID == childID {
			return i
		}
	}
	if bp.RightChild() == childID {
		return len(entries)
	}
	return -1
}

// removeChildAtPosition computes the new entry list and right-child pointer
// after the child at removedPos is merged away into removedPos-1.
func removeChildAtPosition(bp *BTreePage, removedPos int) ([]InternalEntry, PageID) {
	entries := bp.GetAllInternalEntries()
	sc := len(entries)

	if removedPos == sc {
		// The removed child was RightChild; the survivor (entries[sc-1]'s
		// child) becomes the new RightChild, and its separator key is dropped.
		newEntries := append([]InternalEntry{}, entries[:sc-1]...)
		return newEntries, entries[sc-1].ChildID
	}

	survivorPos := removedPos - 1
	var newEntries []InternalEntry
	newEntries = append(newEntries, entries[:survivorPos]...)
	newEntries = append(newEntries, InternalEntry{
		ChildID: entries[survivorPos].ChildID,
		Key:     entries[removedPos].Key,
	})
	newEntries = append(newEntries, entries[removedPos+1:]...)
	return newEntries, bp.RightChild()
}

// rebalanceAfterDelete walks path (root..parent-of-leaf) bottom-up, merging
// an underflowing node into a sibling until occupancy is restored or no
// sibling is available. The root is never merged away: an internal root
// left with zero separator keys still forwards every lookup through its
// RightChild, so it stays structurally valid even though one level is
// nominally wasted — a compaction pass, not a correctness issue.
func (bt *BTree) rebalanceAfterDelete(txID TxID, path []PageID) error {
	level := len(path) - 1
	for level > 0 {
		nodeID := path[level]
		parentID := path[level-1]

		buf, err := bt.pager.ReadPage(nodeID)
		if err != nil {
			return err
		}
		bp := WrapBTreePage(buf)
		underflow := isUnderflowing(bp)
		isLeaf := bp.IsLeaf()
		bt.pager.UnpinPage(nodeID)
		if !underflow {
			return nil
		}

		merged, err := bt.mergeWithSibling(txID, parentID, nodeID, isLeaf)
		if err != nil {
			return err
		}
		if !merged {
			return nil // no sibling available, or merge didn't fit — leave as-is
		}
		level--
	}
	return nil
}

// mergeWithSibling merges nodeID into an adjacent sibling under parentID,
// preferring the right sibling. It rewrites the surviving node, frees the
// absorbed one, and removes the corresponding separator from the parent.
func (bt *BTree) mergeWithSibling(txID TxID, parentID, nodeID PageID, isLeaf bool) (bool, error) {
	parentBuf, err := bt.pager.ReadPage(parentID)
	if err != nil {
		return false, err
	}
	parentBP := WrapBTreePage(parentBuf)
	idx := childIndex(parentBP, nodeID)
	if idx < 0 {
		bt.pager.UnpinPage(parentID)
		return false, fmt.Errorf("rebalance: node %d not found in parent %d", nodeID, parentID)
	}
	sc := parentBP.slotCount()

	var survivorID, removedID PageID
	var removedPos int
	switch {
	case idx < sc: // has a right sibling
		survivorID = nodeID
		removedID = childAt(parentBP, idx+1)
		removedPos = idx + 1
	case idx > 0: // has a left sibling
		survivorID = childAt(parentBP, idx-1)
		removedID = nodeID
		removedPos = idx
	default:
		bt.pager.UnpinPage(parentID)
		return false, nil // only child — nothing to merge with
	}
	bt.pager.UnpinPage(parentID)

	var sepKey []byte
	if !isLeaf {
		// Re-read the parent to fetch the separator key being pulled down.
		pbuf, err := bt.pager.ReadPage(parentID)
		if err != nil {
			return false, err
		}
		pbp := WrapBTreePage(pbuf)
		sepKey = pbp.GetInternalEntry(removedPos - 1).Key
		bt.pager.UnpinPage(parentID)
	}

	ok, err := bt.mergeNodes(txID, survivorID, removedID, isLeaf, sepKey)
	if err != nil || !ok {
		return false, err
	}

	// Remove the absorbed child's slot from the parent.
	pbuf, err := bt.pager.ReadPage(parentID)
	if err != nil {
		return false, err
	}
	pbp := WrapBTreePage(pbuf)
	newEntries, newRight := removeChildAtPosition(pbp, removedPos)
	bt.pager.UnpinPage(parentID)

	newBuf := make([]byte, bt.pager.pageSize)
	newBP := InitBTreePage(newBuf, parentID, false)
	for _, e := range newEntries {
		if err := newBP.InsertInternalEntry(e); err != nil {
			return false, fmt.Errorf("rebalance: rebuild parent: %w", err)
		}
	}
	newBP.SetRightChild(newRight)
	SetPageCRC(newBuf)
	if err := bt.pager.WritePage(txID, parentID, newBuf); err != nil {
		return false, err
	}
	return true, nil
}

func childAt(bp *BTreePage, idx int) PageID {
	entries := bp.GetAllInternalEntries()
	if idx < len(entries) {
		return entries[idx].ChildID
	}
	return bp.RightChild()
}

// mergeNodes merges removedID's content into survivorID (survivor is always
// the lower-keyed sibling). sepKey is the parent separator pulled down when
// merging internal nodes; it's unused for leaves. Returns false (without
// error) if the combined content doesn't fit a single page, in which case
// the caller leaves both nodes as-is.
func (bt *BTree) mergeNodes(txID TxID, survivorID, removedID PageID, isLeaf bool, sepKey []byte) (bool, error) {
	survivorBuf, err := bt.pager.ReadPage(survivorID)
	if err != nil {
		return false, err
	}
	survivorBP := WrapBTreePage(survivorBuf)
	removedBuf, err := bt.pager.ReadPage(removedID)
	if err != nil {
		bt.pager.UnpinPage(survivorID)
		return false, err
	}
	removedBP := WrapBTreePage(removedBuf)

	newBuf := make([]byte, bt.pager.pageSize)

	if isLeaf {
		combined := append(survivorBP.GetAllLeafEntries(), removedBP.GetAllLeafEntries()...)
		prevLeaf := survivorBP.PrevLeaf()
		nextLeaf := removedBP.NextLeaf()
		bt.pager.UnpinPage(survivorID)
		bt.pager.UnpinPage(removedID)

		newBP := InitBTreePage(newBuf, survivorID, true)
		for _, e := range combined {
			if _, err := newBP.InsertLeafEntry(e); err != nil {
				return false, nil // doesn't fit — abandon merge, not fatal
			}
		}
		newBP.SetPrevLeaf(prevLeaf)
		newBP.SetNextLeaf(nextLeaf)
		SetPageCRC(newBuf)
		if err := bt.pager.WritePage(txID, survivorID, newBuf); err != nil {
			return false, err
		}
		if nextLeaf != InvalidPageID {
			nbuf, err := bt.pager.ReadPage(nextLeaf)
			if err == nil {
				nbp := WrapBTreePage(nbuf)
				nbp.SetPrevLeaf(survivorID)
				SetPageCRC(nbuf)
				_ = bt.pager.WritePage(txID, nextLeaf, nbuf)
				bt.pager.UnpinPage(nextLeaf)
			}
		}
		bt.pager.FreePage(removedID)
		return true, nil
	}

	survivorEntries := survivorBP.GetAllInternalEntries()
	survivorRight := survivorBP.RightChild()
	removedEntries := removedBP.GetAllInternalEntries()
	removedRight := removedBP.RightChild()
	bt.pager.UnpinPage(survivorID)
	bt.pager.UnpinPage(removedID)

	combined := append(survivorEntries, InternalEntry{ChildID: survivorRight, Key: sepKey})
	combined = append(combined, removedEntries...)

	newBP := InitBTreePage(newBuf, survivorID, false)
	for _, e := range combined {
		if err := newBP.InsertInternalEntry(e); err != nil {
			return false, nil // doesn't fit — abandon merge
		}
	}
	newBP.SetRightChild(removedRight)
	SetPageCRC(newBuf)
	if err := bt.pager.WritePage(txID, survivorID, newBuf); err != nil {
		return false, err
	}
	bt.pager.FreePage(removedID)
	return true, nil
}
