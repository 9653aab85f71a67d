// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cache

// lruNode is a node of the recency list. It keeps its key so the oldest
// entry can be deleted from the map.
type lruNode[K comparable] struct {
	key        K
	prev, next *lruNode[K]
}

// lruList orders keys from most (head) to least (tail) recently used.
// It is not safe for concurrent use.
type lruList[K comparable] struct {
	head, tail *lruNode[K]
}

// PushFront inserts key as the most recently used.
func (l *lruList[K]) PushFront(key K) *lruNode[K] {
	n := &lruNode[K]{key: key}
	l.linkFront(n)
	return n
}

// MoveToFront marks n most recently used.
func (l *lruList[K]) MoveToFront(n *lruNode[K]) {
	if n == l.head {
		return
	}
	l.unlink(n)
	l.linkFront(n)
}

// Remove unlinks n.
func (l *lruList[K]) Remove(n *lruNode[K]) { l.unlink(n) }

// RemoveOldest unlinks the least recently used node and returns its key.
func (l *lruList[K]) RemoveOldest() (K, bool) {
	n := l.tail
	if n == nil {
		var zero K
		return zero, false
	}
	l.unlink(n)
	return n.key, true
}

func (l *lruList[K]) linkFront(n *lruNode[K]) {
	n.prev, n.next = nil, l.head
	if l.head != nil {
		l.head.prev = n
	}
	l.head = n
	if l.tail == nil {
		l.tail = n
	}
}

func (l *lruList[K]) unlink(n *lruNode[K]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
}
