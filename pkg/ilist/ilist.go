// Package ilist provides an intrusive doubly linked list. Types embed
// Entry and are linked without per-element allocation; an element may be
// on at most one list at a time.
package ilist

// Element is implemented by anything embedding an Entry.
type Element interface {
	Next() Element
	Prev() Element
	SetNext(Element)
	SetPrev(Element)
}

// Entry is embedded in types that are placed on a List.
type Entry struct {
	next Element
	prev Element
}

func (e *Entry) Next() Element     { return e.next }
func (e *Entry) Prev() Element     { return e.prev }
func (e *Entry) SetNext(n Element) { e.next = n }
func (e *Entry) SetPrev(p Element) { e.prev = p }

// List is an intrusive list. The zero value is an empty list.
type List struct {
	head Element
	tail Element
}

func (l *List) Reset() {
	l.head = nil
	l.tail = nil
}

func (l *List) Empty() bool {
	return l.head == nil
}

func (l *List) Front() Element {
	return l.head
}

func (l *List) Back() Element {
	return l.tail
}

func (l *List) PushFront(e Element) {
	e.SetNext(l.head)
	e.SetPrev(nil)

	if l.head != nil {
		l.head.SetPrev(e)
	} else {
		l.tail = e
	}

	l.head = e
}

func (l *List) PushBack(e Element) {
	e.SetNext(nil)
	e.SetPrev(l.tail)

	if l.tail != nil {
		l.tail.SetNext(e)
	} else {
		l.head = e
	}

	l.tail = e
}

// InsertBefore places e before b, which must be on the list.
func (l *List) InsertBefore(b, e Element) {
	p := b.Prev()

	e.SetNext(b)
	e.SetPrev(p)
	b.SetPrev(e)

	if p != nil {
		p.SetNext(e)
	} else {
		l.head = e
	}
}

func (l *List) Remove(e Element) {
	p := e.Prev()
	n := e.Next()

	if p != nil {
		p.SetNext(n)
	} else {
		l.head = n
	}

	if n != nil {
		n.SetPrev(p)
	} else {
		l.tail = p
	}

	e.SetNext(nil)
	e.SetPrev(nil)
}

// Len walks the list. It is intended for debug output, not hot paths.
func (l *List) Len() int {
	n := 0
	for it := l.head; it != nil; it = it.Next() {
		n++
	}
	return n
}
