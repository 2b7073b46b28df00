// Copyright 2024 Nokia
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pool

import "container/heap"

// FreeVector is a slot-stable collection: an element keeps its index until
// it is erased, and erased indices are handed out again, lowest first.
// It is not safe for concurrent use.
type FreeVector[T any] struct {
	slots    []T
	occupied []bool
	free     freeList
	count    int
}

// Insert stores v and returns its index.
func (fv *FreeVector[T]) Insert(v T) int {
	fv.count++
	if fv.free.Len() > 0 {
		i := heap.Pop(&fv.free).(int)
		fv.slots[i] = v
		fv.occupied[i] = true
		return i
	}
	fv.slots = append(fv.slots, v)
	fv.occupied = append(fv.occupied, true)
	return len(fv.slots) - 1
}

// Erase empties slot i. It reports false if i was not occupied.
func (fv *FreeVector[T]) Erase(i int) bool {
	if !fv.Occupied(i) {
		return false
	}
	var zero T
	fv.slots[i] = zero
	fv.occupied[i] = false
	heap.Push(&fv.free, i)
	fv.count--
	return true
}

// Get returns the element at i.
func (fv *FreeVector[T]) Get(i int) (T, bool) {
	if !fv.Occupied(i) {
		var zero T
		return zero, false
	}
	return fv.slots[i], true
}

// Occupied reports whether slot i holds an element.
func (fv *FreeVector[T]) Occupied(i int) bool {
	return i >= 0 && i < len(fv.slots) && fv.occupied[i]
}

// Len returns the number of occupied slots.
func (fv *FreeVector[T]) Len() int { return fv.count }

// Cap returns the number of slots ever allocated.
func (fv *FreeVector[T]) Cap() int { return len(fv.slots) }

// Range calls fn for every occupied slot in index order until fn returns false.
func (fv *FreeVector[T]) Range(fn func(i int, v T) bool) {
	for i, ok := range fv.occupied {
		if ok && !fn(i, fv.slots[i]) {
			return
		}
	}
}

// freeList is a min-heap of erased indices.
type freeList []int

func (f freeList) Len() int            { return len(f) }
func (f freeList) Less(i, j int) bool  { return f[i] < f[j] }
func (f freeList) Swap(i, j int)       { f[i], f[j] = f[j], f[i] }
func (f *freeList) Push(x interface{}) { *f = append(*f, x.(int)) }
func (f *freeList) Pop() interface{} {
	old := *f
	n := len(old)
	x := old[n-1]
	*f = old[:n-1]
	return x
}
