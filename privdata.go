// SPDX-License-Identifier: Apache-2.0

package guestfs

// privateData is a handle's string-keyed area for caller-owned opaque
// values, per spec.md §4.9. The handle never copies or frees the values;
// it only stores and returns the pointer the caller handed it.
//
// Insertion order is tracked explicitly because Go's map iteration order
// is randomized per run, and the cursor-style first/next walk needs a
// stable sequence to actually terminate and visit every entry once.
type privateData struct {
	values map[string]interface{}
	order  []string
}

func (p *privateData) set(key string, value interface{}) {
	if p.values == nil {
		p.values = make(map[string]interface{})
	}
	if value == nil {
		if _, existed := p.values[key]; existed {
			delete(p.values, key)
			p.removeFromOrder(key)
		}
		return
	}
	if _, existed := p.values[key]; !existed {
		p.order = append(p.order, key)
	}
	p.values[key] = value
}

func (p *privateData) removeFromOrder(key string) {
	for i, k := range p.order {
		if k == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}

func (p *privateData) get(key string) (interface{}, bool) {
	v, ok := p.values[key]
	return v, ok
}

// first returns the earliest-set entry, skipping null-valued entries.
// ok is false once nothing remains.
func (p *privateData) first() (key string, value interface{}, ok bool) {
	return p.nextAfter(-1)
}

// next returns the entry that follows key in insertion order, skipping
// null-valued entries, per the "iterator skips null-valued entries"
// contract in spec.md §4.9.
func (p *privateData) next(key string) (nextKey string, value interface{}, ok bool) {
	idx := -1
	for i, k := range p.order {
		if k == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", nil, false
	}
	return p.nextAfter(idx)
}

func (p *privateData) nextAfter(idx int) (string, interface{}, bool) {
	for i := idx + 1; i < len(p.order); i++ {
		k := p.order[i]
		if v := p.values[k]; v != nil {
			return k, v, true
		}
	}
	return "", nil, false
}

// all returns every non-null entry as a map, so iterating the result does
// not follow insertion order.
func (p *privateData) all() map[string]interface{} {
	out := make(map[string]interface{}, len(p.order))
	for _, k := range p.order {
		if v := p.values[k]; v != nil {
			out[k] = v
		}
	}
	return out
}
