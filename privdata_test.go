// SPDX-License-Identifier: Apache-2.0

package guestfs

import "testing"

func TestPrivateDataSetGet(t *testing.T) {
	var p privateData
	p.set("a", 1)
	v, ok := p.get("a")
	if !ok || v != 1 {
		t.Fatalf("got %v %v", v, ok)
	}
}

func TestPrivateDataSetNilDeletes(t *testing.T) {
	var p privateData
	p.set("a", 1)
	p.set("a", nil)
	if _, ok := p.get("a"); ok {
		t.Fatal("expected nil set to delete the key")
	}
}

func TestPrivateDataIterationOrderAndSkipsNull(t *testing.T) {
	var p privateData
	p.set("a", 1)
	p.set("b", 2)
	p.set("c", 3)
	p.set("b", nil)

	k, v, ok := p.first()
	if !ok || k != "a" || v != 1 {
		t.Fatalf("first: got %v %v %v", k, v, ok)
	}
	k, v, ok = p.next(k)
	if !ok || k != "c" || v != 3 {
		t.Fatalf("next after skipping deleted b: got %v %v %v", k, v, ok)
	}
	_, _, ok = p.next(k)
	if ok {
		t.Fatal("expected iteration to end")
	}
}
