package ring

import (
	"math"
	"testing"
)

var members = map[string]string{
	"m0000000000": "10.0.0.1:7000",
	"m0000000001": "10.0.0.2:7000",
	"m0000000002": "10.0.0.3:7000",
}

func filled(h Hasher) *HashRing {
	r := New(128, h)
	for m, addr := range members {
		r.Add(m, addr)
	}
	return r
}

func TestAddAddrLookup(t *testing.T) {
	r := filled(nil)

	for m, want := range members {
		got, ok := r.Addr(m)
		if !ok || got != want {
			t.Fatalf("Addr(%s) = (%q,%v), want (%q,true)", m, got, ok, want)
		}
	}

	for _, k := range [][]byte{[]byte("foo"), []byte("bar"), []byte("baz")} {
		id1, id2 := r.Lookup(k), r.Lookup(k)
		if id1 == "" {
			t.Fatalf("Lookup(%q) returned empty id", k)
		}
		if id1 != id2 {
			t.Fatalf("Lookup(%q) not stable: %q != %q", k, id1, id2)
		}
	}
}

func TestEmptyRing(t *testing.T) {
	r := New(0, nil)
	if got := r.Lookup([]byte("k")); got != "" {
		t.Fatalf("Lookup on empty ring = %q", got)
	}
	if got := r.LookupN([]byte("k"), 3); got != nil {
		t.Fatalf("LookupN on empty ring = %v", got)
	}
}

func TestRemoveAffectsLookup(t *testing.T) {
	r := filled(FNV64a)

	key := []byte("hot-key-123")
	before := r.Lookup(key)
	if before == "" {
		t.Fatal("Lookup empty before remove")
	}

	r.Remove(before)
	after := r.Lookup(key)
	if after == "" || after == before {
		t.Fatalf("Lookup did not change after removing %q: got %q", before, after)
	}
}

func TestDistributionRoughlyBalanced(t *testing.T) {
	for name, h := range map[string]Hasher{"xxhash": XXHash, "fnv": FNV64a} {
		r := filled(h)

		const N = 6000
		counts := map[string]int{}
		for i := range N {
			id := r.Lookup([]byte{byte(i >> 24), byte(i >> 16), byte(i >> 8), byte(i)})
			counts[id]++
		}
		if len(counts) != len(members) {
			t.Fatalf("%s: only %d of %d members own keys: %v", name, len(counts), len(members), counts)
		}
		ideal := float64(N) / float64(len(members))
		for id, c := range counts {
			if c == 0 {
				t.Fatalf("%s: member %s got zero keys", name, id)
			}
			if diff := math.Abs(float64(c)-ideal) / ideal; diff > 1.0 {
				t.Fatalf("%s: distribution too skewed: %s has %d (ideal %.1f)", name, id, c, ideal)
			}
		}
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := filled(nil)
	r.Remove("m0000000000")
	r.Remove("m0000000000")
	r.Remove("not-a-member")

	if n := r.Len(); n != 2 {
		t.Fatalf("Len() = %d after removing one of three", n)
	}
	if _, ok := r.Addr("m0000000001"); !ok {
		t.Fatal("m0000000001 should still exist")
	}
}

func TestNodesReturnsCopy(t *testing.T) {
	r := filled(nil)

	nodes := r.Nodes()
	if len(nodes) != len(members) {
		t.Fatalf("expected %d members, got %d", len(members), len(nodes))
	}
	nodes["m9"] = "x"
	if _, ok := r.Nodes()["m9"]; ok {
		t.Fatal("Nodes() returned a reference, not a copy")
	}
}

func TestRemoveOnlyMovesOwnedKeys(t *testing.T) {
	r := filled(nil)

	keys := [][]byte{[]byte("key1"), []byte("key2"), []byte("key3"), []byte("key4")}
	before := make(map[string]string)
	for _, k := range keys {
		before[string(k)] = r.Lookup(k)
	}

	r.Remove("m0000000001")

	for _, k := range keys {
		after := r.Lookup(k)
		was := before[string(k)]
		if was != "m0000000001" && after != was {
			t.Fatalf("key %q moved from %s to %s", k, was, after)
		}
	}
}

func TestSync(t *testing.T) {
	r := New(64, nil)
	if !r.Sync(members) {
		t.Fatal("Sync into an empty ring reported no change")
	}
	if r.Sync(members) {
		t.Fatal("Sync with the same members reported a change")
	}

	next := map[string]string{
		"m0000000001": "10.0.0.2:7000",
		"m0000000003": "10.0.0.4:7000",
	}
	if !r.Sync(next) {
		t.Fatal("Sync with a new member set reported no change")
	}
	if _, ok := r.Addr("m0000000000"); ok {
		t.Fatal("m0000000000 should have been dropped")
	}
	if a, _ := r.Addr("m0000000003"); a != "10.0.0.4:7000" {
		t.Fatalf("Addr(m0000000003) = %q", a)
	}
	next["m0000000004"] = "mutated"
	if r.Len() != 2 {
		t.Fatal("Sync kept a reference to the caller's map")
	}

	r.Sync(nil)
	if r.Lookup([]byte("k")) != "" {
		t.Fatal("Sync(nil) should empty the ring")
	}
}

func TestLookupN(t *testing.T) {
	r := filled(nil)

	got := r.LookupN([]byte("k"), 5)
	if len(got) != len(members) {
		t.Fatalf("LookupN(5) = %v, want all %d members", got, len(members))
	}
	if got[0] != r.Lookup([]byte("k")) {
		t.Fatalf("LookupN first = %s, Lookup = %s", got[0], r.Lookup([]byte("k")))
	}
	seen := map[string]bool{}
	for _, m := range got {
		if seen[m] {
			t.Fatalf("LookupN returned %s twice", m)
		}
		seen[m] = true
	}
}

func TestClear(t *testing.T) {
	r := filled(nil)
	r.Clear()
	if r.Len() != 0 || r.Lookup([]byte("k")) != "" {
		t.Fatal("Clear left members behind")
	}
	r.Add("m1", "a")
	if r.Lookup([]byte("k")) != "m1" {
		t.Fatal("ring unusable after Clear")
	}
}

func TestFNV64aSpreadsSuffixes(t *testing.T) {
	// Keys differing only in the last byte must not share the top byte.
	tops := map[uint64]bool{}
	for i := range 64 {
		tops[FNV64a([]byte{'m', '0', byte(i)})>>56] = true
	}
	if len(tops) < 32 {
		t.Fatalf("FNV64a top byte took only %d distinct values over 64 keys", len(tops))
	}
}
