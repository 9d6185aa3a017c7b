package nodeid

import "testing"

func takenSet(ids ...NodeID) func(NodeID) bool {
	m := make(map[NodeID]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return func(id NodeID) bool { return m[id] }
}

func TestSequential_Next(t *testing.T) {
	cases := []struct {
		name    string
		policy  Sequential
		current NodeID
		taken   []NodeID
		want    NodeID
		ok      bool
	}{
		{"auto picks lowest", Sequential{}, Unset, nil, 0, true},
		{"next after current", Sequential{}, 5, []NodeID{5}, 6, true},
		{"skips taken", Sequential{}, 5, []NodeID{5, 6, 7}, 8, true},
		{"wraps at max", Sequential{}, MaxNodeID, []NodeID{MaxNodeID}, 0, true},
		{"sub range", Sequential{Min: 10, Max: 12}, 12, []NodeID{12, 10}, 11, true},
		{"all taken", Sequential{Min: 1, Max: 2}, 1, []NodeID{1, 2}, Unset, false},
		{"current outside range", Sequential{Min: 20, Max: 30}, 5, nil, 20, true},
		{"skew moves scan start", Sequential{Skew: 10}, 5, []NodeID{5}, 16, true},
		{"skew wraps", Sequential{Skew: 125}, 5, []NodeID{5}, 3, true},
		{"skew skips taken", Sequential{Skew: 10}, 5, []NodeID{5, 16}, 17, true},
		{"skew in sub range", Sequential{Min: 10, Max: 12, Skew: 4}, 10, []NodeID{10}, 12, true},
	}
	for _, tc := range cases {
		got, ok := tc.policy.Next(tc.current, takenSet(tc.taken...))
		if got != tc.want || ok != tc.ok {
			t.Fatalf("%s: Next = %v %v, want %v %v", tc.name, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSequentialFor(t *testing.T) {
	a := SequentialFor(Serial{'S', '1', 0, 0, 0, 0, 0, 1})
	b := SequentialFor(Serial{'S', '2', 0, 0, 0, 0, 0, 2})
	if a != SequentialFor(Serial{'S', '1', 0, 0, 0, 0, 0, 1}) {
		t.Fatalf("skew not stable for one serial")
	}
	if a.Skew == b.Skew {
		t.Fatalf("serials share skew %v", a.Skew)
	}
	if a.Skew > MaxNodeID || b.Skew > MaxNodeID {
		t.Fatalf("skew out of range: %v %v", a.Skew, b.Skew)
	}
	taken := takenSet(5)
	na, _ := a.Next(5, taken)
	nb, _ := b.Next(5, taken)
	if na == nb {
		t.Fatalf("both serials moved from 5 to %v", na)
	}
}

func TestRandom_Next(t *testing.T) {
	p := NewRandom(1)
	p.Min, p.Max = 10, 14
	taken := takenSet(11, 13)
	seen := map[NodeID]bool{}
	for i := 0; i < 200; i++ {
		id, ok := p.Next(10, taken)
		if !ok {
			t.Fatalf("no candidate")
		}
		if id == 10 || taken(id) || id < 10 || id > 14 {
			t.Fatalf("picked %v", id)
		}
		seen[id] = true
	}
	if !seen[12] || !seen[14] {
		t.Fatalf("random policy never picked some free ids: %v", seen)
	}

	if _, ok := p.Next(10, takenSet(10, 11, 12, 13, 14)); ok {
		t.Fatalf("expected no candidate when range is full")
	}
	if id, ok := p.Next(12, takenSet(10, 11, 13, 14)); !ok || id != 12 {
		t.Fatalf("only free id is current: got %v %v", id, ok)
	}
}

func TestRandom_Deterministic(t *testing.T) {
	a, b := NewRandom(42), NewRandom(42)
	none := takenSet()
	for i := 0; i < 10; i++ {
		x, _ := a.Next(Unset, none)
		y, _ := b.Next(Unset, none)
		if x != y {
			t.Fatalf("same seed diverged at step %d: %v vs %v", i, x, y)
		}
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy("", 0); err != nil {
		t.Fatalf("default: %v", err)
	} else if _, ok := p.(Sequential); !ok {
		t.Fatalf("default policy is %T", p)
	}
	if p, err := ParsePolicy("Random", 3); err != nil {
		t.Fatalf("random: %v", err)
	} else if _, ok := p.(*Random); !ok {
		t.Fatalf("random policy is %T", p)
	}
	if _, err := ParsePolicy("lifo", 0); err == nil {
		t.Fatalf("expected error")
	}
}
