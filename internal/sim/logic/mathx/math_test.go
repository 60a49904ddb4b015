package mathx

import "testing"

func TestHash2Stable(t *testing.T) {
	if Hash2(1, 2, 3) != Hash2(1, 2, 3) {
		t.Fatalf("hash not deterministic")
	}
	if Hash2(1, 2, 3) == Hash2(1, 3, 2) {
		t.Fatalf("hash should depend on coordinate order")
	}
	if Hash2(1, 2, 3) == Hash2(2, 2, 3) {
		t.Fatalf("hash should depend on seed")
	}
}

func TestRollRange(t *testing.T) {
	for x := -20; x < 20; x++ {
		for y := -20; y < 20; y++ {
			if r := Roll(42, x, y, 7); r < 0 || r >= 1000 {
				t.Fatalf("roll out of range: %d", r)
			}
		}
	}
}

func TestWithinRadius(t *testing.T) {
	if !WithinRadius(3, 4, 0, 0, 5) {
		t.Fatalf("3,4 is within 5")
	}
	if WithinRadius(4, 4, 0, 0, 5) {
		t.Fatalf("4,4 is outside 5")
	}
	if WithinRadius(0, 0, 0, 0, 0) {
		t.Fatalf("zero radius contains nothing")
	}
}
