package progression

import "testing"

func TestLevelOf_Boundaries(t *testing.T) {
	tests := []struct {
		xp   int
		want int
	}{
		{0, 1},
		{99, 1},
		{100, 2},
		{101, 2},
		{299, 2},
		{300, 3},
		{599, 3},
		{600, 4},
		{1000, 5},
		{1500, 6},
		{2100, 7},
		{2800, 8},
		{3600, 9},
		{4500, 10},
		{5499, 10},
		{5500, 11},
		{5501, 11},
		{6499, 11},
		{6500, 12},
		{15500, 21},
	}

	for _, tt := range tests {
		if got := LevelOf(tt.xp); got != tt.want {
			t.Errorf("LevelOf(%d) = %d, want %d", tt.xp, got, tt.want)
		}
	}
}

func TestLevelOf_NonDecreasing(t *testing.T) {
	prev := LevelOf(0)
	for xp := 1; xp <= 20000; xp++ {
		level := LevelOf(xp)
		if level < prev {
			t.Fatalf("LevelOf(%d) = %d < LevelOf(%d) = %d", xp, level, xp-1, prev)
		}
		prev = level
	}
}

func TestLevelOf_NegativeInput(t *testing.T) {
	if got := LevelOf(-10); got != 1 {
		t.Errorf("LevelOf(-10) = %d, want 1", got)
	}
}

func TestPointsForLevel_RoundTrip(t *testing.T) {
	for level := 1; level <= 30; level++ {
		points := PointsForLevel(level)
		if got := LevelOf(points); got != level {
			t.Errorf("LevelOf(PointsForLevel(%d)=%d) = %d", level, points, got)
		}
		if level > 1 {
			if got := LevelOf(points - 1); got != level-1 {
				t.Errorf("LevelOf(%d) = %d, want %d", points-1, got, level-1)
			}
		}
	}
}
