// Package progression maintains cumulative experience and level per user.
// Level is always a pure function of experience points, so the whole state
// can be recomputed from the activity ledger at any time.
package progression

// levelThresholds holds the cumulative experience required to REACH each
// level from 2 through 11. Above the table, every 1000 points is one level.
var levelThresholds = []int{100, 300, 600, 1000, 1500, 2100, 2800, 3600, 4500, 5500}

const (
	tableCeiling   = 5500 // threshold of the last tabled level
	pointsPerLevel = 1000 // flat rule above the table
)

// LevelOf maps cumulative experience points to a level. It is total and
// side-effect free: any xp (including negative, which the clamped store never
// produces) yields a level, and the result is non-decreasing in xp.
func LevelOf(xp int) int {
	if xp < 0 {
		return 1
	}
	if xp >= tableCeiling {
		return (xp-tableCeiling)/pointsPerLevel + len(levelThresholds) + 1
	}

	level := 1
	for _, threshold := range levelThresholds {
		if xp < threshold {
			break
		}
		level++
	}
	return level
}

// PointsForLevel returns the cumulative experience required to reach a level.
// Level 1 requires nothing.
func PointsForLevel(level int) int {
	if level <= 1 {
		return 0
	}
	if level-2 < len(levelThresholds) {
		return levelThresholds[level-2]
	}
	return tableCeiling + (level-len(levelThresholds)-1)*pointsPerLevel
}
