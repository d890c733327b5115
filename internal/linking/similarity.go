package linking

import "github.com/xrash/smetrics"

// Winkler's conventions: boost only above a Jaro score of 0.7, over at most four runes
// of shared prefix.
const (
	winklerBoostThreshold = 0.7
	winklerPrefixSize     = 4
)

// Similarity scores two company keys on a 0..1 scale as the larger of the
// Ratcliff/Obershelp ratio and the Jaro-Winkler similarity. The ratio rewards long shared
// runs; Jaro-Winkler rewards a shared prefix, which covers short forms like "zoom" for
// "zoom communications".
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	r := Ratio([]rune(a), []rune(b))
	if jw := JaroWinkler(a, b); jw > r {
		return jw
	}
	return r
}

// JaroWinkler compares the keys byte-wise, which is exact for the ASCII keys most
// company names normalize to.
func JaroWinkler(a, b string) float64 {
	return smetrics.JaroWinkler(a, b, winklerBoostThreshold, winklerPrefixSize)
}

// Ratio is the Ratcliff/Obershelp pattern matching score 2*M/T.
func Ratio(a, b []rune) float64 {
	total := len(a) + len(b)
	if total == 0 {
		return 1
	}
	return 2 * float64(matchingRunes(a, b)) / float64(total)
}

func matchingRunes(a, b []rune) int {
	i, j, k := longestCommon(a, b)
	if k == 0 {
		return 0
	}
	return k + matchingRunes(a[:i], b[:j]) + matchingRunes(a[i+k:], b[j+k:])
}

// longestCommon returns the earliest longest common substring of a and b.
func longestCommon(a, b []rune) (int, int, int) {
	if len(a) == 0 || len(b) == 0 {
		return 0, 0, 0
	}

	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	bestI, bestJ, bestK := 0, 0, 0

	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > bestK {
					bestK = cur[j]
					bestI = i - cur[j]
					bestJ = j - cur[j]
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}

	return bestI, bestJ, bestK
}
