package pool

// MatchModel reports whether name matches pattern. Patterns support
// case-sensitive * and ? wildcards at any position. Unlike path.Match,
// * crosses '/' so a pattern like "models/gemini-*" matches full Gemini
// model ids.
func MatchModel(pattern, name string) bool {
	var px, nx int
	starPx, starNx := -1, -1
	for nx < len(name) {
		if px < len(pattern) {
			switch pattern[px] {
			case '?':
				px++
				nx++
				continue
			case '*':
				starPx, starNx = px, nx
				px++
				continue
			default:
				if pattern[px] == name[nx] {
					px++
					nx++
					continue
				}
			}
		}
		// Mismatch: backtrack to the last *, letting it absorb one more byte.
		if starPx >= 0 {
			starNx++
			px, nx = starPx+1, starNx
			continue
		}
		return false
	}
	for px < len(pattern) && pattern[px] == '*' {
		px++
	}
	return px == len(pattern)
}
