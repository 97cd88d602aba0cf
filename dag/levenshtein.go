package dag

// levenshtein computes the edit distance between a and b.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}
	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			curr[j] = minOf3(del, ins, sub)
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func minOf3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// suggest returns the closest candidate to target by Levenshtein distance,
// if any candidate is within 40% of the longer string's length (spec §4.1:
// "suggesting the closest known identifier by Levenshtein distance ≤ 40%
// of the longer string"). Returns "" if no candidate qualifies.
func suggest(target string, candidates []string) string {
	best := ""
	bestDist := -1
	for _, c := range candidates {
		d := levenshtein(target, c)
		longer := len(target)
		if len(c) > longer {
			longer = len(c)
		}
		if longer == 0 {
			continue
		}
		if float64(d) > 0.4*float64(longer) {
			continue
		}
		if bestDist == -1 || d < bestDist {
			bestDist = d
			best = c
		}
	}
	return best
}

// didYouMean formats a "did you mean X?" suffix, or "" if no suggestion.
func didYouMean(target string, candidates []string) string {
	s := suggest(target, candidates)
	if s == "" {
		return ""
	}
	return " (did you mean \"" + s + "\"?)"
}
