package writer

// Fuzzy matching locates the region of a file that best resembles an
// edit's oldText when an exact match fails, so the error can point at
// the most likely candidate.

const (
	// fuzzySearchLimit caps how much content is searched.
	fuzzySearchLimit = 10000
	// fuzzyThreshold is the minimum similarity for a suggestion.
	fuzzyThreshold = 0.5
)

// FuzzyMatch is the closest region found for a failed exact match.
type FuzzyMatch struct {
	Text  string
	Score float64
	Start int
}

// closestMatch slides a window over content and scores each chunk
// against target by normalized Levenshtein similarity. It returns nil
// when nothing clears the threshold.
func closestMatch(content, target string) *FuzzyMatch {
	if len(target) == 0 || len(content) == 0 {
		return nil
	}
	if len(content) > fuzzySearchLimit {
		content = content[:fuzzySearchLimit]
	}

	chunkSize := len(target) * 3 / 2
	if chunkSize > len(content) {
		chunkSize = len(content)
	}
	step := chunkSize / 2
	if step < 1 {
		step = 1
	}

	var best *FuzzyMatch
	for start := 0; start < len(content); start += step {
		end := start + chunkSize
		if end > len(content) {
			end = len(content)
		}
		chunk := content[start:end]

		score := similarity(chunk, target)
		if score > fuzzyThreshold && (best == nil || score > best.Score) {
			best = &FuzzyMatch{Text: chunk, Score: score, Start: start}
		}
		if end == len(content) {
			break
		}
	}
	return best
}

// similarity is 1 - levenshtein(a, b) / max(len(a), len(b)).
func similarity(a, b string) float64 {
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

// levenshtein computes edit distance with two rolling rows.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(
				prev[j]+1,
				curr[j-1]+1,
				prev[j-1]+cost,
			)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
