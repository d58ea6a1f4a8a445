package matcher

import (
	"math/rand"
	"time"

	"github.com/ashureev/randopair/internal/domain"
)

// score computes the 0-100 match score between a requesting user and a
// waiting candidate, per spec.md §4.3's scoring table. rng is injected so
// callers can seed it per request for reproducible jitter in tests.
func score(callerInterests []string, callerGender domain.Gender, candidate *domain.OnlineUser, rng *rand.Rand) (total int, genderCross bool) {
	interestPoints := interestScore(callerInterests, candidate.Interests)
	genderPoints, cross := genderScore(callerGender, candidate.Gender)
	waitPoints := waitScore(candidate)
	jitter := rng.Intn(6) // 0-5 inclusive

	return interestPoints + genderPoints + waitPoints + jitter, cross
}

func interestScore(callerInterests, candidateInterests []string) int {
	if len(callerInterests) == 0 {
		return 0
	}
	overlap := 0
	set := make(map[string]struct{}, len(candidateInterests))
	for _, tag := range candidateInterests {
		set[tag] = struct{}{}
	}
	for _, tag := range callerInterests {
		if _, ok := set[tag]; ok {
			overlap++
		}
	}
	points := 40 * overlap / max(1, len(callerInterests))
	if points > 40 {
		points = 40
	}
	return points
}

func genderScore(caller, candidate domain.Gender) (points int, cross bool) {
	switch {
	case caller == domain.GenderUnset || candidate == domain.GenderUnset:
		return 15, false
	case (caller == domain.GenderMale && candidate == domain.GenderFemale) ||
		(caller == domain.GenderFemale && candidate == domain.GenderMale):
		return 40, true
	case caller == domain.GenderOther || candidate == domain.GenderOther:
		return 20, false
	case caller == candidate:
		return 5, false
	default:
		return 5, false
	}
}

func waitScore(candidate *domain.OnlineUser) int {
	if candidate.EnqueuedAt.IsZero() {
		return 0
	}
	minutes := int(time.Since(candidate.EnqueuedAt).Minutes())
	points := 3 * minutes
	if points > 15 {
		points = 15
	}
	return points
}

func matchQuality(total int, genderCross bool) domain.MatchQuality {
	switch {
	case total > 60 || (total > 40 && genderCross):
		return domain.QualityHigh
	case total > 30 || genderCross:
		return domain.QualityMedium
	default:
		return domain.QualityRandom
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
