package matcher

import (
	"math/rand"
	"testing"
	"time"

	"github.com/ashureev/randopair/internal/domain"
)

func fixedRNG() *rand.Rand { return rand.New(rand.NewSource(1)) }

func TestInterestScoreIsProportionalToOverlap(t *testing.T) {
	cases := []struct {
		name      string
		caller    []string
		candidate []string
		want      int
	}{
		{"no caller interests", nil, []string{"music"}, 0},
		{"full overlap", []string{"music"}, []string{"music"}, 40},
		{"half overlap", []string{"music", "games"}, []string{"music"}, 20},
		{"no overlap", []string{"music"}, []string{"sports"}, 0},
	}
	for _, c := range cases {
		if got := interestScore(c.caller, c.candidate); got != c.want {
			t.Errorf("%s: interestScore(%v, %v) = %d, want %d", c.name, c.caller, c.candidate, got, c.want)
		}
	}
}

func TestGenderScoreTable(t *testing.T) {
	cases := []struct {
		name            string
		caller          domain.Gender
		candidate       domain.Gender
		wantPoints      int
		wantCross       bool
	}{
		{"either unset", domain.GenderUnset, domain.GenderFemale, 15, false},
		{"male-female cross", domain.GenderMale, domain.GenderFemale, 40, true},
		{"female-male cross", domain.GenderFemale, domain.GenderMale, 40, true},
		{"either other", domain.GenderOther, domain.GenderFemale, 20, false},
		{"same binary", domain.GenderMale, domain.GenderMale, 5, false},
	}
	for _, c := range cases {
		points, cross := genderScore(c.caller, c.candidate)
		if points != c.wantPoints || cross != c.wantCross {
			t.Errorf("%s: genderScore(%s, %s) = (%d, %v), want (%d, %v)", c.name, c.caller, c.candidate, points, cross, c.wantPoints, c.wantCross)
		}
	}
}

func TestWaitScoreCapsAtFifteen(t *testing.T) {
	candidate := &domain.OnlineUser{EnqueuedAt: time.Now().Add(-10 * time.Minute)}
	if got := waitScore(candidate); got != 15 {
		t.Fatalf("expected wait score capped at 15, got %d", got)
	}

	recent := &domain.OnlineUser{EnqueuedAt: time.Now()}
	if got := waitScore(recent); got != 0 {
		t.Fatalf("expected wait score 0 for a just-enqueued candidate, got %d", got)
	}

	neverQueued := &domain.OnlineUser{}
	if got := waitScore(neverQueued); got != 0 {
		t.Fatalf("expected wait score 0 for a zero EnqueuedAt, got %d", got)
	}
}

func TestMatchQualityThresholds(t *testing.T) {
	cases := []struct {
		name  string
		total int
		cross bool
		want  domain.MatchQuality
	}{
		{"high from score alone", 61, false, domain.QualityHigh},
		{"high from moderate score plus cross", 41, true, domain.QualityHigh},
		{"medium from score alone", 31, false, domain.QualityMedium},
		{"medium from cross alone", 0, true, domain.QualityMedium},
		{"random otherwise", 30, false, domain.QualityRandom},
	}
	for _, c := range cases {
		if got := matchQuality(c.total, c.cross); got != c.want {
			t.Errorf("%s: matchQuality(%d, %v) = %s, want %s", c.name, c.total, c.cross, got, c.want)
		}
	}
}

// TestScoreCrossGenderInterestOverlapMeetsHighThreshold mirrors spec.md
// §4.3's S1 scenario numbers directly: a caller with one matching interest
// out of two (20 points) plus a male/female cross-match (40 points) clears
// the high-quality threshold (score > 60 or score > 40 with a cross-match)
// even before wait-time bonus or jitter are added.
func TestScoreCrossGenderInterestOverlapMeetsHighThreshold(t *testing.T) {
	candidate := &domain.OnlineUser{
		Interests: []string{"music"},
		Gender:    domain.GenderFemale,
	}
	total, cross := score([]string{"music", "gaming"}, domain.GenderMale, candidate, fixedRNG())

	if !cross {
		t.Fatal("expected a gender cross-match")
	}
	if total < 60 {
		t.Fatalf("expected score >= 60 (20 interest + 40 gender + jitter), got %d", total)
	}
	if got := matchQuality(total, cross); got != domain.QualityHigh {
		t.Fatalf("expected matchQuality high, got %s", got)
	}
}
