// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package selector ranks competing candidate releases of the same work.
// Selection is a pure function: no I/O, no mutation of candidates, and the
// same inputs always produce the same ranking.
package selector

import (
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/autobrr/audiarr/internal/models"
)

// Scoring weights. An abridged release is near-disqualified rather than
// filtered so it can still win when it is the only candidate left.
const (
	scoreBitrateLow          = -50
	scoreBitrateDecent       = 50
	scoreBitrateSweet        = 100
	scoreBitrateHigh         = 90
	scoreAbridged            = -1000
	scoreUnabridged          = 100
	scoreNarratorKnown       = 20
	scoreNarratorPreferred   = 200
	scoreSingleFileChaptered = 50
)

type Preferences struct {
	PreferredNarrators []string
}

// ScoredCandidate pairs a candidate with its computed score for diagnostics.
type ScoredCandidate struct {
	Candidate models.CandidateRelease
	Score     int
}

// Ranking is the ordered output of Select. Index 0 is the best candidate;
// retries walk down the list.
type Ranking struct {
	Ranked []ScoredCandidate
}

// NoCandidate reports the legitimate business outcome of having nothing left
// to try. It is a value, not an error.
func (r Ranking) NoCandidate() bool {
	return len(r.Ranked) == 0
}

// Best returns the top candidate. Callers must check NoCandidate first.
func (r Ranking) Best() models.CandidateRelease {
	return r.Ranked[0].Candidate
}

// BestWhere returns the top candidate satisfying the predicate, preserving
// rank order. Used by the orchestrator to degrade to a non-paid candidate
// when admission blocks paid acquisitions.
func (r Ranking) BestWhere(keep func(models.CandidateRelease) bool) (models.CandidateRelease, bool) {
	for _, sc := range r.Ranked {
		if keep(sc.Candidate) {
			return sc.Candidate, true
		}
	}
	return models.CandidateRelease{}, false
}

// Select ranks candidates descending by (score, popularity, earliest
// discovery). Candidates in the excluded set are dropped before scoring.
func Select(candidates []models.CandidateRelease, excluded map[string]struct{}, prefs Preferences) Ranking {
	ranked := make([]ScoredCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		if _, skip := excluded[candidate.ID]; skip {
			continue
		}
		ranked = append(ranked, ScoredCandidate{
			Candidate: candidate,
			Score:     Score(candidate, prefs),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].Candidate.PopularitySignal != ranked[j].Candidate.PopularitySignal {
			return ranked[i].Candidate.PopularitySignal > ranked[j].Candidate.PopularitySignal
		}
		return ranked[i].Candidate.DiscoveredAt.Before(ranked[j].Candidate.DiscoveredAt)
	})

	return Ranking{Ranked: ranked}
}

// Score computes the selection score for a single candidate. Price tier is
// deliberately absent: paid acquisitions are gated by admission control, not
// penalized here.
func Score(c models.CandidateRelease, prefs Preferences) int {
	score := 0

	if c.BitrateKbps != nil {
		switch kbps := *c.BitrateKbps; {
		case kbps < 50:
			score += scoreBitrateLow
		case kbps <= 89:
			score += scoreBitrateDecent
		case kbps <= 160:
			score += scoreBitrateSweet
		default:
			score += scoreBitrateHigh
		}
	}

	switch c.Abridged {
	case models.AbridgementAbridged:
		score += scoreAbridged
	case models.AbridgementUnabridged:
		score += scoreUnabridged
	}

	if c.Narrator != nil && strings.TrimSpace(*c.Narrator) != "" {
		score += scoreNarratorKnown
		if narratorPreferred(*c.Narrator, prefs.PreferredNarrators) {
			score += scoreNarratorPreferred
		}
	}

	if c.Container == models.ContainerSingleFileChaptered {
		score += scoreSingleFileChaptered
	}

	return score
}

// narratorPreferred matches against the allow-list with unicode folding so
// "ray porter" and "Ray Porter" both hit.
func narratorPreferred(narrator string, preferred []string) bool {
	narrator = strings.TrimSpace(narrator)
	for _, want := range preferred {
		want = strings.TrimSpace(want)
		if want == "" {
			continue
		}
		if strings.EqualFold(narrator, want) || fuzzy.MatchNormalizedFold(want, narrator) {
			return true
		}
	}
	return false
}
