// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package selector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/audiarr/internal/models"
)

func intPtr(v int) *int { return &v }

func strPtr(s string) *string { return &s }

func at(offset int) time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(offset) * time.Minute)
}

func candidate(id string, mutate func(*models.CandidateRelease)) models.CandidateRelease {
	c := models.CandidateRelease{
		ID:           id,
		Title:        "Project Hail Mary",
		Author:       "Andy Weir",
		Abridged:     models.AbridgementUnknown,
		Container:    models.ContainerUnknown,
		PriceTier:    models.PriceTierFree,
		DiscoveredAt: at(0),
	}
	if mutate != nil {
		mutate(&c)
	}
	return c
}

func TestScoreBitrateBands(t *testing.T) {
	tests := []struct {
		name    string
		bitrate *int
		want    int
	}{
		{"unknown", nil, 0},
		{"low_45", intPtr(45), -50},
		{"band_edge_50", intPtr(50), 50},
		{"band_edge_89", intPtr(89), 50},
		{"sweet_spot_128", intPtr(128), 100},
		{"band_edge_160", intPtr(160), 100},
		{"high_200", intPtr(200), 90},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := candidate("c1", func(c *models.CandidateRelease) { c.BitrateKbps = tt.bitrate })
			assert.Equal(t, tt.want, Score(c, Preferences{}))
		})
	}
}

func TestSelectBitrateOrdering(t *testing.T) {
	candidates := []models.CandidateRelease{
		candidate("low", func(c *models.CandidateRelease) { c.BitrateKbps = intPtr(45) }),
		candidate("sweet", func(c *models.CandidateRelease) { c.BitrateKbps = intPtr(100) }),
		candidate("high", func(c *models.CandidateRelease) { c.BitrateKbps = intPtr(200) }),
	}

	ranking := Select(candidates, nil, Preferences{})
	require.Len(t, ranking.Ranked, 3)

	assert.Equal(t, "sweet", ranking.Ranked[0].Candidate.ID)
	assert.Equal(t, "high", ranking.Ranked[1].Candidate.ID)
	assert.Equal(t, "low", ranking.Ranked[2].Candidate.ID)
}

func TestSelectAbridgementNearExclusion(t *testing.T) {
	abridged := candidate("abridged", func(c *models.CandidateRelease) { c.Abridged = models.AbridgementAbridged })
	unabridged := candidate("unabridged", func(c *models.CandidateRelease) { c.Abridged = models.AbridgementUnabridged })

	ranking := Select([]models.CandidateRelease{abridged, unabridged}, nil, Preferences{})
	require.False(t, ranking.NoCandidate())
	assert.Equal(t, "unabridged", ranking.Best().ID)

	// An abridged release is still selectable when it is the only option.
	ranking = Select([]models.CandidateRelease{abridged}, nil, Preferences{})
	require.False(t, ranking.NoCandidate())
	assert.Equal(t, "abridged", ranking.Best().ID)
}

func TestScoreNarrator(t *testing.T) {
	prefs := Preferences{PreferredNarrators: []string{"Ray Porter"}}

	tests := []struct {
		name     string
		narrator *string
		want     int
	}{
		{"absent", nil, 0},
		{"blank", strPtr("  "), 0},
		{"known", strPtr("Some Reader"), 20},
		{"preferred_exact", strPtr("Ray Porter"), 220},
		{"preferred_case_folded", strPtr("ray porter"), 220},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := candidate("c1", func(c *models.CandidateRelease) { c.Narrator = tt.narrator })
			assert.Equal(t, tt.want, Score(c, prefs))
		})
	}
}

func TestScoreContainerAndPriceTier(t *testing.T) {
	single := candidate("s", func(c *models.CandidateRelease) { c.Container = models.ContainerSingleFileChaptered })
	multi := candidate("m", func(c *models.CandidateRelease) { c.Container = models.ContainerMultiFile })
	assert.Equal(t, 50, Score(single, Preferences{}))
	assert.Equal(t, 0, Score(multi, Preferences{}))

	// Price never affects the score; admission control gates paid candidates.
	paid := candidate("p", func(c *models.CandidateRelease) { c.PriceTier = models.PriceTierPaid })
	free := candidate("f", nil)
	assert.Equal(t, Score(free, Preferences{}), Score(paid, Preferences{}))
}

func TestSelectTieBreaks(t *testing.T) {
	popular := candidate("popular", func(c *models.CandidateRelease) { c.PopularitySignal = 90 })
	unpopular := candidate("unpopular", func(c *models.CandidateRelease) { c.PopularitySignal = 10 })

	ranking := Select([]models.CandidateRelease{unpopular, popular}, nil, Preferences{})
	assert.Equal(t, "popular", ranking.Best().ID)

	// Equal score and popularity: earliest discovery wins.
	early := candidate("early", func(c *models.CandidateRelease) { c.DiscoveredAt = at(0) })
	late := candidate("late", func(c *models.CandidateRelease) { c.DiscoveredAt = at(30) })

	ranking = Select([]models.CandidateRelease{late, early}, nil, Preferences{})
	assert.Equal(t, "early", ranking.Best().ID)
}

func TestSelectDeterministic(t *testing.T) {
	candidates := []models.CandidateRelease{
		candidate("a", func(c *models.CandidateRelease) { c.BitrateKbps = intPtr(128); c.PopularitySignal = 5 }),
		candidate("b", func(c *models.CandidateRelease) { c.Abridged = models.AbridgementUnabridged }),
		candidate("c", func(c *models.CandidateRelease) { c.Narrator = strPtr("Ray Porter") }),
	}
	prefs := Preferences{PreferredNarrators: []string{"Ray Porter"}}

	first := Select(candidates, nil, prefs)
	second := Select(candidates, nil, prefs)

	require.Equal(t, len(first.Ranked), len(second.Ranked))
	for i := range first.Ranked {
		assert.Equal(t, first.Ranked[i].Candidate.ID, second.Ranked[i].Candidate.ID)
		assert.Equal(t, first.Ranked[i].Score, second.Ranked[i].Score)
	}
}

func TestSelectExclusionAndNoCandidate(t *testing.T) {
	a := candidate("a", nil)
	b := candidate("b", nil)

	ranking := Select([]models.CandidateRelease{a, b}, map[string]struct{}{"a": {}}, Preferences{})
	require.Len(t, ranking.Ranked, 1)
	assert.Equal(t, "b", ranking.Best().ID)

	ranking = Select([]models.CandidateRelease{a, b}, map[string]struct{}{"a": {}, "b": {}}, Preferences{})
	assert.True(t, ranking.NoCandidate())
}

func TestBestWhere(t *testing.T) {
	paid := candidate("paid", func(c *models.CandidateRelease) {
		c.PriceTier = models.PriceTierPaid
		c.Abridged = models.AbridgementUnabridged
	})
	free := candidate("free", nil)

	ranking := Select([]models.CandidateRelease{paid, free}, nil, Preferences{})
	require.Equal(t, "paid", ranking.Best().ID)

	alt, ok := ranking.BestWhere(func(c models.CandidateRelease) bool { return !c.IsPaid() })
	require.True(t, ok)
	assert.Equal(t, "free", alt.ID)

	_, ok = ranking.BestWhere(func(c models.CandidateRelease) bool { return false })
	assert.False(t, ok)
}
