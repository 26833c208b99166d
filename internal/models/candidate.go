// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import "time"

// Abridgement is a tri-state flag: most sources simply do not say.
type Abridgement string

const (
	AbridgementUnknown    Abridgement = "unknown"
	AbridgementAbridged   Abridgement = "abridged"
	AbridgementUnabridged Abridgement = "unabridged"
)

type ContainerFormat string

const (
	ContainerSingleFileChaptered ContainerFormat = "single-file-chaptered"
	ContainerMultiFile           ContainerFormat = "multi-file"
	ContainerUnknown             ContainerFormat = "unknown"
)

type PriceTier string

const (
	PriceTierFree    PriceTier = "free"
	PriceTierVIPFree PriceTier = "premium-free-equivalent"
	PriceTierPaid    PriceTier = "paid"
)

// CandidateRelease is one competing edition of a requested work. Immutable
// once discovered; scoring and orchestration only ever reference it by ID.
type CandidateRelease struct {
	ID                      string          `json:"id"`
	Title                   string          `json:"title"`
	Author                  string          `json:"author"`
	BitrateKbps             *int            `json:"bitrateKbps,omitempty"`
	Abridged                Abridgement     `json:"abridged"`
	Narrator                *string         `json:"narrator,omitempty"`
	Container               ContainerFormat `json:"container"`
	DeclaredFileCount       int             `json:"declaredFileCount"`
	DeclaredTotalBytes      int64           `json:"declaredTotalBytes"`
	DeclaredDurationSeconds *float64        `json:"declaredDurationSeconds,omitempty"`
	PopularitySignal        int             `json:"popularitySignal"`
	PriceTier               PriceTier       `json:"priceTier"`
	Locator                 string          `json:"locator"`
	DiscoveredAt            time.Time       `json:"discoveredAt"`
}

func (c *CandidateRelease) IsPaid() bool {
	return c.PriceTier == PriceTierPaid
}
