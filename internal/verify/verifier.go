// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package verify confirms that a completed transfer actually delivered what
// the selected candidate promised: right file count, right size, decodable
// audio, right duration.
package verify

import (
	"context"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/Hellseher/go-shellquote"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/audiarr/internal/models"
)

const (
	// Declared sizes are approximate; 2% covers padding and metadata drift.
	sizeTolerance = 0.02
	// Durations are tighter: a missing chapter shows up well past 1%.
	durationTolerance = 0.01
)

type FileEntry struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"sizeBytes"`
	Audio     bool   `json:"audio"`
}

// FileManifest describes the file set a completed transfer produced. It is
// supplied by the transfer-monitoring collaborator.
type FileManifest struct {
	Files []FileEntry `json:"files"`
}

func (m FileManifest) TotalBytes() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.SizeBytes
	}
	return total
}

// Issue records one failed or unverifiable check dimension.
type Issue struct {
	Dimension string `json:"dimension"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: expected %s, got %s", i.Dimension, i.Expected, i.Actual)
}

// Result carries every issue found, not just the first: the caller wants the
// full diagnostic picture before excluding a candidate.
type Result struct {
	Passed       bool     `json:"passed"`
	Issues       []Issue  `json:"issues,omitempty"`
	Unverifiable []string `json:"unverifiable,omitempty"`
}

// Prober decode-checks a single audio file and reports its duration.
type Prober interface {
	Probe(ctx context.Context, path string) (durationSeconds float64, err error)
}

// CommandProber shells out to a configured probe command (ffprobe by
// default), appending the file path as the final argument. A non-zero exit or
// unparseable output means the file does not decode cleanly.
type CommandProber struct {
	Command string
}

func (p CommandProber) Probe(ctx context.Context, path string) (float64, error) {
	words, err := shellquote.Split(p.Command)
	if err != nil {
		return 0, errors.Wrap(err, "invalid probe command")
	}
	if len(words) == 0 {
		return 0, errors.New("empty probe command")
	}

	args := append(words[1:], path)
	out, err := exec.CommandContext(ctx, words[0], args...).Output()
	if err != nil {
		return 0, errors.Wrapf(err, "probe failed for %s", path)
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, errors.Wrapf(err, "unparseable probe output for %s", path)
	}

	return duration, nil
}

type Verifier struct {
	prober Prober
}

func NewVerifier(prober Prober) *Verifier {
	return &Verifier{prober: prober}
}

// Verify runs every check and collects all failures. Checks the candidate
// never declared are recorded as unverifiable dimensions, not failures.
func (v *Verifier) Verify(ctx context.Context, candidate models.CandidateRelease, manifest FileManifest) Result {
	result := Result{Passed: true}

	if candidate.DeclaredFileCount > 0 {
		if actual := len(manifest.Files); actual != candidate.DeclaredFileCount {
			result.fail(Issue{
				Dimension: "file-count",
				Expected:  strconv.Itoa(candidate.DeclaredFileCount),
				Actual:    strconv.Itoa(actual),
			})
		}
	} else {
		result.Unverifiable = append(result.Unverifiable, "file-count")
	}

	if candidate.DeclaredTotalBytes > 0 {
		actual := manifest.TotalBytes()
		drift := math.Abs(float64(actual-candidate.DeclaredTotalBytes)) / float64(candidate.DeclaredTotalBytes)
		if drift > sizeTolerance {
			result.fail(Issue{
				Dimension: "total-size",
				Expected:  fmt.Sprintf("%d ±%.0f%%", candidate.DeclaredTotalBytes, sizeTolerance*100),
				Actual:    strconv.FormatInt(actual, 10),
			})
		}
	} else {
		result.Unverifiable = append(result.Unverifiable, "total-size")
	}

	totalDuration, decodeIssues := v.decodeAll(ctx, manifest)
	for _, issue := range decodeIssues {
		result.fail(issue)
	}

	if candidate.DeclaredDurationSeconds != nil && *candidate.DeclaredDurationSeconds > 0 {
		// Duration from a partially undecodable set is meaningless; only
		// compare when every audio file decoded.
		if len(decodeIssues) == 0 {
			declared := *candidate.DeclaredDurationSeconds
			drift := math.Abs(totalDuration-declared) / declared
			if drift > durationTolerance {
				result.fail(Issue{
					Dimension: "duration",
					Expected:  fmt.Sprintf("%.0fs ±%.0f%%", declared, durationTolerance*100),
					Actual:    fmt.Sprintf("%.0fs", totalDuration),
				})
			}
		}
	} else {
		result.Unverifiable = append(result.Unverifiable, "duration")
	}

	if !result.Passed {
		log.Debug().
			Str("candidateID", candidate.ID).
			Int("issues", len(result.Issues)).
			Msg("Integrity verification failed")
	}

	return result
}

func (v *Verifier) decodeAll(ctx context.Context, manifest FileManifest) (totalSeconds float64, issues []Issue) {
	for _, f := range manifest.Files {
		if !f.Audio {
			continue
		}

		duration, err := v.prober.Probe(ctx, f.Path)
		if err != nil {
			issues = append(issues, Issue{
				Dimension: "decodability",
				Expected:  "clean decode of " + f.Path,
				Actual:    err.Error(),
			})
			continue
		}
		totalSeconds += duration
	}
	return totalSeconds, issues
}

func (r *Result) fail(issue Issue) {
	r.Passed = false
	r.Issues = append(r.Issues, issue)
}

// Summary flattens a failed result into a single error string for job
// records.
func (r Result) Summary() string {
	if r.Passed {
		return ""
	}
	parts := make([]string, 0, len(r.Issues))
	for _, issue := range r.Issues {
		parts = append(parts, issue.String())
	}
	return strings.Join(parts, "; ")
}
