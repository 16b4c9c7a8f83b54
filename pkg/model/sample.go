// Package model defines the core domain types shared across the analysis
// pipeline: sample identity, scan snapshots, jobs, and progress counters.
package model

import (
	"fmt"
	"strings"
)

// SampleIDSeparator joins a source id and a source-relative path into a
// SampleID. U+001F (unit separator) cannot appear in a valid source id and
// is rejected in paths, so the concatenation is unambiguous.
const SampleIDSeparator = "\x1f"

// SampleID uniquely identifies a sample across all derived tables.
// It is stable across content changes; edits are tracked via ContentHash.
type SampleID string

// MakeSampleID derives the stable sample id for a file inside a source.
// relPath must be the path relative to the source root, using forward
// slashes.
func MakeSampleID(sourceID, relPath string) (SampleID, error) {
	if sourceID == "" {
		return "", fmt.Errorf("empty source id")
	}
	if relPath == "" {
		return "", fmt.Errorf("empty relative path")
	}
	if strings.Contains(sourceID, SampleIDSeparator) {
		return "", fmt.Errorf("source id %q contains reserved separator", sourceID)
	}
	if strings.Contains(relPath, SampleIDSeparator) {
		return "", fmt.Errorf("path %q contains reserved separator", relPath)
	}
	return SampleID(sourceID + SampleIDSeparator + relPath), nil
}

// Split returns the source id and relative path components of the id.
// ok is false if the id was not produced by MakeSampleID.
func (id SampleID) Split() (sourceID, relPath string, ok bool) {
	sourceID, relPath, ok = strings.Cut(string(id), SampleIDSeparator)
	if !ok || sourceID == "" || relPath == "" {
		return "", "", false
	}
	return sourceID, relPath, true
}

// SourceID returns the source component of the id, or "" if malformed.
func (id SampleID) SourceID() string {
	sourceID, _, ok := id.Split()
	if !ok {
		return ""
	}
	return sourceID
}

// RelPath returns the source-relative path component, or "" if malformed.
func (id SampleID) RelPath() string {
	_, relPath, ok := id.Split()
	if !ok {
		return ""
	}
	return relPath
}

// SampleMetadata is a snapshot of a file's identity-relevant attributes at
// scan time. ContentHash is the sole signal used to decide that a file
// changed and must be reprocessed.
type SampleMetadata struct {
	SampleID    SampleID
	ContentHash string
	Size        int64
	MtimeNS     int64
}

// ChangedSample is one added or updated file reported by a source scan.
// Unchanged files are never reported.
type ChangedSample struct {
	RelativePath string
	ContentHash  string
	FileSize     int64
	ModifiedNS   int64
}

// AnalysisState is the persisted per-sample analysis outcome compared
// against fresh observations to decide staleness.
type AnalysisState struct {
	SampleID        SampleID
	AnalysisVersion string
	ContentHash     string
	DurationSeconds float64
	SampleRateUsed  int
}
