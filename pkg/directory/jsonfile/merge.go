package jsonfile

import (
	"fmt"

	"github.com/veld-ldap/veld/internal/logger"
	"github.com/veld-ldap/veld/pkg/directory"
)

// Strategy selects how DN collisions across federated sources are resolved.
type Strategy string

const (
	// StrategyLastWins keeps the record from the source configured later.
	StrategyLastWins Strategy = "last-wins"

	// StrategyFirstWins keeps the earliest-configured source's record.
	StrategyFirstWins Strategy = "first-wins"

	// StrategyStrict treats any cross-source duplicate as fatal; no
	// partial merge is published.
	StrategyStrict Strategy = "strict"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLastWins, StrategyFirstWins, StrategyStrict:
		return true
	}
	return false
}

// MergeSource is one loaded source's contribution to the federation, in
// configured order.
type MergeSource struct {
	Path    string
	BaseDN  string
	Records []Record
}

// MergeStats summarizes one merge for diagnostics.
type MergeStats struct {
	Sources   int
	Entries   int
	Conflicts int
}

// Merge combines the loaded sources into one fully-built tree.
//
// The merged root is the first source's declared base DN; later sources
// declaring a different base are recorded as a warning, not an error.
// After records are reconciled per the strategy, placeholder parents are
// synthesized for any missing ancestor so the tree is fully connected
// before it is returned.
//
// Merge is deterministic: a fixed source order and strategy always yield
// an identical tree.
func Merge(sources []MergeSource, strategy Strategy) (*directory.Tree, MergeStats, error) {
	stats := MergeStats{Sources: len(sources)}

	if len(sources) == 0 {
		return nil, stats, &directory.StoreError{
			Code:    directory.ErrInvalidArgument,
			Message: "no sources to merge",
		}
	}
	if !strategy.Valid() {
		return nil, stats, &directory.StoreError{
			Code:    directory.ErrInvalidArgument,
			Message: fmt.Sprintf("unknown merge strategy %q", strategy),
		}
	}

	rootDN := sources[0].BaseDN
	for _, src := range sources[1:] {
		if directory.NormalizeDN(src.BaseDN) != directory.NormalizeDN(rootDN) {
			logger.Warn("source %s declares base_dn %q, federation root is %q from %s",
				src.Path, src.BaseDN, rootDN, sources[0].Path)
		}
	}

	byDN := make(map[string]*directory.Entry)
	var order []string

	for _, src := range sources {
		for i := range src.Records {
			entry := src.Records[i].Entry(src.Path)
			norm := entry.Norm()

			existing, collides := byDN[norm]
			if !collides {
				byDN[norm] = entry
				order = append(order, norm)
				continue
			}

			stats.Conflicts++
			switch strategy {
			case StrategyFirstWins:
				logger.Debug("merge conflict for %s: keeping record from %s, ignoring %s",
					entry.DN, existing.Source, src.Path)
			case StrategyLastWins:
				logger.Debug("merge conflict for %s: overwriting record from %s with %s",
					entry.DN, existing.Source, src.Path)
				byDN[norm] = entry
			case StrategyStrict:
				return nil, stats, &directory.StoreError{
					Code: directory.ErrMergeConflict,
					Message: fmt.Sprintf("duplicate DN between sources %s and %s",
						existing.Source, src.Path),
					DN: entry.DN,
				}
			}
		}
	}

	entries := make([]*directory.Entry, 0, len(byDN)+1)
	rootNorm := directory.NormalizeDN(rootDN)
	if _, ok := byDN[rootNorm]; !ok {
		entries = append(entries, directory.NewPlaceholder(rootDN))
	}
	for _, norm := range order {
		entries = append(entries, byDN[norm])
	}

	entries = directory.SynthesizeAncestors(rootDN, entries)
	stats.Entries = len(entries)

	return directory.NewTree(rootDN, entries), stats, nil
}
