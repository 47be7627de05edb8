// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package analysis

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
)

type aaCodonKey struct {
	region        *CodingRegion
	aaPos         int
	aaInsertIndex int
	codon         string
}

type aaCodonCount struct {
	refID       int
	refResidue  byte
	readResidue byte
	refCodon    string
	readNames   map[string]struct{}
	// ntPositions are the 0-based reference positions whose depth is
	// averaged.
	ntPositions map[int]struct{}
	ntSnps      map[string]struct{}
}

// AaSnpByCodonAggregator counts the reads that carry each non-synonymous
// amino acid change, keyed by (coding region, amino acid position, insertion
// index, read codon).
type AaSnpByCodonAggregator struct {
	opts        Opts
	filter      alignmentFilter
	features    *FeatureSet
	coverage    *CoverageAggregator
	ownCoverage bool
	ids         refIDs
	counts      map[aaCodonKey]*aaCodonCount

	nAlignments  int
	filteredSnps int
}

// NewAaSnpByCodonAggregator creates an aggregator over the coding regions of
// features. Depths come from coverage, which must be registered with the same
// BamIterator; if it is nil a private CoverageAggregator is fed instead.
func NewAaSnpByCodonAggregator(opts Opts, features *FeatureSet, coverage *CoverageAggregator) *AaSnpByCodonAggregator {
	a := &AaSnpByCodonAggregator{
		opts:     opts,
		filter:   alignmentFilter{minMapQual: opts.MinMapQual},
		features: features,
		coverage: coverage,
		ids:      refIDs{},
		counts:   map[aaCodonKey]*aaCodonCount{},
	}
	if coverage == nil {
		a.coverage = NewCoverageAggregator(opts)
		a.ownCoverage = true
	}
	return a
}

func (a *AaSnpByCodonAggregator) kind() AggregatorKind { return KindAaSnpByCodon }

// InspectAlignment implements Aggregator.
func (a *AaSnpByCodonAggregator) InspectAlignment(rec *sam.Record, ref *Reference, snps *ReadSnps, walk *CigarWalker) error {
	if a.ownCoverage {
		if err := a.coverage.InspectAlignment(rec, ref, snps, walk); err != nil {
			return err
		}
	}
	if ref == nil || !a.filter.pass(rec) {
		return nil
	}
	refID, err := a.ids.resolve(ref.Name)
	if err != nil {
		return err
	}
	a.nAlignments++
	a.filteredSnps += snps.Len() - snps.NumPassing()
	for _, aa := range TranslateSnps(a.features, ref, rec, RenumberInsertions(snps.Passing())) {
		if aa.Synonymous() {
			continue
		}
		k := aaCodonKey{aa.Region, aa.AAPos, aa.AAInsertIndex, aa.Codon}
		c := a.counts[k]
		if c == nil {
			c = &aaCodonCount{
				refID:       refID,
				refResidue:  aa.RefResidue,
				readResidue: aa.ReadResidue,
				refCodon:    aa.RefCodon,
				readNames:   map[string]struct{}{},
				ntPositions: map[int]struct{}{},
				ntSnps:      map[string]struct{}{},
			}
			for _, pos := range codonRefPositions(aa) {
				c.ntPositions[pos] = struct{}{}
			}
			a.counts[k] = c
		}
		c.readNames[rec.Name] = struct{}{}
		for _, s := range aa.NtSnps {
			c.ntSnps[ntSnpLabel(s)] = struct{}{}
		}
	}
	return nil
}

// codonRefPositions returns the reference positions whose depth is averaged
// for aa: the bases of its codon, or the anchor of an inserted residue.
func codonRefPositions(aa *AASnp) []int {
	if aa.AAInsertIndex > 0 {
		if len(aa.NtSnps) > 0 {
			return []int{aa.NtSnps[0].RefPos}
		}
		return nil
	}
	var out []int
	for i := 0; i < 3; i++ {
		if pos, ok := aa.Region.refPos(3*(aa.AAPos-1) + i); ok {
			out = append(out, pos)
		}
	}
	return out
}

func ntSnpLabel(s *NTSnp) string {
	label := fmt.Sprintf("%c%d%c", s.RefBase, s.RefPos+1, s.ReadBase)
	if s.InsertIndex > 0 {
		label = fmt.Sprintf("%c%d.%d%c", s.RefBase, s.RefPos+1, s.InsertIndex, s.ReadBase)
	}
	return label
}

// Count returns the number of reads carrying codon at (region, aaPos,
// aaInsertIndex).
func (a *AaSnpByCodonAggregator) Count(regionName string, aaPos, aaInsertIndex int, codon string) int {
	for k, c := range a.counts {
		if k.region.Name == regionName && k.aaPos == aaPos && k.aaInsertIndex == aaInsertIndex && k.codon == codon {
			return len(c.readNames)
		}
	}
	return 0
}

// AaSnpByCodonTable is the name of the table exported by
// AaSnpByCodonAggregator.
const AaSnpByCodonTable = "aa_snps_by_codon"

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// WriteOutput implements Aggregator.
func (a *AaSnpByCodonAggregator) WriteOutput(ctx context.Context, sink Sink) error {
	log.Printf("Saving AA SNP Results")
	keys := make([]aaCodonKey, 0, len(a.counts))
	for k := range a.counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ki, kj := keys[i], keys[j]
		switch {
		case ki.region.ID != kj.region.ID:
			return ki.region.ID < kj.region.ID
		case ki.aaPos != kj.aaPos:
			return ki.aaPos < kj.aaPos
		case ki.aaInsertIndex != kj.aaInsertIndex:
			return ki.aaInsertIndex < kj.aaInsertIndex
		}
		return ki.codon < kj.codon
	})

	t := &Table{Name: AaSnpByCodonTable, Columns: []string{
		"ref_nt_id", "ref_nt_name", "ref_aa_id", "ref_aa_name", "ref_aa_position", "ref_aa_insert_index",
		"ref_aa", "q_aa", "codon", "ref_codon", "readcount", "depth", "adj_depth", "pct", "ref_nt_positions", "nt_snps"}}
	type regionKey struct{ refName, aaName string }
	byRegion := map[regionKey]int{}
	for _, k := range keys {
		c := a.counts[k]
		positions := make([]int, 0, len(c.ntPositions))
		for pos := range c.ntPositions {
			positions = append(positions, pos)
		}
		sort.Ints(positions)
		depth, adjDepth := 0.0, 0.0
		posLabels := make([]string, len(positions))
		for i, pos := range positions {
			depth += float64(a.coverage.Depth(k.region.RefName, pos, 0))
			adjDepth += float64(a.coverage.HcDepth(k.region.RefName, pos, 0))
			posLabels[i] = itoa(pos + 1)
		}
		if n := len(positions); n > 0 {
			depth /= float64(n)
			adjDepth /= float64(n)
		}
		readCount := len(c.readNames)
		pct := ""
		switch {
		case c.readResidue == ResidueFrameshift:
		case adjDepth == 0:
			pct = "0"
		default:
			pct = ftoa(100 * float64(readCount) / adjDepth)
		}
		t.Append(itoa(c.refID), k.region.RefName, itoa(k.region.ID), k.region.Name, itoa(k.aaPos), itoa(k.aaInsertIndex),
			string(c.refResidue), string(c.readResidue), k.codon, c.refCodon, itoa(readCount),
			ftoa(depth), ftoa(adjDepth), pct, strings.Join(posLabels, ","), strings.Join(sortedKeys(c.ntSnps), ","))
		byRegion[regionKey{k.region.RefName, k.region.Name}]++
	}
	if err := sink.Upsert(ctx, t); err != nil {
		return err
	}
	log.Printf("\tTotal AA Reference sequences encountered: %d", len(byRegion))
	log.Printf("\tTotal alignments discarded due to low mapping quality: %d", a.filter.lowMapQual)
	log.Printf("\tTotal filtered SNPs: %d", a.filteredSnps)
	log.Printf("\tTotal alignments inspected: %d", a.nAlignments)
	log.Printf("\tSNPs saved by reference:")
	regionKeys := make([]regionKey, 0, len(byRegion))
	for k := range byRegion {
		regionKeys = append(regionKeys, k)
	}
	sort.Slice(regionKeys, func(i, j int) bool {
		if regionKeys[i].refName != regionKeys[j].refName {
			return regionKeys[i].refName < regionKeys[j].refName
		}
		return regionKeys[i].aaName < regionKeys[j].aaName
	})
	for _, k := range regionKeys {
		log.Printf("\t%s %s: %d", k.refName, k.aaName, byRegion[k])
	}
	return nil
}

// Synopsis implements Aggregator.
func (a *AaSnpByCodonAggregator) Synopsis() string {
	return fmt.Sprintf("Aggregation type: AA SNP By Codon\nCoding regions: %d\nMinMapQual: %d\nMinSnpQual: %d\nMinAvgSnpQual: %g\nMinDipQual: %d\nMinAvgDipQual: %g",
		len(a.features.Regions()), a.opts.MinMapQual, a.opts.MinSnpQual, a.opts.MinAvgSnpQual, a.opts.MinDipQual, a.opts.MinAvgDipQual)
}
