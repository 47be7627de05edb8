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

	"github.com/grailbio/hts/sam"
)

type aaReadKey struct {
	region        *CodingRegion
	aaPos         int
	aaInsertIndex int
	codon         string
	readName      string
}

type aaReadCount struct {
	refID         int
	refResidue    byte
	readResidue   byte
	refCodon      string
	ntSnps        map[string]struct{}
	alignments    int
}

// AaSnpByReadAggregator records, per read, every amino acid that differs from
// the reference. The key is (coding region, amino acid position, insertion
// index, read codon, read name); both mates of a pair carrying the same change
// count twice.
type AaSnpByReadAggregator struct {
	opts     Opts
	filter   alignmentFilter
	features *FeatureSet
	ids      refIDs
	counts   map[aaReadKey]*aaReadCount
}

// NewAaSnpByReadAggregator creates an aggregator over the coding regions of
// features.
func NewAaSnpByReadAggregator(opts Opts, features *FeatureSet) *AaSnpByReadAggregator {
	return &AaSnpByReadAggregator{
		opts:     opts,
		filter:   alignmentFilter{minMapQual: opts.MinMapQual},
		features: features,
		ids:      refIDs{},
		counts:   map[aaReadKey]*aaReadCount{},
	}
}

func (a *AaSnpByReadAggregator) kind() AggregatorKind { return KindAaSnpByRead }

// InspectAlignment implements Aggregator.
func (a *AaSnpByReadAggregator) InspectAlignment(rec *sam.Record, ref *Reference, snps *ReadSnps, walk *CigarWalker) error {
	if ref == nil || !a.filter.pass(rec) {
		return nil
	}
	refID, err := a.ids.resolve(ref.Name)
	if err != nil {
		return err
	}
	for _, aa := range TranslateSnps(a.features, ref, rec, RenumberInsertions(snps.Passing())) {
		if aa.Synonymous() {
			continue
		}
		k := aaReadKey{aa.Region, aa.AAPos, aa.AAInsertIndex, aa.Codon, rec.Name}
		c := a.counts[k]
		if c == nil {
			c = &aaReadCount{
				refID:       refID,
				refResidue:  aa.RefResidue,
				readResidue: aa.ReadResidue,
				refCodon:    aa.RefCodon,
				ntSnps:      map[string]struct{}{},
			}
			a.counts[k] = c
		}
		c.alignments++
		for _, s := range aa.NtSnps {
			c.ntSnps[ntSnpLabel(s)] = struct{}{}
		}
	}
	return nil
}

// ReadCount returns the number of distinct reads with at least one amino acid
// change in the named region.
func (a *AaSnpByReadAggregator) ReadCount(regionName string) int {
	reads := map[string]struct{}{}
	for k := range a.counts {
		if k.region.Name == regionName {
			reads[k.readName] = struct{}{}
		}
	}
	return len(reads)
}

// AaSnpByReadTable is the name of the table exported by
// AaSnpByReadAggregator.
const AaSnpByReadTable = "aa_snps_by_read"

// WriteOutput implements Aggregator.
func (a *AaSnpByReadAggregator) WriteOutput(ctx context.Context, sink Sink) error {
	keys := make([]aaReadKey, 0, len(a.counts))
	for k := range a.counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ki, kj := keys[i], keys[j]
		switch {
		case ki.readName != kj.readName:
			return ki.readName < kj.readName
		case ki.region.ID != kj.region.ID:
			return ki.region.ID < kj.region.ID
		case ki.aaPos != kj.aaPos:
			return ki.aaPos < kj.aaPos
		case ki.aaInsertIndex != kj.aaInsertIndex:
			return ki.aaInsertIndex < kj.aaInsertIndex
		}
		return ki.codon < kj.codon
	})
	t := &Table{Name: AaSnpByReadTable, Columns: []string{
		"read_name", "ref_nt_id", "ref_nt_name", "ref_aa_id", "ref_aa_name", "ref_aa_position", "ref_aa_insert_index",
		"ref_aa", "q_aa", "codon", "ref_codon", "nt_snps", "alignments"}}
	for _, k := range keys {
		c := a.counts[k]
		t.Append(k.readName, itoa(c.refID), k.region.RefName, itoa(k.region.ID), k.region.Name, itoa(k.aaPos),
			itoa(k.aaInsertIndex), string(c.refResidue), string(c.readResidue), k.codon, c.refCodon,
			strings.Join(sortedKeys(c.ntSnps), ","), itoa(c.alignments))
	}
	return sink.Upsert(ctx, t)
}

// Synopsis implements Aggregator.
func (a *AaSnpByReadAggregator) Synopsis() string {
	return fmt.Sprintf("Aggregation type: AA SNP By Read\nCoding regions: %d\nMinMapQual: %d\nMinSnpQual: %d\nMinAvgSnpQual: %g\nMinDipQual: %d\nMinAvgDipQual: %g",
		len(a.features.Regions()), a.opts.MinMapQual, a.opts.MinSnpQual, a.opts.MinAvgSnpQual, a.opts.MinDipQual, a.opts.MinAvgDipQual)
}
