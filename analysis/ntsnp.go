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

	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
)

type ntSnpKey struct {
	refName     string
	pos         int
	insertIndex int
	base        byte
}

type ntSnpCount struct {
	refID   int
	refBase byte
	reads   int
	qualSum int64
}

// NtSnpByPosAggregator counts the SNPs accepted by the quality gate per
// (reference, position, insertion index, read base). Percentages are computed
// at export against the depth of a CoverageAggregator.
type NtSnpByPosAggregator struct {
	opts     Opts
	filter   alignmentFilter
	coverage *CoverageAggregator
	// ownCoverage is set when coverage is private and fed by this aggregator.
	ownCoverage bool
	ids         refIDs
	counts      map[ntSnpKey]*ntSnpCount

	nAlignments  int
	filteredSnps int
}

// NewNtSnpByPosAggregator creates an aggregator that takes its depths from
// coverage. coverage must be registered with the same BamIterator. If it is
// nil, the aggregator keeps and feeds a private CoverageAggregator.
func NewNtSnpByPosAggregator(opts Opts, coverage *CoverageAggregator) *NtSnpByPosAggregator {
	a := &NtSnpByPosAggregator{
		opts:     opts,
		filter:   alignmentFilter{minMapQual: opts.MinMapQual},
		coverage: coverage,
		ids:      refIDs{},
		counts:   map[ntSnpKey]*ntSnpCount{},
	}
	if coverage == nil {
		a.coverage = NewCoverageAggregator(opts)
		a.ownCoverage = true
	}
	return a
}

func (a *NtSnpByPosAggregator) kind() AggregatorKind { return KindNtSnpByPos }

// InspectAlignment implements Aggregator.
func (a *NtSnpByPosAggregator) InspectAlignment(rec *sam.Record, ref *Reference, snps *ReadSnps, walk *CigarWalker) error {
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
	for _, s := range RenumberInsertions(snps.Passing()) {
		k := ntSnpKey{ref.Name, s.RefPos, s.InsertIndex, s.ReadBase}
		c := a.counts[k]
		if c == nil {
			c = &ntSnpCount{refID: refID, refBase: s.RefBase}
			a.counts[k] = c
		}
		c.reads++
		c.qualSum += int64(s.Qual)
	}
	return nil
}

// SnpCount returns the number of distinct (reference, position, insertion
// index, base) SNPs counted.
func (a *NtSnpByPosAggregator) SnpCount() int { return len(a.counts) }

// ReadCount returns the number of reads supporting the SNP.
func (a *NtSnpByPosAggregator) ReadCount(refName string, pos, insertIndex int, base byte) int {
	if c := a.counts[ntSnpKey{refName, pos, insertIndex, base}]; c != nil {
		return c.reads
	}
	return 0
}

// NtSnpTable is the name of the table exported by NtSnpByPosAggregator.
const NtSnpTable = "nt_snps_by_pos"

// WriteOutput implements Aggregator.
func (a *NtSnpByPosAggregator) WriteOutput(ctx context.Context, sink Sink) error {
	log.Printf("Saving NT SNP results")
	keys := make([]ntSnpKey, 0, len(a.counts))
	for k := range a.counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ki, kj := keys[i], keys[j]
		switch {
		case ki.refName != kj.refName:
			return ki.refName < kj.refName
		case ki.pos != kj.pos:
			return ki.pos < kj.pos
		case ki.insertIndex != kj.insertIndex:
			return ki.insertIndex < kj.insertIndex
		}
		return ki.base < kj.base
	})

	t := &Table{Name: NtSnpTable, Columns: []string{
		"ref_nt_id", "ref_nt_name", "ref_nt_position", "ref_nt_insert_index", "ref_nt",
		"q_nt", "readcount", "depth", "adj_depth", "pct", "avgqual"}}
	byRef := map[string]int{}
	for _, k := range keys {
		c := a.counts[k]
		depth := a.coverage.Depth(k.refName, k.pos, 0)
		adjDepth := a.coverage.HcDepth(k.refName, k.pos, 0)
		pct := ""
		switch {
		case k.base == 'N':
		case adjDepth == 0:
			pct = "0"
		default:
			pct = ftoa(100 * float64(c.reads) / float64(adjDepth))
		}
		t.Append(itoa(c.refID), k.refName, itoa(k.pos+1), itoa(k.insertIndex), string(c.refBase),
			string(k.base), itoa(c.reads), itoa(depth), itoa(adjDepth), pct,
			ftoa(float64(c.qualSum)/float64(c.reads)))
		byRef[k.refName]++
	}
	if err := sink.Upsert(ctx, t); err != nil {
		return err
	}
	names := make([]string, 0, len(byRef))
	for name := range byRef {
		names = append(names, name)
	}
	sort.Strings(names)
	log.Printf("\tReference sequences saved: %d", len(names))
	log.Printf("\tTotal filtered SNPs: %d", a.filteredSnps)
	log.Printf("\tTotal alignments inspected: %d", a.nAlignments)
	log.Printf("\tSNPs saved by reference:")
	for _, name := range names {
		log.Printf("\t%s: %d", name, byRef[name])
	}
	return nil
}

// Synopsis implements Aggregator.
func (a *NtSnpByPosAggregator) Synopsis() string {
	return fmt.Sprintf("Aggregation type: NT SNP By Position\nMinMapQual: %d\nMinSnpQual: %d\nMinAvgSnpQual: %g\nMinDipQual: %d\nMinAvgDipQual: %g",
		a.opts.MinMapQual, a.opts.MinSnpQual, a.opts.MinAvgSnpQual, a.opts.MinDipQual, a.opts.MinAvgDipQual)
}
