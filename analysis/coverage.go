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

// Coverage buckets: the quality index bases plus deletions.
const (
	covDel = nBases
	nCov   = nBases + 1
)

var covLetters = [nCov]string{"a", "c", "g", "t", "n", "del"}

type covKey struct {
	pos, insertIndex int
}

// covCell counts the read bases seen at one (position, insertion index).
type covCell struct {
	raw     [nCov]int
	hc      [nCov]int
	qualSum [nCov]int64
}

func (c *covCell) depth() (raw, hc int) {
	for i := 0; i < nCov; i++ {
		raw += c.raw[i]
		hc += c.hc[i]
	}
	return raw, hc
}

type refCoverage struct {
	ref   *Reference
	id    int
	cells map[covKey]*covCell
}

// CoverageAggregator counts, for every reference position and insertion index
// spanned by a read, the read bases observed there. Raw depth counts every
// spanned position of a passing read. High-confidence depth leaves out N
// bases, bases within the excluded read edges, and SNPs rejected by the
// quality gate, which count as N in the raw depth.
type CoverageAggregator struct {
	opts   Opts
	filter alignmentFilter
	ids    refIDs
	refs   map[string]*refCoverage
	nReads int
}

// NewCoverageAggregator creates an empty CoverageAggregator.
func NewCoverageAggregator(opts Opts) *CoverageAggregator {
	return &CoverageAggregator{
		opts:   opts,
		filter: alignmentFilter{minMapQual: opts.MinMapQual},
		ids:    refIDs{},
		refs:   map[string]*refCoverage{},
	}
}

func (a *CoverageAggregator) kind() AggregatorKind { return KindCoverage }

// InspectAlignment implements Aggregator.
func (a *CoverageAggregator) InspectAlignment(rec *sam.Record, ref *Reference, snps *ReadSnps, walk *CigarWalker) error {
	if ref == nil || walk == nil || !a.filter.pass(rec) {
		return nil
	}
	rc := a.refs[ref.Name]
	if rc == nil {
		id, err := a.ids.resolve(ref.Name)
		if err != nil {
			return err
		}
		rc = &refCoverage{ref: ref, id: id, cells: map[covKey]*covCell{}}
		a.refs[ref.Name] = rc
	}
	a.nReads++
	walk.Reset()
	for walk.Scan() {
		p := walk.Pos()
		if p.RefPos < 0 {
			// Insertion before the first aligned base.
			continue
		}
		k := covKey{p.RefPos, p.InsertIndex}
		cell := rc.cells[k]
		if cell == nil {
			cell = &covCell{}
			rc.cells[k] = cell
		}
		b := covDel
		if !p.IsDeletion() {
			b = baseIndex(p.ReadBase)
		}
		hc := p.IncludeInSnpCount && b != baseN
		if s := snps.Find(p.RefPos, p.InsertIndex); s != nil && !snps.Verdict(s).Pass {
			b, hc = baseN, false
		}
		cell.raw[b]++
		cell.qualSum[b] += int64(p.Qual)
		if hc {
			cell.hc[b]++
		}
	}
	return nil
}

// Depth returns the raw depth at 0-based position pos and insertion index
// insertIndex of refName.
func (a *CoverageAggregator) Depth(refName string, pos, insertIndex int) int {
	if rc := a.refs[refName]; rc != nil {
		if c := rc.cells[covKey{pos, insertIndex}]; c != nil {
			raw, _ := c.depth()
			return raw
		}
	}
	return 0
}

// HcDepth returns the high-confidence depth at (pos, insertIndex) of refName.
func (a *CoverageAggregator) HcDepth(refName string, pos, insertIndex int) int {
	if rc := a.refs[refName]; rc != nil {
		if c := rc.cells[covKey{pos, insertIndex}]; c != nil {
			_, hc := c.depth()
			return hc
		}
	}
	return 0
}

// PositionCount returns the number of (position, insertion index) pairs of
// refName with coverage.
func (a *CoverageAggregator) PositionCount(refName string) int {
	if rc := a.refs[refName]; rc != nil {
		return len(rc.cells)
	}
	return 0
}

// TotalPositions returns the number of covered (position, insertion index)
// pairs over all references.
func (a *CoverageAggregator) TotalPositions() int {
	n := 0
	for _, rc := range a.refs {
		n += len(rc.cells)
	}
	return n
}

func (a *CoverageAggregator) sortedRefNames() []string {
	names := make([]string, 0, len(a.refs))
	for name := range a.refs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CoverageTable is the name of the table exported by CoverageAggregator.
const CoverageTable = "nt_coverage"

// WriteOutput implements Aggregator.
func (a *CoverageAggregator) WriteOutput(ctx context.Context, sink Sink) error {
	log.Printf("Saving Coverage Results")
	t := &Table{Name: CoverageTable, Columns: []string{
		"ref_nt_id", "ref_nt_name", "ref_nt_position", "ref_nt_insert_index", "ref_nt", "depth", "adj_depth"}}
	for _, l := range covLetters {
		t.Columns = append(t.Columns, "total_"+l)
	}
	for _, l := range covLetters[:nBases] {
		t.Columns = append(t.Columns, "avgqual_"+l)
	}

	names := a.sortedRefNames()
	for _, name := range names {
		rc := a.refs[name]
		keys := make([]covKey, 0, len(rc.cells))
		for k := range rc.cells {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].pos != keys[j].pos {
				return keys[i].pos < keys[j].pos
			}
			return keys[i].insertIndex < keys[j].insertIndex
		})
		for _, k := range keys {
			c := rc.cells[k]
			raw, hc := c.depth()
			refBase := "-"
			if k.insertIndex == 0 && k.pos >= 0 && k.pos < len(rc.ref.Bases) {
				refBase = string(rc.ref.Bases[k.pos])
			}
			row := []string{itoa(rc.id), name, itoa(k.pos + 1), itoa(k.insertIndex), refBase, itoa(raw), itoa(hc)}
			for i := 0; i < nCov; i++ {
				row = append(row, itoa(c.raw[i]))
			}
			for i := 0; i < nBases; i++ {
				avg := ""
				if c.raw[i] > 0 {
					avg = ftoa(float64(c.qualSum[i]) / float64(c.raw[i]))
				}
				row = append(row, avg)
			}
			t.Append(row...)
		}
	}
	if err := sink.Upsert(ctx, t); err != nil {
		return err
	}
	log.Printf("\tReference sequences saved: %d", len(names))
	log.Printf("\tPositions saved by reference (may include indels, so total could exceed reference length):")
	for _, name := range names {
		log.Printf("\t%s: %d", name, len(a.refs[name].cells))
	}
	return nil
}

// Synopsis implements Aggregator.
func (a *CoverageAggregator) Synopsis() string {
	return fmt.Sprintf("Aggregation type: Coverage\nMinMapQual: %d\nMinSnpQual: %d\nMinAvgSnpQual: %g\nMinDipQual: %d\nMinAvgDipQual: %g\nReads counted: %d\nReads skipped: %d",
		a.opts.MinMapQual, a.opts.MinSnpQual, a.opts.MinAvgSnpQual, a.opts.MinDipQual, a.opts.MinAvgDipQual, a.nReads, a.filter.rejected())
}
