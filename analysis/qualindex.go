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

	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/seqscan/encoding/bamprovider"
	"github.com/grailbio/seqscan/interval"
)

// Bases tracked by the quality index. Anything other than ACGT counts as N.
const (
	baseA = iota
	baseC
	baseG
	baseT
	baseN
	nBases
)

func baseIndex(b byte) int {
	switch b {
	case 'A', 'a':
		return baseA
	case 'C', 'c':
		return baseC
	case 'G', 'g':
		return baseG
	case 'T', 't':
		return baseT
	}
	return baseN
}

type qualAccum struct {
	sum   [nBases]int64
	count [nBases]int32
}

// QualityIndex maps (reference, position, base) to the average base quality
// of the aligned read bases observed there. It is immutable once built and may
// be shared by any number of readers.
type QualityIndex struct {
	refs map[int]map[int]*qualAccum
}

// Avg returns the average quality of base at 0-based position pos of the
// reference with header index refID. ok is false if no read carried that base
// there.
func (x *QualityIndex) Avg(refID, pos int, base byte) (avg float64, ok bool) {
	a := x.refs[refID][pos]
	if a == nil {
		return 0, false
	}
	i := baseIndex(base)
	if a.count[i] == 0 {
		return 0, false
	}
	return float64(a.sum[i]) / float64(a.count[i]), true
}

// PositionCount returns the number of positions of refID with at least one
// observation.
func (x *QualityIndex) PositionCount(refID int) int { return len(x.refs[refID]) }

// NumRefs returns the number of references with at least one observation.
func (x *QualityIndex) NumRefs() int { return len(x.refs) }

func (x *QualityIndex) add(refID int, p PositionInfo) {
	m := x.refs[refID]
	if m == nil {
		m = make(map[int]*qualAccum)
		x.refs[refID] = m
	}
	a := m[p.RefPos]
	if a == nil {
		a = &qualAccum{}
		m[p.RefPos] = a
	}
	i := baseIndex(p.ReadBase)
	a.sum[i] += int64(p.Qual)
	a.count[i]++
}

// BuildQualityIndex reads every mapped, primary, non-duplicate record of p, or
// of region if it is non-nil, and averages the qualities of aligned
// (M, = and X) bases per reference position and base. Inserted and deleted
// positions are not indexed; indels are judged by the aligned base before
// them.
func BuildQualityIndex(ctx context.Context, p bamprovider.Provider, region *interval.Region, opts Opts) (x *QualityIndex, err error) {
	var iter bamprovider.Iterator
	if region == nil {
		iter = p.NewIterator(bamprovider.UniversalShard())
	} else {
		iter = bamprovider.NewRefIterator(p, region.RefName, int(region.Start0), int(region.End))
	}
	defer func() {
		if e := iter.Close(); e != nil && err == nil {
			err = e
		}
	}()

	x = &QualityIndex{refs: make(map[int]map[int]*qualAccum)}
	filter := alignmentFilter{minMapQual: opts.MinMapQual}
	nRecs := 0
	for iter.Scan() {
		rec := iter.Record()
		nRecs++
		if nRecs%65536 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if !filter.pass(rec) {
			continue
		}
		if region != nil && !region.Overlaps(rec.Pos, rec.End()) {
			continue
		}
		bases := ReadBases(rec)
		if bases == nil {
			continue
		}
		walk := NewCigarWalker(rec, bases, WalkOpts{})
		refID := rec.Ref.ID()
		for walk.Scan() {
			pos := walk.Pos()
			switch pos.Op {
			case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
				x.add(refID, pos)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	log.Printf("built quality index from %d records (%d skipped) over %d references", nRecs, filter.rejected(), len(x.refs))
	return x, nil
}
