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
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/biogo/biogo/io/featio"
	"github.com/biogo/biogo/io/featio/gff"
	"github.com/biogo/biogo/seq"
	"github.com/biogo/store/interval"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// Exon is one coding segment, 0-based half-open on the reference.
type Exon struct {
	Start, End int
}

// CodingRegion is a protein-coding sequence annotated on a reference.
type CodingRegion struct {
	// ID is the numeric id exported with amino acid SNPs.
	ID      int
	Name    string
	RefName string
	Strand  seq.Strand
	// Exons are sorted by Start and do not overlap.
	Exons []Exon
}

// Len returns the number of coding bases.
func (r *CodingRegion) Len() int {
	n := 0
	for _, e := range r.Exons {
		n += e.End - e.Start
	}
	return n
}

// Start and End return the span of the region on the reference.
func (r *CodingRegion) Start() int { return r.Exons[0].Start }

// End returns the end of the region span, exclusive.
func (r *CodingRegion) End() int { return r.Exons[len(r.Exons)-1].End }

// cdsOffset returns the 0-based offset of reference position pos within the
// coding sequence, counted in the direction of transcription.
func (r *CodingRegion) cdsOffset(pos int) (int, bool) {
	off := 0
	for _, e := range r.Exons {
		if pos >= e.Start && pos < e.End {
			off += pos - e.Start
			if r.Strand == seq.Minus {
				off = r.Len() - 1 - off
			}
			return off, true
		}
		off += e.End - e.Start
	}
	return 0, false
}

// refPos is the inverse of cdsOffset.
func (r *CodingRegion) refPos(off int) (int, bool) {
	if off < 0 || off >= r.Len() {
		return 0, false
	}
	if r.Strand == seq.Minus {
		off = r.Len() - 1 - off
	}
	for _, e := range r.Exons {
		if n := e.End - e.Start; off < n {
			return e.Start + off, true
		} else {
			off -= n
		}
	}
	return 0, false
}

// codonCount returns the number of complete codons.
func (r *CodingRegion) codonCount() int { return r.Len() / 3 }

type regionInterval struct {
	*CodingRegion
	id uintptr
}

func (r regionInterval) ID() uintptr { return r.id }
func (r regionInterval) Range() interval.IntRange {
	return interval.IntRange{Start: r.Start(), End: r.End()}
}
func (r regionInterval) Overlap(b interval.IntRange) bool {
	// Half-open interval indexing.
	return r.End() > b.Start && r.Start() < b.End
}

type rangeQuery struct {
	start, end int
}

func (q rangeQuery) ID() uintptr { return 0 }
func (q rangeQuery) Range() interval.IntRange {
	return interval.IntRange{Start: q.start, End: q.end}
}
func (q rangeQuery) Overlap(b interval.IntRange) bool {
	return q.end > b.Start && q.start < b.End
}

// FeatureSet indexes coding regions by reference for overlap queries.
type FeatureSet struct {
	trees   map[string]*interval.IntTree
	regions []*CodingRegion
}

// NewFeatureSet creates an empty FeatureSet.
func NewFeatureSet() *FeatureSet {
	return &FeatureSet{trees: map[string]*interval.IntTree{}}
}

// Add inserts a region. Its exons are sorted in place.
func (fs *FeatureSet) Add(r *CodingRegion) error {
	if len(r.Exons) == 0 {
		return errors.E(errors.Invalid, "coding region without exons:", r.Name)
	}
	sort.Slice(r.Exons, func(i, j int) bool { return r.Exons[i].Start < r.Exons[j].Start })
	for i, e := range r.Exons {
		if e.End <= e.Start || (i > 0 && e.Start < r.Exons[i-1].End) {
			return errors.E(errors.Invalid, "coding region", r.Name, "has empty or overlapping exons")
		}
	}
	t := fs.trees[r.RefName]
	if t == nil {
		t = &interval.IntTree{}
		fs.trees[r.RefName] = t
	}
	fs.regions = append(fs.regions, r)
	return t.Insert(regionInterval{r, uintptr(len(fs.regions))}, false)
}

// Regions returns every region.
func (fs *FeatureSet) Regions() []*CodingRegion {
	if fs == nil {
		return nil
	}
	return fs.regions
}

// Overlapping returns the regions on refName that intersect [start, end),
// ordered by ID.
func (fs *FeatureSet) Overlapping(refName string, start, end int) []*CodingRegion {
	if fs == nil {
		return nil
	}
	t := fs.trees[refName]
	if t == nil || end <= start {
		return nil
	}
	var out []*CodingRegion
	for _, hit := range t.Get(rangeQuery{start, end}) {
		out = append(out, hit.(regionInterval).CodingRegion)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReadFeatures reads CDS features from GFF. Features sharing a Name attribute
// (or ID when Name is absent) on one reference form a single coding region.
// A numeric ID attribute becomes the region ID; otherwise regions are
// numbered from 1 in order of appearance.
func ReadFeatures(r io.Reader) (*FeatureSet, error) {
	type regionKey struct{ ref, name string }
	regions := map[regionKey]*CodingRegion{}
	var order []*CodingRegion

	sc := featio.NewScanner(gff.NewReader(r))
	for sc.Next() {
		f := sc.Feat().(*gff.Feature)
		if !strings.EqualFold(f.Feature, "CDS") {
			continue
		}
		name := unquote(f.FeatAttributes.Get("Name"))
		idAttr := unquote(f.FeatAttributes.Get("ID"))
		if name == "" {
			name = idAttr
		}
		if name == "" {
			return nil, errors.E(errors.Invalid, "CDS feature without Name or ID attribute on", f.SeqName)
		}
		k := regionKey{f.SeqName, name}
		cr := regions[k]
		if cr == nil {
			cr = &CodingRegion{ID: len(order) + 1, Name: name, RefName: f.SeqName, Strand: f.FeatStrand}
			if id, err := strconv.Atoi(idAttr); err == nil {
				cr.ID = id
			}
			regions[k] = cr
			order = append(order, cr)
		} else if cr.Strand != f.FeatStrand {
			return nil, errors.E(errors.Invalid, "coding region", name, "has exons on both strands")
		}
		cr.Exons = append(cr.Exons, Exon{Start: f.FeatStart, End: f.FeatEnd})
	}
	if err := sc.Error(); err != nil {
		return nil, errors.E(errors.Invalid, "reading GFF", err)
	}
	fs := NewFeatureSet()
	for _, cr := range order {
		if err := fs.Add(cr); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

func unquote(s string) string { return strings.Trim(s, `"`) }

// LoadFeatures reads the GFF file at path, which may be an S3 URL.
func LoadFeatures(ctx context.Context, path string) (fs *FeatureSet, err error) {
	var in file.File
	if in, err = file.Open(ctx, path); err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	return ReadFeatures(in.Reader(ctx))
}
