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

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/seqscan/encoding/bamprovider"
	"github.com/grailbio/seqscan/encoding/fasta"
	"github.com/grailbio/seqscan/interval"
)

type iteratorState int

const (
	stateOpened iteratorState = iota
	stateStreaming
	stateDone
	stateClosed
)

// BamIterator streams the records of one indexed BAM file and dispatches each
// read, together with its reference sequence and quality-gated SNP
// candidates, to every registered aggregator in registration order.
//
// A BamIterator runs a single iteration, whole-file or region, and is not
// thread-safe.
type BamIterator struct {
	provider bamprovider.Provider
	fasta    fasta.Fasta
	// closers release the inputs opened by NewBamIterator.
	closers []func() error

	opts        Opts
	aggregators []Aggregator
	gate        *QualityGate
	refs        map[int]*Reference
	state       iteratorState
	nReads      int
}

// NewBamIterator opens bamPath and fastaPath. Both must have an index next to
// them (<bam>.bai, <fasta>.fai); a missing index is an errors.NotExist error.
func NewBamIterator(ctx context.Context, bamPath, fastaPath string, opts Opts) (*BamIterator, error) {
	for _, path := range []string{bamPath + ".bai", fastaPath + ".fai"} {
		if _, err := file.Stat(ctx, path); err != nil {
			return nil, errors.E(errors.NotExist, "index file not found:", path, err)
		}
	}
	fa, err := fasta.OpenIndexed(ctx, fastaPath, fastaPath+".fai")
	if err != nil {
		return nil, err
	}
	provider := bamprovider.NewProvider(bamPath)
	it := NewBamIteratorFromSources(provider, fa, opts)
	it.closers = []func() error{
		provider.Close,
		func() error { return fa.Close(ctx) },
	}
	return it, nil
}

// NewBamIteratorFromSources creates an iterator over already opened inputs.
// The caller keeps ownership of provider and fa.
func NewBamIteratorFromSources(provider bamprovider.Provider, fa fasta.Fasta, opts Opts) *BamIterator {
	return &BamIterator{
		provider: provider,
		fasta:    fa,
		opts:     opts,
		gate:     NewQualityGate(nil, opts),
		refs:     map[int]*Reference{},
	}
}

// Provider returns the BAM source of the iterator.
func (it *BamIterator) Provider() bamprovider.Provider { return it.provider }

// AddAggregators registers aggregators. It must be called before iteration.
func (it *BamIterator) AddAggregators(aggs ...Aggregator) {
	if it.state != stateOpened {
		log.Panicf("AddAggregators called after iteration started")
	}
	it.aggregators = append(it.aggregators, aggs...)
}

// Aggregators returns the registered aggregators.
func (it *BamIterator) Aggregators() []Aggregator { return it.aggregators }

// SetQualityIndex sets the index consulted by the quality gate. Without one,
// every average quality lookup falls back to Opts.MissingAvgQual.
func (it *BamIterator) SetQualityIndex(index *QualityIndex) {
	it.gate = NewQualityGate(index, it.opts)
}

// QualityGate returns the gate applied to SNP candidates.
func (it *BamIterator) QualityGate() *QualityGate { return it.gate }

// ReadsProcessed returns the number of records dispatched so far.
func (it *BamIterator) ReadsProcessed() int { return it.nReads }

func (it *BamIterator) start() error {
	switch it.state {
	case stateOpened:
		it.state = stateStreaming
		return nil
	case stateClosed:
		return errors.E(errors.Invalid, "BamIterator is closed")
	}
	return errors.E(errors.Invalid, "BamIterator supports a single iteration")
}

// IterateReads dispatches every record of the BAM file, unmapped ones
// included.
func (it *BamIterator) IterateReads(ctx context.Context) error {
	if err := it.start(); err != nil {
		return err
	}
	return it.iterate(ctx, it.provider.NewIterator(bamprovider.UniversalShard()), nil, it.opts.FullProgressInterval)
}

// IterateRegion dispatches the mapped records of region.RefName that overlap
// [region.Start0, region.End).
func (it *BamIterator) IterateRegion(ctx context.Context, region interval.Region) error {
	if err := it.start(); err != nil {
		return err
	}
	iter := bamprovider.NewRefIterator(it.provider, region.RefName, int(region.Start0), int(region.End))
	return it.iterate(ctx, iter, &region, it.opts.RegionProgressInterval)
}

func (it *BamIterator) iterate(ctx context.Context, iter bamprovider.Iterator, region *interval.Region, progress int) (err error) {
	defer func() {
		if e := iter.Close(); e != nil && err == nil {
			err = e
		}
		it.state = stateDone
		// References are cached for one run only.
		it.refs = map[int]*Reference{}
	}()
	if region != nil {
		log.Printf("iterating region %s", region)
	}
	for iter.Scan() {
		rec := iter.Record()
		if region != nil {
			if rec.Ref == nil || rec.Ref.Name() != region.RefName || rec.Flags&sam.Unmapped != 0 {
				continue
			}
			if !region.Overlaps(rec.Pos, rec.End()) {
				continue
			}
		}
		if err := it.dispatch(rec); err != nil {
			return err
		}
		it.nReads++
		if progress > 0 && it.nReads%progress == 0 {
			log.Printf("processed %d reads", it.nReads)
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	log.Printf("processed %d reads total", it.nReads)
	return nil
}

func (it *BamIterator) reference(ref *sam.Reference) (*Reference, error) {
	if r, ok := it.refs[ref.ID()]; ok {
		return r, nil
	}
	bases, err := fasta.Bases(it.fasta, ref.Name())
	if err != nil {
		return nil, errors.E(errors.NotExist, "reference sequence not found in FASTA:", ref.Name(), err)
	}
	r := &Reference{ID: ref.ID(), Name: ref.Name(), Bases: bases}
	it.refs[ref.ID()] = r
	return r, nil
}

// dispatch walks one record and hands it to every aggregator.
func (it *BamIterator) dispatch(rec *sam.Record) error {
	if rec.Flags&sam.Unmapped != 0 || rec.Ref == nil {
		for _, a := range it.aggregators {
			if err := a.InspectAlignment(rec, nil, emptyReadSnps, nil); err != nil {
				return errors.E(err, fmt.Sprintf("%v aggregator, read %s", a.kind(), rec.Name))
			}
		}
		return nil
	}
	ref, err := it.reference(rec.Ref)
	if err != nil {
		return err
	}
	walk := NewCigarWalker(rec, ReadBases(rec), it.opts.walkOpts())
	snps := BuildReadSnps(rec, ref, walk)
	it.gate.Reset()
	snps.applyGate(it.gate, rec)
	for _, a := range it.aggregators {
		walk.Reset()
		if err := a.InspectAlignment(rec, ref, snps, walk); err != nil {
			return errors.E(err, fmt.Sprintf("%v aggregator, read %s", a.kind(), rec.Name))
		}
	}
	return nil
}

// WriteOutputs exports every aggregator to sink in registration order and
// logs its synopsis.
func (it *BamIterator) WriteOutputs(ctx context.Context, sink Sink) error {
	if it.state != stateDone {
		return errors.E(errors.Invalid, "WriteOutputs called before iteration completed")
	}
	for _, a := range it.aggregators {
		log.Printf("%s", a.Synopsis())
		if err := a.WriteOutput(ctx, sink); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the inputs opened by NewBamIterator.
func (it *BamIterator) Close() error {
	if it.state == stateClosed {
		return nil
	}
	it.state = stateClosed
	var err error
	for _, c := range it.closers {
		if e := c(); e != nil && err == nil {
			err = e
		}
	}
	return err
}
