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

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/seqscan/interval"
)

// RunParams names the inputs and outputs of one analysis run.
type RunParams struct {
	BAMPath   string
	FastaPath string
	// Region, if nonempty, restricts the run to a samtools-style region.
	Region string
	// GFFPath holds the coding regions used by the amino acid aggregators.
	GFFPath string
	Kinds   []AggregatorKind
	Sink    Sink
}

// NewAggregators creates one aggregator per kind, in order. The NT and amino
// acid by-codon aggregators share the coverage aggregator when it is
// requested. features is required by the amino acid aggregators.
func NewAggregators(kinds []AggregatorKind, opts Opts, features *FeatureSet) ([]Aggregator, error) {
	var coverage *CoverageAggregator
	for _, k := range kinds {
		if k == KindCoverage {
			coverage = NewCoverageAggregator(opts)
		}
	}
	var aggs []Aggregator
	for _, k := range kinds {
		switch k {
		case KindCoverage:
			aggs = append(aggs, coverage)
		case KindNtSnpByPos:
			aggs = append(aggs, NewNtSnpByPosAggregator(opts, coverage))
		case KindAaSnpByCodon, KindAaSnpByRead:
			if features == nil {
				return nil, errors.E(errors.Invalid, k.String(), "aggregator requires coding region annotations")
			}
			if k == KindAaSnpByCodon {
				aggs = append(aggs, NewAaSnpByCodonAggregator(opts, features, coverage))
			} else {
				aggs = append(aggs, NewAaSnpByReadAggregator(opts, features))
			}
		case KindSequenceBasedTyping:
			aggs = append(aggs, NewSequenceBasedTypingAggregator(opts))
		default:
			return nil, errors.E(errors.Invalid, "unknown aggregator kind", k.String())
		}
	}
	return aggs, nil
}

// Run builds the quality index of the BAM file, then scans it again feeding
// the requested aggregators, and exports their tables to p.Sink. It returns
// the aggregators for inspection.
func Run(ctx context.Context, p RunParams, opts Opts) (aggs []Aggregator, err error) {
	if len(p.Kinds) == 0 {
		return nil, errors.E(errors.Invalid, "no aggregators requested")
	}
	var region *interval.Region
	if p.Region != "" {
		r, err := interval.ParseRegion(p.Region)
		if err != nil {
			return nil, err
		}
		region = &r
	}
	var features *FeatureSet
	if p.GFFPath != "" {
		if features, err = LoadFeatures(ctx, p.GFFPath); err != nil {
			return nil, err
		}
	}
	if aggs, err = NewAggregators(p.Kinds, opts, features); err != nil {
		return nil, err
	}

	it, err := NewBamIterator(ctx, p.BAMPath, p.FastaPath, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := it.Close(); e != nil && err == nil {
			err = e
		}
	}()

	log.Printf("%s: building quality index", p.BAMPath)
	index, err := BuildQualityIndex(ctx, it.Provider(), region, opts)
	if err != nil {
		return nil, err
	}
	it.SetQualityIndex(index)
	it.AddAggregators(aggs...)

	log.Printf("%s: running %d aggregators", p.BAMPath, len(aggs))
	if region == nil {
		err = it.IterateReads(ctx)
	} else {
		err = it.IterateRegion(ctx, *region)
	}
	if err != nil {
		return nil, err
	}
	if n := it.QualityGate().MissingAverages(); n > 0 {
		log.Printf("%s: %d SNP evaluations used the fallback average quality %.1f", p.BAMPath, n, opts.MissingAvgQual)
	}
	if err = it.WriteOutputs(ctx, p.Sink); err != nil {
		return nil, err
	}
	return aggs, nil
}
