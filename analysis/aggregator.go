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
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/hts/sam"
)

// Reference is one reference sequence as seen by the aggregators.
type Reference struct {
	// ID is the index of the reference in the BAM header.
	ID   int
	Name string
	// Bases are upper-case.
	Bases []byte
}

// Aggregator accumulates per-read observations over one run and exports a
// summary table at its end.
//
// The implementations are CoverageAggregator, NtSnpByPosAggregator,
// AaSnpByCodonAggregator, AaSnpByReadAggregator and
// SequenceBasedTypingAggregator. Aggregators are not thread-safe.
type Aggregator interface {
	// InspectAlignment is called exactly once per read. For unmapped reads
	// ref and walk are nil and snps is empty. snps carries the quality
	// verdict of every candidate.
	InspectAlignment(rec *sam.Record, ref *Reference, snps *ReadSnps, walk *CigarWalker) error
	// WriteOutput exports the accumulated state to sink. It is called once,
	// after iteration.
	WriteOutput(ctx context.Context, sink Sink) error
	// Synopsis describes the aggregator configuration.
	Synopsis() string

	kind() AggregatorKind
}

// AggregatorKind names an Aggregator implementation.
type AggregatorKind int

const (
	// KindCoverage is CoverageAggregator.
	KindCoverage AggregatorKind = iota
	// KindNtSnpByPos is NtSnpByPosAggregator.
	KindNtSnpByPos
	// KindAaSnpByCodon is AaSnpByCodonAggregator.
	KindAaSnpByCodon
	// KindAaSnpByRead is AaSnpByReadAggregator.
	KindAaSnpByRead
	// KindSequenceBasedTyping is SequenceBasedTypingAggregator.
	KindSequenceBasedTyping
)

var kindNames = []string{"coverage", "ntsnp", "aasnp-codon", "aasnp-read", "sbt"}

func (k AggregatorKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// ParseAggregatorKinds parses a comma-separated list of aggregator names, as
// printed by AggregatorKind.String. The order is preserved and duplicates are
// dropped.
func ParseAggregatorKinds(s string) ([]AggregatorKind, error) {
	var kinds []AggregatorKind
	seen := map[AggregatorKind]bool{}
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		found := false
		for i, n := range kindNames {
			if n == name {
				k := AggregatorKind(i)
				if !seen[k] {
					seen[k] = true
					kinds = append(kinds, k)
				}
				found = true
				break
			}
		}
		if !found {
			return nil, errors.E(errors.Invalid, "unknown aggregator", name, "; expected one of", strings.Join(kindNames, ","))
		}
	}
	return kinds, nil
}

// KindOf returns the kind of a.
func KindOf(a Aggregator) AggregatorKind { return a.kind() }
