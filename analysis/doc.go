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

/*
Package analysis scans aligned reads against a reference and aggregates
per-position variant evidence.

A run has two phases. BuildQualityIndex makes one pass over the BAM and
records the average base quality of every (position, base) pair. A BamIterator
then streams the same file again: each mapped read is walked base by base with
a CigarWalker, mismatches become NTSnp candidates grouped in a ReadSnps, a
QualityGate decides once per candidate whether it is trustworthy, and the read
is handed to every registered Aggregator. Unmapped reads are dispatched too,
with a nil reference and walker.

The aggregators are

  CoverageAggregator             raw and high-confidence depth per position
  NtSnpByPosAggregator           nucleotide SNP counts per position and base
  AaSnpByCodonAggregator         amino-acid changes per codon
  AaSnpByReadAggregator          amino-acid changes per codon and read
  SequenceBasedTypingAggregator  read classification by the set of references hit

Once iteration completes each aggregator writes one Table to a Sink.

Coordinates are 0-based everywhere in memory and 1-based in exported tables.
*/
package analysis
