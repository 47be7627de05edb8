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
	"strconv"

	"github.com/grailbio/base/errors"
)

// Opts holds the thresholds and policies of an analysis run.
type Opts struct {
	// MinSnpQual and MinAvgSnpQual are the single-read and average base
	// quality thresholds for substitutions. A SNP whose quality is strictly
	// below either threshold is rejected.
	MinSnpQual    int
	MinAvgSnpQual float64
	// MinDipQual and MinAvgDipQual are the same thresholds for insertions and
	// deletions.
	MinDipQual    int
	MinAvgDipQual float64
	// MinMapQual rejects reads whose nonzero mapping quality is below it.
	MinMapQual int
	// MissingAvgQual replaces the average quality of a (position, base) pair
	// missing from the quality index.
	MissingAvgQual float64
	// EdgeExclusion is the number of aligned bases at each end of a read that
	// cannot become SNPs. See WalkOpts.
	EdgeExclusion int

	// FullProgressInterval and RegionProgressInterval set how many reads pass
	// between progress messages for whole-file and region iteration. Zero
	// disables progress logging.
	FullProgressInterval   int
	RegionProgressInterval int

	// Sequence-based typing.

	// MinAlignmentLength ignores alignments that span fewer reference bases.
	MinAlignmentLength int
	// MaxSnps is the largest number of passing SNPs an alignment may carry
	// and still count as a hit.
	MaxSnps int
	// MinCountForRef drops references supported by fewer reads.
	MinCountForRef int
	// MinPctForRef drops references supported by a smaller percentage of
	// the typed reads.
	MinPctForRef float64
	// MinPctWithinGroup drops references of a hit set whose read count is
	// below this percentage of the set's best reference.
	MinPctWithinGroup float64
	// OnlyImportValidPairs discards reads whose mate did not support any
	// common reference.
	OnlyImportValidPairs bool
	// SBTLog, if set, is the path of a per-read TSV log of typing decisions.
	SBTLog string

	// BGZip compresses the TSV output tables.
	BGZip bool
	// Parallelism is the number of BAM files processed concurrently by the
	// command-line driver, and the bgzf compression parallelism.
	Parallelism int
}

// DefaultOpts is the default configuration. Quality thresholds are zero,
// which accepts every SNP.
var DefaultOpts = Opts{
	MissingAvgQual:         95.0,
	FullProgressInterval:   25000,
	RegionProgressInterval: 10000,
	Parallelism:            1,
}

// walkOpts extracts the CIGAR walking policy.
func (o Opts) walkOpts() WalkOpts {
	return WalkOpts{EdgeExclusion: o.EdgeExclusion}
}

// ParseSettings builds Opts from DefaultOpts and the key/value settings of a
// pipeline step. minSnpQual and minAvgSnpQual also set the corresponding
// indel thresholds unless minDipQual or minAvgDipQual are given. Unknown keys
// are ignored.
func ParseSettings(settings map[string]string) (Opts, error) {
	opts := DefaultOpts
	intVal := func(key string, dst *int) error {
		v, ok := settings[key]
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.E(errors.Invalid, "setting "+key, err)
		}
		*dst = n
		return nil
	}
	floatVal := func(key string, dst *float64) error {
		v, ok := settings[key]
		if !ok || v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.E(errors.Invalid, "setting "+key, err)
		}
		*dst = f
		return nil
	}
	boolVal := func(key string, dst *bool) error {
		v, ok := settings[key]
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.E(errors.Invalid, "setting "+key, err)
		}
		*dst = b
		return nil
	}

	for _, err := range []error{
		intVal("minSnpQual", &opts.MinSnpQual),
		floatVal("minAvgSnpQual", &opts.MinAvgSnpQual),
		intVal("minMapQual", &opts.MinMapQual),
		floatVal("missingAvgQual", &opts.MissingAvgQual),
		intVal("edgeExclusion", &opts.EdgeExclusion),
		intVal("minAlignmentLength", &opts.MinAlignmentLength),
		intVal("maxSnps", &opts.MaxSnps),
		intVal("minCountForRef", &opts.MinCountForRef),
		floatVal("minPctForRef", &opts.MinPctForRef),
		floatVal("minPctWithinGroup", &opts.MinPctWithinGroup),
		boolVal("onlyImportValidPairs", &opts.OnlyImportValidPairs),
	} {
		if err != nil {
			return Opts{}, err
		}
	}
	opts.MinDipQual = opts.MinSnpQual
	opts.MinAvgDipQual = opts.MinAvgSnpQual
	if err := intVal("minDipQual", &opts.MinDipQual); err != nil {
		return Opts{}, err
	}
	if err := floatVal("minAvgDipQual", &opts.MinAvgDipQual); err != nil {
		return Opts{}, err
	}
	if opts.EdgeExclusion < 0 || opts.MaxSnps < 0 || opts.MinAlignmentLength < 0 {
		return Opts{}, errors.E(errors.Invalid, "edgeExclusion, maxSnps and minAlignmentLength must be non-negative")
	}
	return opts, nil
}
