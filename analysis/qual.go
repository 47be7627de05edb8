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
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
)

// Rejection reasons reported by QualityGate.
const (
	ReasonDipQual    = "Below Minimum DIP Quality"
	ReasonAvgDipQual = "Below Avg. Minimum DIP Quality"
	ReasonSnpQual    = "Below Minimum SNP Quality"
	ReasonAvgSnpQual = "Below Avg. Minimum SNP Quality"
)

// Verdict is the outcome of the quality gate for one SNP candidate.
type Verdict struct {
	Pass bool
	// Reason is empty for passing candidates.
	Reason string
}

// QualityGate accepts or rejects SNP candidates by their single-read base
// quality and by the average quality of their (position, base) pair across
// all reads. Results are cached per candidate until Reset, so that a
// candidate inspected more than once while processing a read is judged once.
//
// A QualityGate is not thread-safe.
type QualityGate struct {
	index *QualityIndex
	opts  Opts
	cache map[*NTSnp]Verdict

	nEvaluations int
	nMissingAvg  int
}

// NewQualityGate creates a gate over index. A nil index makes every average
// quality lookup fall back to opts.MissingAvgQual.
func NewQualityGate(index *QualityIndex, opts Opts) *QualityGate {
	return &QualityGate{index: index, opts: opts, cache: map[*NTSnp]Verdict{}}
}

// Reset drops the cached verdicts. It is called once per read.
func (g *QualityGate) Reset() {
	for k := range g.cache {
		delete(g.cache, k)
	}
}

// Evaluations returns the number of threshold evaluations performed, cache
// hits excluded.
func (g *QualityGate) Evaluations() int { return g.nEvaluations }

// MissingAverages returns the number of evaluations that used the fallback
// average quality.
func (g *QualityGate) MissingAverages() int { return g.nMissingAvg }

// Evaluate returns the verdict for snp, a candidate of rec.
func (g *QualityGate) Evaluate(rec *sam.Record, snp *NTSnp) Verdict {
	if v, ok := g.cache[snp]; ok {
		return v
	}
	g.nEvaluations++
	qual := float64(snp.Qual)
	avg := g.avgQual(rec, snp)

	var v Verdict
	if snp.IsIndel() {
		switch {
		case qual < float64(g.opts.MinDipQual):
			v.Reason = ReasonDipQual
		case avg < g.opts.MinAvgDipQual:
			v.Reason = ReasonAvgDipQual
		}
	} else {
		switch {
		case qual < float64(g.opts.MinSnpQual):
			v.Reason = ReasonSnpQual
		case avg < g.opts.MinAvgSnpQual:
			v.Reason = ReasonAvgSnpQual
		}
	}
	v.Pass = v.Reason == ""
	g.cache[snp] = v
	return v
}

func (g *QualityGate) avgQual(rec *sam.Record, snp *NTSnp) float64 {
	pos, base, ok := snp.AvgQualKey()
	if ok && g.index != nil {
		if avg, found := g.index.Avg(snp.RefID, pos, base); found {
			return avg
		}
	}
	g.nMissingAvg++
	log.Error.Printf("unable to find average quality for %s:%d base %q, read %s, using %.1f",
		snp.RefName, pos+1, base, rec.Name, g.opts.MissingAvgQual)
	return g.opts.MissingAvgQual
}
