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

import "github.com/grailbio/hts/sam"

// alignmentFilter decides which mapped records contribute to position-based
// counts, and counts the ones it turns away.
type alignmentFilter struct {
	minMapQual int

	lowMapQual    int
	duplicates    int
	nonPrimary    int
	unmappedReads int
}

// pass reports whether rec should be counted. A zero mapping quality is
// treated as unknown and passes.
func (f *alignmentFilter) pass(rec *sam.Record) bool {
	switch {
	case rec.Flags&sam.Unmapped != 0 || rec.Ref == nil:
		f.unmappedReads++
		return false
	case rec.Flags&sam.Duplicate != 0:
		f.duplicates++
		return false
	case rec.Flags&(sam.Secondary|sam.Supplementary) != 0:
		f.nonPrimary++
		return false
	case int(rec.MapQ) < f.minMapQual && rec.MapQ != 0:
		f.lowMapQual++
		return false
	}
	return true
}

func (f *alignmentFilter) rejected() int {
	return f.lowMapQual + f.duplicates + f.nonPrimary + f.unmappedReads
}
