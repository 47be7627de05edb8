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
package interval

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// PosType is the coordinate type of a Region. It is int32 since that's what
// BAM files are limited to.
type PosType int32

// PosTypeMax is the largest position a Region can hold.
const PosTypeMax = math.MaxInt32

// Region is a 0-based half-open range [Start0, End) on one reference.
type Region struct {
	RefName string
	Start0  PosType
	End     PosType
}

// String renders the region in the 1-based samtools style.
func (r Region) String() string {
	return fmt.Sprintf("%s:%d-%d", r.RefName, r.Start0+1, r.End)
}

// Overlaps reports whether the half-open range [start0, end) intersects r.
// Both ranges are assumed to be on r.RefName.
func (r Region) Overlaps(start0, end int) bool {
	return start0 < int(r.End) && end > int(r.Start0)
}

// ParseRegion parses a samtools-style region string into a Region.
// Accepted forms are "<ref>", "<ref>:<pos1>" and "<ref>:<start1>-<end1>",
// with 1-based inclusive coordinates. Reference names may themselves contain
// '|' but not ':'.
func ParseRegion(region string) (Region, error) {
	if region == "" {
		return Region{}, errors.E(errors.Invalid, "interval.ParseRegion: empty region string")
	}
	colonPos := strings.LastIndexByte(region, ':')
	if colonPos == -1 {
		return Region{RefName: region, Start0: 0, End: PosTypeMax - 1}, nil
	}
	if colonPos == 0 {
		return Region{}, errors.E(errors.Invalid, "interval.ParseRegion: empty reference name in", region)
	}
	r := Region{RefName: region[:colonPos]}
	rangeStr := strings.Replace(region[colonPos+1:], ",", "", -1)
	parsePos := func(s string) (PosType, error) {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, errors.E(errors.Invalid, err, "interval.ParseRegion:", region)
		}
		if v <= 0 || v >= PosTypeMax {
			return 0, errors.E(errors.Invalid, "interval.ParseRegion: position out of range in", region)
		}
		return PosType(v), nil
	}
	dashPos := strings.IndexByte(rangeStr, '-')
	if dashPos == -1 {
		pos1, err := parsePos(rangeStr)
		if err != nil {
			return Region{}, err
		}
		r.Start0, r.End = pos1-1, pos1
		return r, nil
	}
	start1, err := parsePos(rangeStr[:dashPos])
	if err != nil {
		return Region{}, err
	}
	end, err := parsePos(rangeStr[dashPos+1:])
	if err != nil {
		return Region{}, err
	}
	if end < start1 {
		return Region{}, errors.E(errors.Invalid, "interval.ParseRegion: end precedes start in", region)
	}
	r.Start0, r.End = start1-1, end
	return r, nil
}
