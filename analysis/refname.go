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
	"strings"

	"github.com/grailbio/base/errors"
)

// RefNameSeparator separates the numeric sequence id from the display name in
// reference names such as "1|SIVmac239".
const RefNameSeparator = "|"

// ParseRefName splits a reference name of the form "<id>|<name>".
func ParseRefName(refName string) (id int, name string, err error) {
	i := strings.Index(refName, RefNameSeparator)
	if i <= 0 {
		return 0, "", errors.E(errors.Invalid, "improper sequence name format, expected <id>|<name>:", refName)
	}
	id, err = strconv.Atoi(refName[:i])
	if err != nil {
		return 0, "", errors.E(errors.Invalid, "improper sequence name format, expected <id>|<name>:", refName)
	}
	return id, refName[i+1:], nil
}

// refIDs memoizes ParseRefName for the aggregators that export sequence ids.
type refIDs map[string]int

func (r refIDs) resolve(refName string) (int, error) {
	if id, ok := r[refName]; ok {
		return id, nil
	}
	id, _, err := ParseRefName(refName)
	if err != nil {
		return 0, err
	}
	r[refName] = id
	return id, nil
}
