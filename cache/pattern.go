/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package cache

import (
	"path"
	"strings"
)

const globChars = "*?["

func isAll(pattern string) bool {
	return pattern == "" || pattern == AllKeys
}

// toGlob turns a pattern into a Redis MATCH glob.
func toGlob(pattern string) string {
	if isAll(pattern) {
		return AllKeys
	}
	if strings.ContainsAny(pattern, globChars) {
		return pattern
	}
	return "*" + strings.ReplaceAll(pattern, `\`, `\\`) + "*"
}

// matchKey is the client-side counterpart of toGlob. Globs do not match
// across "/" (see path.Match).
func matchKey(pattern, key string) bool {
	if isAll(pattern) {
		return true
	}
	if strings.ContainsAny(pattern, globChars) {
		ok, err := path.Match(pattern, key)
		return err == nil && ok
	}
	return strings.Contains(key, pattern)
}
