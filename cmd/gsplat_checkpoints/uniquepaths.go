// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"strings"
)

// MinimalUniquePaths returns, for each path, the shortest suffix of its components that is not shared
// with any other path. Identical paths get their full (cleaned) path.
func MinimalUniquePaths(paths ...string) []string {
	if len(paths) <= 1 {
		return paths
	}
	splitPaths := make([][]string, len(paths))
	for ii, path := range paths {
		splitPaths[ii] = strings.Split(filepath.Clean(path), string(filepath.Separator))
	}
	suffix := func(components []string, n int) string {
		return filepath.Join(components[max(len(components)-n, 0):]...)
	}

	result := make([]string, len(paths))
	for ii, components := range splitPaths {
		for n := 1; n <= len(components); n++ {
			candidate := suffix(components, n)
			unique := true
			for jj, other := range splitPaths {
				if ii != jj && suffix(other, n) == candidate {
					unique = false
					break
				}
			}
			result[ii] = candidate
			if unique {
				break
			}
		}
	}
	return result
}
