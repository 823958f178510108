// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"sort"
	"strconv"
	"strings"
)

// interval is a half-open range [start, end) of positions on one
// chromosome, tagged with the index of the feature it came from.
type interval struct {
	start int
	end   int
	id    int
}

type intervalTreeNode struct {
	interval interval
	maxend   int
}

// intervalTree is a static, implicitly balanced binary tree stored in
// a slice: the children of node i are 2i+1 and 2i+2. Each node holds
// the maximum end of its subtree, so subtrees that end before the
// query starts are skipped.
type intervalTree []intervalTreeNode

// intervalIndex answers "which intervals overlap [start,end) on
// chrom" queries in O(log n + m).
type intervalIndex struct {
	intervals map[string][]interval
	itrees    map[string]intervalTree
	frozen    bool
}

func (idx *intervalIndex) Add(chrom string, start, end, id int) {
	if idx.intervals == nil {
		idx.intervals = map[string][]interval{}
	}
	idx.intervals[chrom] = append(idx.intervals[chrom], interval{start, end, id})
}

func (idx *intervalIndex) Freeze() {
	idx.itrees = map[string]intervalTree{}
	for chrom, intervals := range idx.intervals {
		idx.itrees[chrom] = idx.freeze(intervals)
	}
	idx.frozen = true
}

// Overlapping returns the ids of all intervals on chrom that overlap
// [start,end), in increasing id order.
func (idx *intervalIndex) Overlapping(chrom string, start, end int) []int {
	if !idx.frozen {
		panic("bug: (*intervalIndex)Overlapping() called before Freeze()")
	}
	var ids []int
	idx.itrees[chrom].collect(0, interval{start: start, end: end}, &ids)
	sort.Ints(ids)
	return ids
}

func (idx *intervalIndex) freeze(in []interval) intervalTree {
	if len(in) == 0 {
		return nil
	}
	sort.Slice(in, func(i, j int) bool {
		if in[i].start != in[j].start {
			return in[i].start < in[j].start
		}
		return in[i].id < in[j].id
	})
	itreesize := 1
	for itreesize < len(in) {
		itreesize = itreesize * 2
	}
	itree := make(intervalTree, itreesize*2)
	for i := range itree {
		itree[i].maxend = -1
	}
	itree.importSlice(0, in)
	return itree
}

func (itree intervalTree) collect(root int, q interval, ids *[]int) {
	if root >= len(itree) || itree[root].maxend <= q.start {
		return
	}
	node := itree[root].interval
	itree.collect(root*2+1, q, ids)
	if node.start >= q.end {
		// Everything in the right subtree starts even later.
		return
	}
	if node.end > q.start {
		*ids = append(*ids, node.id)
	}
	itree.collect(root*2+2, q, ids)
}

func (itree intervalTree) importSlice(root int, in []interval) int {
	mid := len(in) / 2
	node := intervalTreeNode{interval: in[mid], maxend: in[mid].end}
	if mid > 0 {
		end := itree.importSlice(root*2+1, in[0:mid])
		if end > node.maxend {
			node.maxend = end
		}
	}
	if mid+1 < len(in) {
		end := itree.importSlice(root*2+2, in[mid+1:])
		if end > node.maxend {
			node.maxend = end
		}
	}
	itree[root] = node
	return node.maxend
}

// parseRegion parses a peak id of the form chr:start-end,
// chr-start-end or chr_start_end into a half-open interval.
func parseRegion(s string) (chrom string, start, end int, err error) {
	var fields []string
	if i := strings.LastIndexByte(s, ':'); i > 0 {
		lo, hi, ok := strings.Cut(s[i+1:], "-")
		if !ok {
			return "", 0, 0, malformed("cannot parse region %q", s)
		}
		fields = []string{s[:i], lo, hi}
	} else {
		sep := "-"
		if strings.Count(s, "-") < 2 {
			sep = "_"
		}
		parts := strings.Split(s, sep)
		if len(parts) < 3 {
			return "", 0, 0, malformed("cannot parse region %q", s)
		}
		n := len(parts)
		fields = []string{strings.Join(parts[:n-2], sep), parts[n-2], parts[n-1]}
	}
	chrom = fields[0]
	start, err = strconv.Atoi(strings.ReplaceAll(fields[1], ",", ""))
	if err != nil {
		return "", 0, 0, malformed("cannot parse region %q: %s", s, err)
	}
	end, err = strconv.Atoi(strings.ReplaceAll(fields[2], ",", ""))
	if err != nil {
		return "", 0, 0, malformed("cannot parse region %q: %s", s, err)
	}
	if chrom == "" || start < 0 || end < start {
		return "", 0, 0, malformed("invalid region %q", s)
	}
	return chrom, start, end, nil
}
