// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spchol

import "container/heap"

// minimumDegree returns a fill-reducing order of the rows of a for the
// factorization of A·Aᵀ. The elimination is simulated on the graph of A·Aᵀ,
// always removing a node of least current degree; ties go to the lowest row.
// perm[k] is the row eliminated at step k.
func minimumDegree(a *CSC) []int {

	n := a.Rows
	adj := make([]map[int]struct{}, n)
	for i := range adj {
		adj[i] = make(map[int]struct{})
	}
	for j := 0; j < a.Cols; j++ {
		rows := a.RowIdx[a.ColPtr[j]:a.ColPtr[j+1]]
		for b, rb := range rows {
			for _, ra := range rows[:b] {
				adj[ra][rb] = struct{}{}
				adj[rb][ra] = struct{}{}
			}
		}
	}

	h := make(degreeHeap, n)
	for i := range adj {
		h[i] = node{degree: len(adj[i]), row: i}
	}
	heap.Init(&h)

	perm := make([]int, 0, n)
	done := make([]bool, n)
	var clique []int
	for len(perm) < n {
		v := heap.Pop(&h).(node)
		// stale entries are left behind when a degree changes
		if done[v.row] || v.degree != len(adj[v.row]) {
			continue
		}
		done[v.row] = true
		perm = append(perm, v.row)

		// the neighbours of v become a clique once v is eliminated
		clique = clique[:0]
		for u := range adj[v.row] {
			clique = append(clique, u)
		}
		for _, u := range clique {
			delete(adj[u], v.row)
			for _, w := range clique {
				if w != u {
					adj[u][w] = struct{}{}
				}
			}
		}
		adj[v.row] = nil
		for _, u := range clique {
			heap.Push(&h, node{degree: len(adj[u]), row: u})
		}
	}
	return perm
}

type node struct {
	degree, row int
}

type degreeHeap []node

func (h degreeHeap) Len() int { return len(h) }

func (h degreeHeap) Less(i, j int) bool {
	if h[i].degree != h[j].degree {
		return h[i].degree < h[j].degree
	}
	return h[i].row < h[j].row
}

func (h degreeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *degreeHeap) Push(x any) { *h = append(*h, x.(node)) }

func (h *degreeHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}
