// Package ranker computes, for every encoded image, the catalog ids of its
// most similar images by cosine similarity.
package ranker

import (
	"container/heap"
	"context"
	"log/slog"
	"math"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/visual-similarity/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/visual-similarity/internal/embedding"
)

const DefaultTopK = 1500

// Result maps an item id to the ids of its most similar items, best first.
// The item itself is the first entry.
type Result map[int64][]int64

type Options struct {
	TopK    int
	Workers int
	Logger  *slog.Logger
}

// Rank scores every row against every other row. Only rows whose basename is
// not a live catalog item are left out. A zero embedding still gets a list:
// itself first, then the other columns in position order, since it has no
// defined score against anything. Ranked columns without a catalog id are
// dropped after the top-K cut, so a list may be shorter than TopK.
func Rank(ctx context.Context, m *embedding.Matrix, positions embedding.PositionIndex, ids catalog.IDIndex, opts Options) (Result, error) {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	n := m.Rows()
	lists := make([][]int64, n)
	keep := make([]bool, n)
	var unresolved, zero int
	for i := 0; i < n; i++ {
		if _, ok := ids[positionName(positions, i)]; !ok {
			unresolved++
			continue
		}
		if m.Norm(i) == 0 {
			zero++
		}
		keep[i] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.Workers; w++ {
		g.Go(func() error {
			r := newRowRanker(m, opts.TopK)
			for i := w; i < n; i += opts.Workers {
				if !keep[i] {
					continue
				}
				if err := gctx.Err(); err != nil {
					return err
				}
				top := r.rank(i)
				list := make([]int64, 0, len(top))
				for _, j := range top {
					if id, ok := ids[positionName(positions, int(j))]; ok {
						list = append(list, id)
					}
				}
				lists[i] = list
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(Result, n-unresolved)
	for i := 0; i < n; i++ {
		if keep[i] {
			out[ids[positionName(positions, i)]] = lists[i]
		}
	}
	logger.Info("similarity ranked",
		"rows", n,
		"results", len(out),
		"not_live", unresolved,
		"zero_rows", zero,
		"top_k", opts.TopK,
	)
	return out, nil
}

func positionName(p embedding.PositionIndex, i int) string {
	if i < len(p) {
		return p[i]
	}
	return ""
}

// rowRanker holds per-worker scratch space.
type rowRanker struct {
	m      *embedding.Matrix
	k      int
	dense  []float64
	scores []float64
	self   int32
	heap   worstFirst
}

func newRowRanker(m *embedding.Matrix, k int) *rowRanker {
	return &rowRanker{
		m:      m,
		k:      min(k, m.Rows()),
		dense:  make([]float64, m.Cols()),
		scores: make([]float64, m.Rows()),
	}
}

// rank returns the positions of the k best columns for row i, best first.
func (r *rowRanker) rank(i int) []int32 {
	r.m.Dense(i, r.dense)
	ni := r.m.Norm(i)
	for j := range r.scores {
		r.scores[j] = r.cosine(i, j, ni)
	}
	r.self = int32(i)

	r.heap = worstFirst{r: r, items: r.heap.items[:0]}
	for j := range r.scores {
		c := int32(j)
		if len(r.heap.items) < r.k {
			heap.Push(&r.heap, c)
			continue
		}
		if r.better(c, r.heap.items[0]) {
			r.heap.items[0] = c
			heap.Fix(&r.heap, 0)
		}
	}

	top := slices.Clone(r.heap.items)
	slices.SortFunc(top, func(a, b int32) int {
		switch {
		case a == b:
			return 0
		case r.better(a, b):
			return -1
		default:
			return 1
		}
	})
	return top
}

func (r *rowRanker) cosine(i, j int, ni float64) float64 {
	if i == j {
		return 1
	}
	nj := r.m.Norm(j)
	if nj == 0 {
		return math.NaN()
	}
	idx, val := r.m.Row(j)
	var dot float64
	for k, c := range idx {
		dot += r.dense[c] * float64(val[k])
	}
	s := dot / (ni * nj)
	return max(-1, min(1, s))
}

// better reports whether column a ranks before column b: higher score
// first, undefined scores last, then the row itself, then lower position.
func (r *rowRanker) better(a, b int32) bool {
	sa, sb := r.scores[a], r.scores[b]
	na, nb := math.IsNaN(sa), math.IsNaN(sb)
	if na != nb {
		return nb
	}
	if !na && sa != sb {
		return sa > sb
	}
	if a == r.self || b == r.self {
		return a == r.self
	}
	return a < b
}

// worstFirst is a heap whose root is the weakest of the kept columns.
type worstFirst struct {
	r     *rowRanker
	items []int32
}

func (h worstFirst) Len() int           { return len(h.items) }
func (h worstFirst) Less(x, y int) bool { return h.r.better(h.items[y], h.items[x]) }
func (h worstFirst) Swap(x, y int)      { h.items[x], h.items[y] = h.items[y], h.items[x] }
func (h *worstFirst) Push(v any)        { h.items = append(h.items, v.(int32)) }
func (h *worstFirst) Pop() any {
	old := h.items
	v := old[len(old)-1]
	h.items = old[:len(old)-1]
	return v
}
