package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTotalPages(t *testing.T) {
	cases := []struct{ total, size, want int }{
		{0, 10, 1},
		{1, 10, 1},
		{10, 10, 1},
		{11, 10, 2},
		{23, 10, 3},
		{5, 0, 1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TotalPages(tc.total, tc.size), "total=%d size=%d", tc.total, tc.size)
	}
}

func TestSliceTwentyThree(t *testing.T) {
	items := make([]int, 23)
	for i := range items {
		items[i] = i
	}
	assert.Len(t, Slice(items, 1, 10), 10)
	assert.Len(t, Slice(items, 2, 10), 10)
	assert.Equal(t, []int{20, 21, 22}, Slice(items, 3, 10))
	assert.Empty(t, Slice(items, 4, 10))
	assert.Equal(t, Slice(items, 1, 10), Slice(items, 0, 10))
}

func TestSliceCoverage(t *testing.T) {
	for n := 0; n < 45; n++ {
		items := make([]int, n)
		for i := range items {
			items[i] = i
		}
		var all []int
		for p := 1; p <= TotalPages(n, DefaultSize); p++ {
			all = append(all, Slice(items, p, DefaultSize)...)
		}
		if n == 0 {
			assert.Empty(t, all)
			continue
		}
		assert.Equal(t, items, all, "n=%d", n)
	}
}

func numbers(links []Link) []int {
	out := make([]int, len(links))
	for i, l := range links {
		if !l.IsEllipsis {
			out[i] = l.Number
		}
	}
	return out
}

func TestWindow(t *testing.T) {
	cases := []struct {
		name           string
		current, total int
		want           []int // 0 = ellipsis
	}{
		{"single", 1, 1, []int{1}},
		{"two", 2, 2, []int{1, 2}},
		{"start", 1, 10, []int{1, 2, 0, 10}},
		{"middle", 5, 10, []int{1, 0, 4, 5, 6, 0, 10}},
		{"near start no gap", 3, 10, []int{1, 2, 3, 4, 0, 10}},
		{"end", 10, 10, []int{1, 0, 9, 10}},
		{"near end no gap", 8, 10, []int{1, 0, 7, 8, 9, 10}},
		{"clamped", 99, 3, []int{1, 2, 3}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			links := Window(tc.current, tc.total)
			assert.Equal(t, tc.want, numbers(links))
			for _, l := range links {
				if l.IsCurrent {
					assert.Equal(t, Clamp(tc.current, tc.total), l.Number)
				}
			}
		})
	}
}
