// Package page slices ordered results into fixed-size pages and builds the
// compact numbered control shown under a list.
package page

// DefaultSize is the number of sessions per page.
const DefaultSize = 10

// TotalPages returns ceil(total/size), never less than 1.
func TotalPages(total, size int) int {
	if size < 1 {
		size = DefaultSize
	}
	pages := (total + size - 1) / size
	if pages < 1 {
		pages = 1
	}
	return pages
}

// Clamp bounds a 1-based page number to [1, totalPages].
func Clamp(n, totalPages int) int {
	if n < 1 {
		return 1
	}
	if n > totalPages {
		return totalPages
	}
	return n
}

// Slice returns the items of 1-based page n. Pages past the end are empty;
// n below 1 is treated as 1.
func Slice[T any](items []T, n, size int) []T {
	if size < 1 {
		size = DefaultSize
	}
	if n < 1 {
		n = 1
	}
	start := (n - 1) * size
	if start >= len(items) {
		return []T{}
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

// Link is one entry of the page control.
type Link struct {
	Number     int  `json:"number,omitempty"`
	IsCurrent  bool `json:"is_current,omitempty"`
	IsEllipsis bool `json:"is_ellipsis,omitempty"`
}

// Window lists the first and last pages, the current page and its immediate
// neighbours, with an ellipsis for every gap.
func Window(current, total int) []Link {
	if total < 1 {
		total = 1
	}
	current = Clamp(current, total)

	var links []Link
	last := 0
	add := func(n int) {
		if n < 1 || n > total || n <= last {
			return
		}
		if last > 0 && n > last+1 {
			links = append(links, Link{IsEllipsis: true})
		}
		links = append(links, Link{Number: n, IsCurrent: n == current})
		last = n
	}
	add(1)
	add(current - 1)
	add(current)
	add(current + 1)
	add(total)
	return links
}
