// Package pagination holds the page parameters bound from list endpoints.
package pagination

// Pagination caps list responses. Zero values fall back to the defaults
// applied by option.ApplyPagination.
type Pagination struct {
	PageSize int `form:"page_size,default=50"`
}
