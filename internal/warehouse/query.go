// File path: internal/warehouse/query.go
package warehouse

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Query describes one warehouse model query. Criteria and includes are
// passed through verbatim in the remote API's filter syntax.
type Query struct {
	Model    string
	Include  []string
	Criteria []string
	Order    []string

	// PageSize overrides the client's configured page size when positive.
	PageSize int
}

func (q Query) validate() error {
	if strings.TrimSpace(q.Model) == "" {
		return fmt.Errorf("warehouse: query model required")
	}
	return nil
}

// PageURL renders the request URL for one page of the query. Parameters are
// encoded in sorted order so that the same page always renders the same URL;
// the URL doubles as the content cache key for the page.
func (q Query) PageURL(base string, startRow, numRows int) string {
	params := url.Values{}
	if len(q.Criteria) > 0 {
		params.Set("criteria", strings.Join(q.Criteria, ","))
	}
	if len(q.Include) > 0 {
		params.Set("include", strings.Join(q.Include, ","))
	}
	if len(q.Order) > 0 {
		params.Set("order", strings.Join(q.Order, ","))
	}
	params.Set("start_row", strconv.Itoa(startRow))
	params.Set("num_rows", strconv.Itoa(numRows))
	return fmt.Sprintf("%s/api/v2/data/%s/query.json?%s",
		strings.TrimRight(base, "/"), url.PathEscape(strings.TrimSpace(q.Model)), params.Encode())
}
