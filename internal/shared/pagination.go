package shared

const (
	defaultPageLimit = 20
	maxPageLimit     = 200
)

// Page bounds a listing query.
type Page struct {
	Limit  int
	Offset int
}

// NewPage clamps limit and offset into a safe range.
func NewPage(limit, offset int) Page {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return Page{Limit: limit, Offset: offset}
}
