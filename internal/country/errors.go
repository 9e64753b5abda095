package country

import "fmt"

// UnresolvedError reports a label that no layer could place. It is attached to
// a rejected row; it never aborts a dataset.
type UnresolvedError struct {
	Label string
	Code  string
}

func (e *UnresolvedError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("country: unresolved label %q", e.Label)
	}
	return fmt.Sprintf("country: unresolved label %q (code %q)", e.Label, e.Code)
}
