package writer

import "fmt"

// ValidationError rejects a request before a job is enqueued: bad
// paths, out-of-range line numbers, or edits that do not match the
// file's current content.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// NotFoundError reports a read or edit against a file the coordinator
// cannot find on disk or in its cache.
type NotFoundError struct {
	Project  string
	FilePath string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("file not found: %s in project %s", e.FilePath, e.Project)
}
