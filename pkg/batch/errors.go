package batch

import "fmt"

// Stage names the step of the per-image pipeline that failed.
type Stage string

const (
	StageFetch     Stage = "fetch"
	StageTranscode Stage = "transcode"
	StageUpload    Stage = "upload"
)

// ListError is a failed list call. It ends the run.
type ListError struct {
	// Cursor the failed call started from; replaying it resumes the run.
	Cursor string
	Err    error
}

func (e *ListError) Error() string {
	if e.Cursor == "" {
		return fmt.Sprintf("list first page: %v", e.Err)
	}
	return fmt.Sprintf("list page at cursor %q: %v", e.Cursor, e.Err)
}

func (e *ListError) Unwrap() error { return e.Err }

// ItemError is a failure to process one image. It is logged and counted,
// never returned from Run.
type ItemError struct {
	ID    string
	Stage Stage
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("image %s: %s: %v", e.ID, e.Stage, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }
