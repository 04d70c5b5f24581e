package dataset

import "fmt"

// DataFormatError indicates a required column is absent from the wide matrix.
// It is fatal: the load aborts.
type DataFormatError struct {
	Column string
}

func (e *DataFormatError) Error() string {
	return fmt.Sprintf("wide matrix is missing required column %q", e.Column)
}

// DateParseError records a date header that could not be parsed. It is never
// returned as a failure: the loader recovers with a synthetic sequential date
// and reports the repair through Metadata.
type DateParseError struct {
	Header   string
	Position int
}

func (e *DateParseError) Error() string {
	return fmt.Sprintf("unparseable date header %q at position %d", e.Header, e.Position)
}
