package features

import "fmt"

// InsufficientHistoryError reports an entity whose observation history is too
// short to produce a feature vector.
type InsufficientHistoryError struct {
	EntityID string
	Have     int
	Need     int
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("entity %s has %d days of history, %d required", e.EntityID, e.Have, e.Need)
}
