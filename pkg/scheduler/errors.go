package scheduler

import (
	"errors"
	"fmt"
)

// AdmissionError indicates a request was rejected at submission time and was
// never queued. It is reported to the caller and not retried.
type AdmissionError struct {
	Class  string
	Reason string
}

// Error implements the error interface
func (e *AdmissionError) Error() string {
	return fmt.Sprintf("request for class %s rejected: %s", e.Class, e.Reason)
}

// IsAdmissionError checks if an error is an AdmissionError.
func IsAdmissionError(err error) bool {
	var admissionErr *AdmissionError
	return errors.As(err, &admissionErr)
}

// CapacityError indicates provisioning was retried up to the class's budget
// and gave up; the request has been removed from the queue.
type CapacityError struct {
	Class    string
	Attempts int
}

// Error implements the error interface
func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity unavailable for class %s after %d provisioning attempts", e.Class, e.Attempts)
}

// IsCapacityError checks if an error is a CapacityError.
func IsCapacityError(err error) bool {
	var capacityErr *CapacityError
	return errors.As(err, &capacityErr)
}

// errNoFreeSlot is returned internally when every Ready node in a class is at
// slot capacity.
var errNoFreeSlot = errors.New("no free slot in class")
