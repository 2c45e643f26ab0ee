package models

// Category is the explicit classification of an event's stored shape. It is
// always derived from the record by Categorize and never persisted, so there
// is a single place that decides what shape an event is in.
type Category string

const (
	// CategoryNil means the event did not previously exist.
	CategoryNil Category = "NIL"

	CategoryStandaloneConfirmed Category = "STANDALONE_CONFIRMED"
	CategoryStandaloneSomeday   Category = "STANDALONE_SOMEDAY"
	CategoryStandaloneCancelled Category = "STANDALONE_CANCELLED"

	CategoryBaseConfirmed Category = "RECURRENCE_BASE_CONFIRMED"
	CategoryBaseSomeday   Category = "RECURRENCE_BASE_SOMEDAY"
	CategoryBaseCancelled Category = "RECURRENCE_BASE_CANCELLED"

	CategoryInstanceConfirmed Category = "RECURRENCE_INSTANCE_CONFIRMED"
	CategoryInstanceSomeday   Category = "RECURRENCE_INSTANCE_SOMEDAY"
	CategoryInstanceCancelled Category = "RECURRENCE_INSTANCE_CANCELLED"
)

// Categorize computes an event's category from its stored shape. It is total:
// every event maps to exactly one category, nil maps to CategoryNil.
func Categorize(e *Event) Category {
	if e == nil {
		return CategoryNil
	}

	switch {
	case e.IsBase():
		if e.Cancelled() {
			return CategoryBaseCancelled
		}
		if e.Someday {
			return CategoryBaseSomeday
		}
		return CategoryBaseConfirmed
	case e.IsInstance():
		if e.Cancelled() {
			return CategoryInstanceCancelled
		}
		if e.Someday {
			return CategoryInstanceSomeday
		}
		return CategoryInstanceConfirmed
	default:
		if e.Cancelled() {
			return CategoryStandaloneCancelled
		}
		if e.Someday {
			return CategoryStandaloneSomeday
		}
		return CategoryStandaloneConfirmed
	}
}

// Cancelled reports whether the category is a cancelled variant.
func (c Category) Cancelled() bool {
	switch c {
	case CategoryStandaloneCancelled, CategoryBaseCancelled, CategoryInstanceCancelled:
		return true
	}
	return false
}

// Someday reports whether the category is a someday variant.
func (c Category) Someday() bool {
	switch c {
	case CategoryStandaloneSomeday, CategoryBaseSomeday, CategoryInstanceSomeday:
		return true
	}
	return false
}
