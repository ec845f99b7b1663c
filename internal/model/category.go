package model

import "time"

// Subcategory is a spending classification target.
type Subcategory struct {
	CreatedAt   time.Time
	ID          string
	Name        string
	Description string
	IsActive    bool
}
