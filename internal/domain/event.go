package domain

import "time"

// LoggedEvent is a record the user or a caretaker created. Timestamp is the
// display value shown to the user; CreatedAt orders events.
type LoggedEvent struct {
	ID            string
	Text          string
	Timestamp     string
	LocationLabel string
	ImageRef      string
	CreatedAt     time.Time
}
