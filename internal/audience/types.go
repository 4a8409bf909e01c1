package audience

import (
	"time"

	"github.com/google/uuid"
)

// Recipient is a read-only view of one subscriber. The subscriber store owns
// the row; the engine only queries it.
type Recipient struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	Email          string     `json:"email" db:"email"`
	FirstName      string     `json:"first_name" db:"first_name"`
	LastName       string     `json:"last_name" db:"last_name"`
	Tags           []string   `json:"tags" db:"tags"`
	Subscribed     bool       `json:"subscribed" db:"subscribed"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at" db:"unsubscribed_at"`
}

// HasTag reports whether the recipient carries the given tag.
func (r Recipient) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
