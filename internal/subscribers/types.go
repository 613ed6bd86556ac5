package subscribers

import "time"

// Subscriber is a known email address.
type Subscriber struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	FirstName    string    `json:"first_name,omitempty"`
	LastName     string    `json:"last_name,omitempty"`
	IsSubscribed bool      `json:"is_subscribed"`
	DateCreated  time.Time `json:"date_created"`
	DateModified time.Time `json:"date_modified"`
}

// FullName generates the full name of the subscriber, or an empty string.
func (s *Subscriber) FullName() string {
	switch {
	case s.FirstName != "" && s.LastName != "":
		return s.FirstName + " " + s.LastName
	case s.FirstName != "":
		return s.FirstName
	case s.LastName != "":
		return s.LastName
	}
	return ""
}

// String returns the RFC 5322 style address for this subscriber.
func (s *Subscriber) String() string {
	return FormatEmail(s.Email, s.FullName())
}

// FormatEmail formats the given email address string, with an optional
// display name.
func FormatEmail(email, name string) string {
	if name != "" {
		return name + " <" + email + ">"
	}
	return email
}

// MailingList is a named list of subscribers. Membership is a many-to-many
// relation; the list itself owns no subscribers directly.
type MailingList struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	SubscriberCount int       `json:"subscriber_count"`
	DateCreated     time.Time `json:"date_created"`
	DateModified    time.Time `json:"date_modified"`
}
