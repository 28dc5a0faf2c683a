package core

import "time"

type (
	SubscriptionStatus string
	SubscriptionType   string
)

const (
	SubscriptionNone    SubscriptionStatus = "none"
	SubscriptionPending SubscriptionStatus = "pending"
	SubscriptionActive  SubscriptionStatus = "active"
	SubscriptionExpired SubscriptionStatus = "expired"

	PlanNone    SubscriptionType = "none"
	PlanTrial   SubscriptionType = "trial"
	PlanTeacher SubscriptionType = "teacher"
	PlanSchool  SubscriptionType = "school"
)

// Subscription is the access state shared by users (individual teachers) and schools.
type Subscription struct {
	Status    SubscriptionStatus `json:"status"`
	Type      SubscriptionType   `json:"type"`
	ExpiresAt time.Time          `json:"expires_at"` // UTC
}

// IsActive reports whether the subscription grants access at `now`.
func (s Subscription) IsActive(now time.Time) bool {
	if s.Status != SubscriptionActive {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// Normalize fills in the zero values stored as empty strings.
func (s Subscription) Normalize() Subscription {
	if s.Status == "" {
		s.Status = SubscriptionNone
	}
	if s.Type == "" {
		s.Type = PlanNone
	}
	if !s.ExpiresAt.IsZero() {
		s.ExpiresAt = s.ExpiresAt.UTC()
	}
	return s
}
