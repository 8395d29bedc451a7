package models

import "time"

// Channel is a notification delivery medium.
type Channel string

const (
	ChannelRealtime Channel = "realtime"
	ChannelPush     Channel = "push"
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
)

// JobKind says which lifecycle event produced a notification job.
type JobKind string

const (
	JobAlertCreated JobKind = "created"
	JobAlertUpdated JobKind = "updated"
)

// Job priorities. Higher runs first.
const (
	PriorityLow      = 1
	PriorityNormal   = 5
	PriorityCritical = 10
)

// PriorityFor maps an alert severity to a job priority.
func PriorityFor(severity string) int {
	switch severity {
	case SeverityCritical:
		return PriorityCritical
	case SeverityHigh, SeverityMedium:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// NotificationJob is one unit of dispatcher work. Attempt counts from 1.
// Pending is set on retries and limits the attempt to the sends that failed.
type NotificationJob struct {
	ID         string           `json:"id"`
	AlertID    int64            `json:"alertId"`
	Kind       JobKind          `json:"kind"`
	UserID     string           `json:"userId,omitempty"`
	Channels   []Channel        `json:"channels"`
	Priority   int              `json:"priority"`
	Attempt    int              `json:"attempt"`
	EnqueuedAt time.Time        `json:"enqueuedAt"`
	Pending    []DeliveryTarget `json:"pending,omitempty"`
}

// DeliveryTarget is one (channel, recipient) pair of a job.
type DeliveryTarget struct {
	Channel Channel `json:"channel"`
	UserID  string  `json:"userId"`
}

// Delivery statuses.
const (
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// DeliveryRecord is the append-only result of one send to one recipient on one channel.
type DeliveryRecord struct {
	ID          int64      `json:"id"`
	JobID       string     `json:"jobId"`
	AlertID     int64      `json:"alertId"`
	UserID      string     `json:"userId"`
	Channel     Channel    `json:"channel"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	SentAt      time.Time  `json:"sentAt"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// FailedJob is a job that exhausted its attempts or failed permanently.
type FailedJob struct {
	ID       int64           `json:"id"`
	Job      NotificationJob `json:"job"`
	Reason   string          `json:"reason"`
	Error    string          `json:"error"`
	FailedAt time.Time       `json:"failedAt"`
}
