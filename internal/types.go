package internal

import "time"

type RequestStatus string

const (
	StatusPending        RequestStatus = "pending"
	StatusActionRequired RequestStatus = "action_required"
	StatusApproved       RequestStatus = "approved"
	StatusRejected       RequestStatus = "rejected"
)

// Final reports whether no further transition is allowed from s.
func (s RequestStatus) Final() bool {
	return s == StatusApproved || s == StatusRejected
}

func (s RequestStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActionRequired, StatusApproved, StatusRejected:
		return true
	}
	return false
}

var transitions = map[RequestStatus][]RequestStatus{
	StatusPending:        {StatusActionRequired, StatusApproved, StatusRejected},
	StatusActionRequired: {StatusApproved, StatusRejected},
}

// CanTransition encodes the forward-only request lifecycle.
func CanTransition(from, to RequestStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type RequestSource string

const (
	SourceEmail     RequestSource = "email"
	SourceDashboard RequestSource = "dashboard"
)

func (s RequestSource) Valid() bool {
	return s == SourceEmail || s == SourceDashboard
}

type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
	ProviderOther   Provider = "other"
)

func (p Provider) Valid() bool {
	switch p {
	case ProviderGmail, ProviderOutlook, ProviderOther:
		return true
	}
	return false
}

type IntegrationStatus string

const (
	IntegrationActive       IntegrationStatus = "active"
	IntegrationError        IntegrationStatus = "error"
	IntegrationDisconnected IntegrationStatus = "disconnected"
)

// Categories is the closed set the classifier may assign to email requests.
var Categories = []string{"IT", "Stationery", "Software", "Hardware", "Office Supplies", "Services", "Other"}

const CategoryOther = "Other"

type Request struct {
	ID          string        `json:"id"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	UserID      string        `json:"user_id"`
	ProductName string        `json:"product_name"`
	Quantity    int           `json:"quantity"`
	TargetPrice float64       `json:"target_price"`
	FoundPrice  *float64      `json:"found_price"`
	Category    *string       `json:"category,omitempty"`
	Source      RequestSource `json:"source"`
	Status      RequestStatus `json:"status"`
	Link        *string       `json:"link"`
	AssignedTo  *string       `json:"assigned_to,omitempty"`
}

type SourcingOption struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	CreatedAt    time.Time `json:"created_at"`
	Vendor       string    `json:"vendor"`
	ProductTitle string    `json:"product_title"`
	Price        float64   `json:"price"`
	URL          string    `json:"url"`
	ImageURL     *string   `json:"image_url,omitempty"`
	Rating       *float64  `json:"rating,omitempty"`
	RatingCount  *int      `json:"rating_count,omitempty"`
	ProductID    *string   `json:"product_id,omitempty"`
	Position     *int      `json:"position,omitempty"`
	IsSelected   bool      `json:"is_selected"`
}

type EmailIntegration struct {
	ID                string            `json:"id"`
	UserID            string            `json:"user_id"`
	Provider          Provider          `json:"provider"`
	IMAPHost          string            `json:"imap_host"`
	IMAPPort          int               `json:"imap_port"`
	IMAPUser          string            `json:"imap_user"`
	IMAPPassEncrypted string            `json:"-"`
	Status            IntegrationStatus `json:"status"`
	LastSyncedAt      *time.Time        `json:"last_synced_at"`
	LastError         *string           `json:"last_error"`
	CreatedAt         time.Time         `json:"created_at"`
}

type TeamMember struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Email     *string   `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type EmailMessage struct {
	UID       uint32
	MessageID string
	Subject   string
	From      string
	Date      time.Time
	Body      string
}

type Verdict struct {
	IsProcurementRequest bool    `json:"is_procurement_request"`
	ProductName          string  `json:"product_name"`
	Quantity             int     `json:"quantity"`
	TargetPrice          float64 `json:"target_price"`
	Category             string  `json:"category"`
	Reasoning            string  `json:"reasoning"`
}

type Offer struct {
	Title       string
	Vendor      string
	PriceText   string
	URL         string
	ImageURL    string
	Rating      *float64
	RatingCount *int
	ProductID   *string
	Position    *int
}
