package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate is inside the WGS84 range.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Role of an authenticated actor as reported by the identity service.
type Role string

const (
	RoleRider  Role = "RIDER"
	RoleDriver Role = "DRIVER"
	// RoleOperator is staff tooling; it never appears on the rider/driver API.
	RoleOperator Role = "OPERATOR"
)

type Actor struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// RideRequest is a rider's open solicitation for a ride. It is mutated only
// to flip Active to false, either on expiry or when a match retires it.
type RideRequest struct {
	ID            string        `json:"id"`
	RiderID       string        `json:"rider_id"`
	Pickup        Coord         `json:"pickup"`
	PickupLabel   string        `json:"pickup_label"`
	Dropoff       Coord         `json:"dropoff"`
	DropoffLabel  string        `json:"dropoff_label"`
	EstimatedFare float64       `json:"estimated_fare"`
	MaxWait       time.Duration `json:"max_wait_seconds"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
	Active        bool          `json:"active"`
}

// DriverOffer is a driver's bid against an open request. Many offers may
// exist per request; exactly one may ever carry Accepted=true.
type DriverOffer struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	DriverID    string    `json:"driver_id"`
	OfferedFare float64   `json:"offered_fare"`
	ETAMinutes  int       `json:"eta_minutes"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Accepted    bool      `json:"accepted"`
	Active      bool      `json:"active"`
}

type TripStatus string

const (
	StatusAccepted       TripStatus = "ACCEPTED"
	StatusDriverArrived  TripStatus = "DRIVER_ARRIVED"
	StatusStarted        TripStatus = "STARTED"
	StatusPaymentPending TripStatus = "PAYMENT_PENDING"
	StatusCompleted      TripStatus = "COMPLETED"
	StatusCancelled      TripStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s TripStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type CancelReason string

const (
	ReasonRiderCancelled  CancelReason = "RIDER_CANCELLED"
	ReasonDriverCancelled CancelReason = "DRIVER_CANCELLED"
	ReasonNoShow          CancelReason = "NO_SHOW"
	ReasonTimeout         CancelReason = "TIMEOUT"
	ReasonPaymentFailed   CancelReason = "PAYMENT_FAILED"
	ReasonSystemCancelled CancelReason = "SYSTEM_CANCELLED"
)

func ValidCancelReason(r CancelReason) bool {
	switch r {
	case ReasonRiderCancelled, ReasonDriverCancelled, ReasonNoShow,
		ReasonTimeout, ReasonPaymentFailed, ReasonSystemCancelled:
		return true
	}
	return false
}

// StatusChange is one entry in a trip's append-only status history.
type StatusChange struct {
	From      TripStatus `json:"from,omitempty"`
	To        TripStatus `json:"to"`
	ChangedBy string     `json:"changed_by"`
	ChangedAt time.Time  `json:"changed_at"`
	Notes     string     `json:"notes,omitempty"`
}

type Trip struct {
	ID            string     `json:"id"`
	RiderID       string     `json:"rider_id"`
	DriverID      string     `json:"driver_id"`
	Pickup        Coord      `json:"pickup"`
	PickupLabel   string     `json:"pickup_label"`
	Dropoff       Coord      `json:"dropoff"`
	DropoffLabel  string     `json:"dropoff_label"`
	Status        TripStatus `json:"status"`
	EstimatedFare float64    `json:"estimated_fare"`
	FinalFare     float64    `json:"final_fare,omitempty"`
	DistanceKm    float64    `json:"distance_km,omitempty"`

	RequestedAt     time.Time  `json:"requested_at"`
	AcceptedAt      time.Time  `json:"accepted_at"`
	DriverArrivedAt *time.Time `json:"driver_arrived_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`

	CancelReason  CancelReason `json:"cancel_reason,omitempty"`
	CancelDetails string       `json:"cancel_details,omitempty"`

	RiderRating    int    `json:"rider_rating,omitempty"`
	DriverRating   int    `json:"driver_rating,omitempty"`
	RiderFeedback  string `json:"rider_feedback,omitempty"`
	DriverFeedback string `json:"driver_feedback,omitempty"`

	History []StatusChange `json:"history,omitempty"`
}

// Clone returns a deep copy so callers can hand trips across goroutines
// without sharing the History slice.
func (t *Trip) Clone() *Trip {
	cp := *t
	cp.History = make([]StatusChange, len(t.History))
	copy(cp.History, t.History)
	return &cp
}

type SettlementLeg string

const (
	LegDebitRider   SettlementLeg = "DEBIT_RIDER"
	LegCreditDriver SettlementLeg = "CREDIT_DRIVER"
)

type SettlementStatus string

const (
	SettlementPending          SettlementStatus = "PENDING"
	SettlementConfirmed        SettlementStatus = "CONFIRMED"
	SettlementFailed           SettlementStatus = "FAILED"
	SettlementCompensated      SettlementStatus = "COMPENSATED"
	SettlementPartiallySettled SettlementStatus = "PARTIALLY_SETTLED"
)

// SettlementRecord tracks one monetary leg of a trip's settlement. The
// idempotency key is derived from trip id and leg so external retries are
// safe to replay.
type SettlementRecord struct {
	TripID         string           `json:"trip_id"`
	Leg            SettlementLeg    `json:"leg"`
	UserID         string           `json:"user_id"`
	Amount         float64          `json:"amount"`
	IdempotencyKey string           `json:"idempotency_key"`
	TransactionID  string           `json:"transaction_id,omitempty"`
	Status         SettlementStatus `json:"status"`
	Attempts       int              `json:"attempts"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Driver is a presence record in the geo index.
type Driver struct {
	ID      string    `json:"id"`
	Loc     Coord     `json:"loc"`
	Rating  float64   `json:"rating"`
	Online  bool      `json:"online"`
	Updated time.Time `json:"updated"`
}

type EventType string

const (
	EventRequestOpened  EventType = "request.opened"
	EventOfferReceived  EventType = "offer.received"
	EventTripAccepted   EventType = "trip.accepted"
	EventDriverArrived  EventType = "trip.driver_arrived"
	EventTripStarted    EventType = "trip.started"
	EventPaymentPending EventType = "trip.payment_pending"
	EventTripCompleted  EventType = "trip.completed"
	EventTripCancelled  EventType = "trip.cancelled"
)

// TripEvent is the lifecycle notification fanned out to the notification
// collaborator. Delivery is best-effort.
type TripEvent struct {
	TripID    string         `json:"trip_id"`
	Type      EventType      `json:"type"`
	RiderID   string         `json:"rider_id,omitempty"`
	DriverID  string         `json:"driver_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	EmittedAt time.Time      `json:"emitted_at"`
}
