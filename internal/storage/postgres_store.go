package storage

import (
	"database/sql"
	"encoding/json"

	_ "github.com/lib/pq"

	"github.com/example/ride-orchestrator/internal/models"
)

// PostgresStore persists trips and settlement records. Status history is
// kept as a JSON column; the read path is always by primary key.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) SaveTrip(t *models.Trip) error {
	history, err := json.Marshal(t.History)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(`INSERT INTO trips(
		id, rider_id, driver_id, pickup_lat, pickup_lon, pickup_label,
		dropoff_lat, dropoff_lon, dropoff_label, status,
		estimated_fare, final_fare, distance_km,
		requested_at, accepted_at, cancel_reason, history)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		t.ID, t.RiderID, t.DriverID, t.Pickup.Lat, t.Pickup.Lon, t.PickupLabel,
		t.Dropoff.Lat, t.Dropoff.Lon, t.DropoffLabel, string(t.Status),
		t.EstimatedFare, t.FinalFare, t.DistanceKm,
		t.RequestedAt, t.AcceptedAt, nullString(string(t.CancelReason)), history)
	return err
}

func (p *PostgresStore) UpdateTrip(t *models.Trip) error {
	history, err := json.Marshal(t.History)
	if err != nil {
		return err
	}
	res, err := p.db.Exec(`UPDATE trips SET
		status=$1, final_fare=$2, distance_km=$3,
		driver_arrived_at=$4, started_at=$5, ended_at=$6, cancelled_at=$7,
		cancel_reason=$8, cancel_details=$9,
		rider_rating=$10, driver_rating=$11, rider_feedback=$12, driver_feedback=$13,
		history=$14
		WHERE id=$15`,
		string(t.Status), t.FinalFare, t.DistanceKm,
		t.DriverArrivedAt, t.StartedAt, t.EndedAt, t.CancelledAt,
		nullString(string(t.CancelReason)), nullString(t.CancelDetails),
		t.RiderRating, t.DriverRating, nullString(t.RiderFeedback), nullString(t.DriverFeedback),
		history, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const tripColumns = `id, rider_id, driver_id, pickup_lat, pickup_lon, pickup_label,
	dropoff_lat, dropoff_lon, dropoff_label, status,
	estimated_fare, final_fare, distance_km,
	requested_at, accepted_at, driver_arrived_at, started_at, ended_at, cancelled_at,
	cancel_reason, cancel_details,
	rider_rating, driver_rating, rider_feedback, driver_feedback, history`

func (p *PostgresStore) GetTrip(id string) (*models.Trip, error) {
	row := p.db.QueryRow(`SELECT `+tripColumns+` FROM trips WHERE id=$1`, id)
	t, err := scanTrip(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTripsForUser returns every trip the user took part in, on either side
// of the match, newest first.
func (p *PostgresStore) ListTripsForUser(userID string) ([]*models.Trip, error) {
	rows, err := p.db.Query(`SELECT `+tripColumns+` FROM trips
		WHERE rider_id=$1 OR driver_id=$1 ORDER BY requested_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (*models.Trip, error) {
	var t models.Trip
	var status string
	var reason, details, riderFeedback, driverFeedback sql.NullString
	var history []byte
	err := row.Scan(&t.ID, &t.RiderID, &t.DriverID, &t.Pickup.Lat, &t.Pickup.Lon, &t.PickupLabel,
		&t.Dropoff.Lat, &t.Dropoff.Lon, &t.DropoffLabel, &status,
		&t.EstimatedFare, &t.FinalFare, &t.DistanceKm,
		&t.RequestedAt, &t.AcceptedAt, &t.DriverArrivedAt, &t.StartedAt, &t.EndedAt, &t.CancelledAt,
		&reason, &details, &t.RiderRating, &t.DriverRating, &riderFeedback, &driverFeedback, &history)
	if err != nil {
		return nil, err
	}
	t.Status = models.TripStatus(status)
	t.CancelReason = models.CancelReason(reason.String)
	t.CancelDetails = details.String
	t.RiderFeedback = riderFeedback.String
	t.DriverFeedback = driverFeedback.String
	if len(history) > 0 {
		if err := json.Unmarshal(history, &t.History); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

func (p *PostgresStore) SaveSettlement(rec *models.SettlementRecord) error {
	_, err := p.db.Exec(`INSERT INTO settlements(
		trip_id, leg, user_id, amount, idempotency_key, transaction_id, status, attempts, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.TripID, string(rec.Leg), rec.UserID, rec.Amount, rec.IdempotencyKey,
		nullString(rec.TransactionID), string(rec.Status), rec.Attempts, rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateSettlement(rec *models.SettlementRecord) error {
	res, err := p.db.Exec(`UPDATE settlements SET
		transaction_id=$1, status=$2, attempts=$3, updated_at=$4
		WHERE trip_id=$5 AND leg=$6`,
		nullString(rec.TransactionID), string(rec.Status), rec.Attempts, rec.UpdatedAt,
		rec.TripID, string(rec.Leg))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SettlementsForTrip(tripID string) ([]*models.SettlementRecord, error) {
	rows, err := p.db.Query(`SELECT trip_id, leg, user_id, amount, idempotency_key, transaction_id, status, attempts, created_at, updated_at
		FROM settlements WHERE trip_id=$1 ORDER BY leg`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSettlements(rows)
}

func (p *PostgresStore) ListUnresolvedSettlements() ([]*models.SettlementRecord, error) {
	rows, err := p.db.Query(`SELECT trip_id, leg, user_id, amount, idempotency_key, transaction_id, status, attempts, created_at, updated_at
		FROM settlements WHERE status IN ('PENDING','FAILED','PARTIALLY_SETTLED') ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSettlements(rows)
}

func scanSettlements(rows *sql.Rows) ([]*models.SettlementRecord, error) {
	var out []*models.SettlementRecord
	for rows.Next() {
		var rec models.SettlementRecord
		var leg, status string
		var txID sql.NullString
		if err := rows.Scan(&rec.TripID, &leg, &rec.UserID, &rec.Amount, &rec.IdempotencyKey,
			&txID, &status, &rec.Attempts, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Leg = models.SettlementLeg(leg)
		rec.Status = models.SettlementStatus(status)
		rec.TransactionID = txID.String
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
