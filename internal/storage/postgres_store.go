package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/mandado-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

const orderColumns = `id, description, category, price_offered,
	pickup_address, pickup_lat, pickup_lng,
	delivery_address, delivery_lat, delivery_lng,
	deadline, requester_id, state, courier_id, previous_courier_id,
	accepted_at, en_route_at, completed_at,
	requester_score, requester_comment, requester_rated_at,
	courier_score, courier_comment, courier_rated_at,
	created_at, updated_at`

func (p *PostgresStore) Insert(ctx context.Context, o *models.Order) error {
	pickupLat, pickupLng := coordCols(o.Pickup.Coord)
	deliveryLat, deliveryLng := coordCols(o.Delivery.Coord)
	_, err := p.db.ExecContext(ctx, `INSERT INTO orders(`+orderColumns+`) VALUES(
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		o.ID, o.Description, string(o.Category), o.PriceOffered,
		o.Pickup.Address, pickupLat, pickupLng,
		o.Delivery.Address, deliveryLat, deliveryLng,
		o.Deadline, o.RequesterID, string(o.State), nullStr(o.CourierID), nullStr(o.PreviousCourierID),
		o.AcceptedAt, o.EnRouteAt, o.CompletedAt,
		ratingCols(o.RequesterRating), ratingCommentCol(o.RequesterRating), ratingTimeCol(o.RequesterRating),
		ratingCols(o.CourierRating), ratingCommentCol(o.CourierRating), ratingTimeCol(o.CourierRating),
		o.CreatedAt, o.UpdatedAt)
	return err
}

func (p *PostgresStore) FindByID(ctx context.Context, id string) (*models.Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return o, err
}

func (p *PostgresStore) Find(ctx context.Context, f OrderFilter) ([]*models.Order, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.States) > 0 {
		ph := make([]string, 0, len(f.States))
		for _, s := range f.States {
			ph = append(ph, arg(string(s)))
		}
		conds = append(conds, "state IN ("+strings.Join(ph, ",")+")")
	}
	if f.RequesterID != "" {
		conds = append(conds, "requester_id="+arg(f.RequesterID))
	}
	if f.CourierID != "" {
		conds = append(conds, "courier_id="+arg(f.CourierID))
	}
	if f.DeadlineAfter != nil {
		conds = append(conds, "deadline>"+arg(*f.DeadlineAfter))
	}
	q := `SELECT ` + orderColumns + ` FROM orders`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// AcceptOrder is the one place the double-assignment race is decided: the
// WHERE clause is the compare-and-set, Postgres row locking does the rest.
func (p *PostgresStore) AcceptOrder(ctx context.Context, id, courierID string, at time.Time) (*models.Order, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE orders SET state=$1, courier_id=$2, accepted_at=$3, updated_at=$3
		 WHERE id=$4 AND state=$5 AND courier_id IS NULL`,
		string(models.StateAccepted), courierID, at, id, string(models.StatePending))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, p.missOrConflict(ctx, id)
	}
	return p.FindByID(ctx, id)
}

func (p *PostgresStore) ConditionalUpdate(ctx context.Context, id string, expected models.OrderState, patch OrderPatch) (*models.Order, error) {
	var (
		sets  []string
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	set := func(col string, v any) { sets = append(sets, col+"="+arg(v)) }

	if patch.State != nil {
		set("state", string(*patch.State))
	}
	if patch.CourierID != nil {
		set("courier_id", nullStr(*patch.CourierID))
	}
	if patch.PreviousCourierID != nil {
		set("previous_courier_id", nullStr(*patch.PreviousCourierID))
	}
	if patch.AcceptedAt != nil {
		set("accepted_at", *patch.AcceptedAt)
	}
	if patch.EnRouteAt != nil {
		set("en_route_at", *patch.EnRouteAt)
	}
	if patch.CompletedAt != nil {
		set("completed_at", *patch.CompletedAt)
	}
	if patch.RequesterRating != nil {
		set("requester_score", patch.RequesterRating.Score)
		set("requester_comment", patch.RequesterRating.Comment)
		set("requester_rated_at", patch.RequesterRating.RatedAt)
		conds = append(conds, "requester_score IS NULL")
	}
	if patch.CourierRating != nil {
		set("courier_score", patch.CourierRating.Score)
		set("courier_comment", patch.CourierRating.Comment)
		set("courier_rated_at", patch.CourierRating.RatedAt)
		conds = append(conds, "courier_score IS NULL")
	}
	set("updated_at", time.Now())

	conds = append(conds, "id="+arg(id), "state="+arg(string(expected)))
	q := "UPDATE orders SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(conds, " AND ")
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, p.missOrConflict(ctx, id)
	}
	return p.FindByID(ctx, id)
}

func (p *PostgresStore) missOrConflict(ctx context.Context, id string) error {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM orders WHERE id=$1`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrPreconditionFailed
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var (
		o                                            models.Order
		category, state                              string
		courierID, prevCourierID                     sql.NullString
		pickupLat, pickupLng, delLat, delLng         sql.NullFloat64
		acceptedAt, enRouteAt, completedAt           sql.NullTime
		reqScore, courScore                          sql.NullInt64
		reqComment, courComment                      sql.NullString
		reqRatedAt, courRatedAt                      sql.NullTime
	)
	err := row.Scan(&o.ID, &o.Description, &category, &o.PriceOffered,
		&o.Pickup.Address, &pickupLat, &pickupLng,
		&o.Delivery.Address, &delLat, &delLng,
		&o.Deadline, &o.RequesterID, &state, &courierID, &prevCourierID,
		&acceptedAt, &enRouteAt, &completedAt,
		&reqScore, &reqComment, &reqRatedAt,
		&courScore, &courComment, &courRatedAt,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Category = models.Category(category)
	o.State = models.OrderState(state)
	o.CourierID = courierID.String
	o.PreviousCourierID = prevCourierID.String
	if pickupLat.Valid && pickupLng.Valid {
		o.Pickup.Coord = &models.Coord{Lat: pickupLat.Float64, Lng: pickupLng.Float64}
	}
	if delLat.Valid && delLng.Valid {
		o.Delivery.Coord = &models.Coord{Lat: delLat.Float64, Lng: delLng.Float64}
	}
	if acceptedAt.Valid {
		o.AcceptedAt = &acceptedAt.Time
	}
	if enRouteAt.Valid {
		o.EnRouteAt = &enRouteAt.Time
	}
	if completedAt.Valid {
		o.CompletedAt = &completedAt.Time
	}
	if reqScore.Valid {
		o.RequesterRating = &models.Rating{Score: int(reqScore.Int64), Comment: reqComment.String, RatedAt: reqRatedAt.Time}
	}
	if courScore.Valid {
		o.CourierRating = &models.Rating{Score: int(courScore.Int64), Comment: courComment.String, RatedAt: courRatedAt.Time}
	}
	return &o, nil
}

func coordCols(c *models.Coord) (any, any) {
	if c == nil {
		return nil, nil
	}
	return c.Lat, c.Lng
}

func ratingCols(r *models.Rating) any {
	if r == nil {
		return nil
	}
	return r.Score
}

func ratingCommentCol(r *models.Rating) any {
	if r == nil {
		return nil
	}
	return r.Comment
}

func ratingTimeCol(r *models.Rating) any {
	if r == nil {
		return nil
	}
	return r.RatedAt
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
