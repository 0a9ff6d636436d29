package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kabidey/privity-inventory/internal/core/domain"
)

// ErrLedgerDrift is returned when a guarded update finds the aggregate and
// its ledgers disagree in a way that cannot be fixed without reconciliation.
// The transaction is rolled back; nothing fails open.
var ErrLedgerDrift = errors.New("ledger drift detected")

const (
	mysqlErrDuplicateKey    = 1062
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// d8 renders a decimal at the column scale (DECIMAL(24,8)).
func d8(d decimal.Decimal) string {
	return d.Round(8).String()
}

func parseDec(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// convertErr maps driver-level transients onto domain errors so the service
// layer's bounded retry can recognise them.
func convertErr(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case mysqlErrDeadlock, mysqlErrLockWaitTimeout:
			return fmt.Errorf("%w: %v", domain.ErrConcurrencyConflict, err)
		}
	}
	return err
}

func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlErrDuplicateKey
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (m *MySQLAdapter) CreateInstrument(ctx context.Context, ins domain.Instrument) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO instruments (id, symbol, face_value, sector, exchange, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ins.ID.String(), ins.Symbol, d8(ins.FaceValue), ins.Sector, ins.Exchange,
		ins.CreatedAt, ins.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert instrument: %w", convertErr(err))
	}
	return nil
}

func (m *MySQLAdapter) GetInstrument(ctx context.Context, id uuid.UUID) (*domain.Instrument, error) {
	var ins domain.Instrument
	var idStr, faceStr string
	err := m.db.QueryRowContext(ctx, `
		SELECT id, symbol, face_value, sector, exchange, created_at, updated_at
		FROM instruments WHERE id = ?`, id.String(),
	).Scan(&idStr, &ins.Symbol, &faceStr, &ins.Sector, &ins.Exchange, &ins.CreatedAt, &ins.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrInstrumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query instrument: %w", convertErr(err))
	}
	if ins.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("parse instrument id: %w", err)
	}
	if ins.FaceValue, err = parseDec(faceStr); err != nil {
		return nil, fmt.Errorf("parse face value: %w", err)
	}
	return &ins, nil
}

func (m *MySQLAdapter) ListInstrumentIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id FROM instruments ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", convertErr(err))
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parse instrument id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (m *MySQLAdapter) GetAggregate(ctx context.Context, instrumentID uuid.UUID) (*domain.InventoryAggregate, error) {
	return m.getAggregate(ctx, m.db, instrumentID, false)
}

func (m *MySQLAdapter) getAggregate(ctx context.Context, q querier, instrumentID uuid.UUID, forUpdate bool) (*domain.InventoryAggregate, error) {
	query := `
		SELECT instrument_id, total_quantity, available_quantity, booked_quantity,
		       weighted_avg_price, landing_price, version, updated_at
		FROM inventory_aggregates WHERE instrument_id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var agg domain.InventoryAggregate
	var idStr string
	var total, avail, booked, wap, landing string
	err := q.QueryRowContext(ctx, query, instrumentID.String()).Scan(
		&idStr, &total, &avail, &booked, &wap, &landing, &agg.Version, &agg.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAggregateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query aggregate: %w", convertErr(err))
	}

	if agg.InstrumentID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("parse instrument id: %w", err)
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&agg.TotalQuantity, total},
		{&agg.AvailableQuantity, avail},
		{&agg.BookedQuantity, booked},
		{&agg.WeightedAvgPrice, wap},
		{&agg.LandingPrice, landing},
	} {
		if *f.dst, err = parseDec(f.src); err != nil {
			return nil, fmt.Errorf("parse aggregate: %w", err)
		}
	}
	return &agg, nil
}

func (m *MySQLAdapter) ListLots(ctx context.Context, instrumentID uuid.UUID) ([]domain.CostLot, error) {
	return m.listLots(ctx, m.db, instrumentID, false)
}

func (m *MySQLAdapter) listLots(ctx context.Context, q querier, instrumentID uuid.UUID, forUpdate bool) ([]domain.CostLot, error) {
	query := `
		SELECT id, instrument_id, quantity, unit_price, acquired_on, created_at, updated_at
		FROM cost_lots WHERE instrument_id = ?
		ORDER BY acquired_on, created_at`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	rows, err := q.QueryContext(ctx, query, instrumentID.String())
	if err != nil {
		return nil, fmt.Errorf("query lots: %w", convertErr(err))
	}
	defer rows.Close()

	var lots []domain.CostLot
	for rows.Next() {
		var lot domain.CostLot
		var idStr, insStr, qtyStr, priceStr string
		if err := rows.Scan(&idStr, &insStr, &qtyStr, &priceStr, &lot.AcquiredOn, &lot.CreatedAt, &lot.UpdatedAt); err != nil {
			return nil, err
		}
		if lot.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("parse lot id: %w", err)
		}
		if lot.InstrumentID, err = uuid.Parse(insStr); err != nil {
			return nil, fmt.Errorf("parse lot instrument id: %w", err)
		}
		if lot.Quantity, err = parseDec(qtyStr); err != nil {
			return nil, fmt.Errorf("parse lot quantity: %w", err)
		}
		if lot.UnitPrice, err = parseDec(priceStr); err != nil {
			return nil, fmt.Errorf("parse lot price: %w", err)
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func (m *MySQLAdapter) GetBooking(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error) {
	return m.getBooking(ctx, m.db, bookingID)
}

func (m *MySQLAdapter) getBooking(ctx context.Context, q querier, bookingID uuid.UUID) (*domain.Booking, error) {
	var b domain.Booking
	var idStr, insStr, qtyStr, buyStr, sellStr, statusStr string
	err := q.QueryRowContext(ctx, `
		SELECT id, instrument_id, quantity, buying_price, selling_price, status, created_at, updated_at
		FROM bookings WHERE id = ?`, bookingID.String(),
	).Scan(&idStr, &insStr, &qtyStr, &buyStr, &sellStr, &statusStr, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query booking: %w", convertErr(err))
	}

	if b.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("parse booking id: %w", err)
	}
	if b.InstrumentID, err = uuid.Parse(insStr); err != nil {
		return nil, fmt.Errorf("parse booking instrument id: %w", err)
	}
	if b.Quantity, err = parseDec(qtyStr); err != nil {
		return nil, fmt.Errorf("parse booking quantity: %w", err)
	}
	if b.BuyingPrice, err = parseDec(buyStr); err != nil {
		return nil, fmt.Errorf("parse buying price: %w", err)
	}
	if b.SellingPrice, err = parseDec(sellStr); err != nil {
		return nil, fmt.Errorf("parse selling price: %w", err)
	}
	b.Status = domain.BookingStatus(statusStr)
	return &b, nil
}

func (m *MySQLAdapter) sumQuantity(ctx context.Context, q querier, query string, args ...any) (decimal.Decimal, error) {
	var s string
	if err := q.QueryRowContext(ctx, query, args...).Scan(&s); err != nil {
		return decimal.Zero, convertErr(err)
	}
	return parseDec(s)
}

// InsertPurchase appends the lot and folds it into the aggregate in one
// transaction. The aggregate row is locked for the duration, so concurrent
// purchases on the same instrument serialize instead of losing updates.
func (m *MySQLAdapter) InsertPurchase(ctx context.Context, lot domain.CostLot) (*domain.InventoryAggregate, domain.AggregateSnapshot, error) {
	var before domain.AggregateSnapshot

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, before, fmt.Errorf("begin tx: %w", convertErr(err))
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	agg, err := m.getAggregate(ctx, tx, lot.InstrumentID, true)
	if errors.Is(err, domain.ErrAggregateNotFound) {
		agg = &domain.InventoryAggregate{InstrumentID: lot.InstrumentID}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO inventory_aggregates
				(instrument_id, total_quantity, available_quantity, booked_quantity,
				 weighted_avg_price, landing_price, version, updated_at)
			VALUES (?, 0, 0, 0, 0, 0, 0, ?)`,
			lot.InstrumentID.String(), now,
		)
		if isDuplicateKey(err) {
			// Another purchase created the row between our read and insert.
			return nil, before, fmt.Errorf("%w: aggregate row created concurrently", domain.ErrConcurrencyConflict)
		}
	}
	if err != nil {
		return nil, before, fmt.Errorf("lock aggregate: %w", convertErr(err))
	}
	before = agg.Snapshot()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cost_lots (id, instrument_id, quantity, unit_price, acquired_on, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lot.ID.String(), lot.InstrumentID.String(), d8(lot.Quantity), d8(lot.UnitPrice),
		lot.AcquiredOn, now, now,
	)
	if err != nil {
		return nil, before, fmt.Errorf("insert lot: %w", convertErr(err))
	}

	agg.AbsorbPurchase(lot.Quantity, lot.UnitPrice)
	agg.LandingPrice = lot.UnitPrice
	agg.Version++
	agg.UpdatedAt = now

	if err := m.writeAggregate(ctx, tx, agg); err != nil {
		return nil, before, err
	}
	if err := tx.Commit(); err != nil {
		return nil, before, fmt.Errorf("commit purchase: %w", convertErr(err))
	}
	return agg, before, nil
}

func (m *MySQLAdapter) writeAggregate(ctx context.Context, q querier, agg *domain.InventoryAggregate) error {
	_, err := q.ExecContext(ctx, `
		UPDATE inventory_aggregates
		SET total_quantity = ?, available_quantity = ?, booked_quantity = ?,
		    weighted_avg_price = ?, landing_price = ?, version = ?, updated_at = ?
		WHERE instrument_id = ?`,
		d8(agg.TotalQuantity), d8(agg.AvailableQuantity), d8(agg.BookedQuantity),
		d8(agg.WeightedAvgPrice), d8(agg.LandingPrice), agg.Version, agg.UpdatedAt,
		agg.InstrumentID.String(),
	)
	if err != nil {
		return fmt.Errorf("update aggregate: %w", convertErr(err))
	}
	return nil
}

// ReserveQuantity is the oversell guard. The availability check and the
// decrement are one store-evaluated statement; the booking insert rides in
// the same transaction so a timeout or crash leaves no partial effect.
func (m *MySQLAdapter) ReserveQuantity(ctx context.Context, bookingID, instrumentID uuid.UUID, qty decimal.Decimal) (*domain.Booking, *domain.InventoryAggregate, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", convertErr(err))
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE inventory_aggregates
		SET available_quantity = available_quantity - ?,
		    booked_quantity = booked_quantity + ?,
		    version = version + 1, updated_at = ?
		WHERE instrument_id = ? AND available_quantity >= ?`,
		d8(qty), d8(qty), now, instrumentID.String(), d8(qty),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("reserve quantity: %w", convertErr(err))
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `
			SELECT 1 FROM inventory_aggregates WHERE instrument_id = ?`,
			instrumentID.String(),
		).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, domain.ErrAggregateNotFound
		}
		if err != nil {
			return nil, nil, fmt.Errorf("check aggregate: %w", convertErr(err))
		}
		return nil, nil, domain.ErrInsufficientInventory
	}

	// Row is locked by our own update; this read sees the post-decrement
	// state and supplies the buying price for the booking.
	agg, err := m.getAggregate(ctx, tx, instrumentID, false)
	if err != nil {
		return nil, nil, err
	}

	booking := &domain.Booking{
		ID:           bookingID,
		InstrumentID: instrumentID,
		Quantity:     qty,
		BuyingPrice:  agg.WeightedAvgPrice,
		SellingPrice: decimal.Zero,
		Status:       domain.BookingStatusOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bookings (id, instrument_id, quantity, buying_price, selling_price, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		booking.ID.String(), booking.InstrumentID.String(), d8(booking.Quantity),
		d8(booking.BuyingPrice), d8(booking.SellingPrice), string(booking.Status),
		booking.CreatedAt, booking.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			// Retried reserve for a booking that already went through:
			// roll back our decrement and hand back the existing booking.
			_ = tx.Rollback()
			existing, getErr := m.GetBooking(ctx, bookingID)
			if getErr != nil {
				return nil, nil, getErr
			}
			if !existing.Open() {
				// The booking was already released or confirmed; a retry
				// must not reopen it or report it as reserved.
				return nil, nil, domain.ErrReservationClosed
			}
			existingAgg, getErr := m.GetAggregate(ctx, instrumentID)
			if getErr != nil {
				return nil, nil, getErr
			}
			return existing, existingAgg, nil
		}
		return nil, nil, fmt.Errorf("insert booking: %w", convertErr(err))
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit reserve: %w", convertErr(err))
	}
	return booking, agg, nil
}

// ReleaseReservation reverses a reserve at most once. The status flip is the
// guard: only the transition open -> cancelled returns quantity.
func (m *MySQLAdapter) ReleaseReservation(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, *domain.InventoryAggregate, domain.AggregateSnapshot, error) {
	return m.closeBooking(ctx, bookingID, domain.BookingStatusCancelled, nil)
}

// ConfirmSale finalizes a booking: the reserved quantity leaves the book
// entirely and is drawn down from cost lots oldest-first.
func (m *MySQLAdapter) ConfirmSale(ctx context.Context, bookingID uuid.UUID, sellingPrice decimal.Decimal) (*domain.Booking, *domain.InventoryAggregate, domain.AggregateSnapshot, error) {
	return m.closeBooking(ctx, bookingID, domain.BookingStatusClosed, &sellingPrice)
}

func (m *MySQLAdapter) closeBooking(ctx context.Context, bookingID uuid.UUID, to domain.BookingStatus, sellingPrice *decimal.Decimal) (*domain.Booking, *domain.InventoryAggregate, domain.AggregateSnapshot, error) {
	var before domain.AggregateSnapshot

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, before, fmt.Errorf("begin tx: %w", convertErr(err))
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var res sql.Result
	if sellingPrice != nil {
		res, err = tx.ExecContext(ctx, `
			UPDATE bookings SET status = ?, selling_price = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(to), d8(*sellingPrice), now, bookingID.String(), string(domain.BookingStatusOpen),
		)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE bookings SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(to), now, bookingID.String(), string(domain.BookingStatusOpen),
		)
	}
	if err != nil {
		return nil, nil, before, fmt.Errorf("close booking: %w", convertErr(err))
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM bookings WHERE id = ?`, bookingID.String()).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, before, domain.ErrReservationNotFound
		}
		if err != nil {
			return nil, nil, before, fmt.Errorf("check booking: %w", convertErr(err))
		}
		return nil, nil, before, domain.ErrReservationClosed
	}

	booking, err := m.getBooking(ctx, tx, bookingID)
	if err != nil {
		return nil, nil, before, err
	}

	beforeAgg, err := m.getAggregate(ctx, tx, booking.InstrumentID, true)
	if err != nil {
		return nil, nil, before, err
	}
	before = beforeAgg.Snapshot()

	if to == domain.BookingStatusCancelled {
		res, err = tx.ExecContext(ctx, `
			UPDATE inventory_aggregates
			SET available_quantity = available_quantity + ?,
			    booked_quantity = booked_quantity - ?,
			    version = version + 1, updated_at = ?
			WHERE instrument_id = ? AND booked_quantity >= ?`,
			d8(booking.Quantity), d8(booking.Quantity), now,
			booking.InstrumentID.String(), d8(booking.Quantity),
		)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE inventory_aggregates
			SET total_quantity = total_quantity - ?,
			    booked_quantity = booked_quantity - ?,
			    version = version + 1, updated_at = ?
			WHERE instrument_id = ? AND booked_quantity >= ?`,
			d8(booking.Quantity), d8(booking.Quantity), now,
			booking.InstrumentID.String(), d8(booking.Quantity),
		)
	}
	if err != nil {
		return nil, nil, before, fmt.Errorf("return quantity: %w", convertErr(err))
	}
	rows, _ = res.RowsAffected()
	if rows == 0 {
		return nil, nil, before, fmt.Errorf("%w: booked quantity below booking %s", ErrLedgerDrift, bookingID)
	}

	if to == domain.BookingStatusClosed {
		if err := m.consumeLots(ctx, tx, booking.InstrumentID, booking.Quantity, now); err != nil {
			return nil, nil, before, err
		}
	}

	agg, err := m.getAggregate(ctx, tx, booking.InstrumentID, false)
	if err != nil {
		return nil, nil, before, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, before, fmt.Errorf("commit close: %w", convertErr(err))
	}
	return booking, agg, before, nil
}

// consumeLots draws qty from the instrument's lots oldest-first and
// recomputes the WAP from what remains, keeping sum(lot qty) == total.
func (m *MySQLAdapter) consumeLots(ctx context.Context, tx *sql.Tx, instrumentID uuid.UUID, qty decimal.Decimal, now time.Time) error {
	lots, err := m.listLots(ctx, tx, instrumentID, true)
	if err != nil {
		return err
	}

	remaining := qty
	for i := range lots {
		if !remaining.IsPositive() {
			break
		}
		if !lots[i].Quantity.IsPositive() {
			continue
		}
		take := decimal.Min(remaining, lots[i].Quantity)
		lots[i].Quantity = lots[i].Quantity.Sub(take)
		remaining = remaining.Sub(take)
		if _, err := tx.ExecContext(ctx, `
			UPDATE cost_lots SET quantity = ?, updated_at = ? WHERE id = ?`,
			d8(lots[i].Quantity), now, lots[i].ID.String(),
		); err != nil {
			return fmt.Errorf("draw down lot: %w", convertErr(err))
		}
	}
	if remaining.IsPositive() {
		return fmt.Errorf("%w: lots short by %s for instrument %s", ErrLedgerDrift, remaining, instrumentID)
	}

	total, wap, _ := domain.RecomputeAggregate(lots, nil)
	res, err := tx.ExecContext(ctx, `
		UPDATE inventory_aggregates SET weighted_avg_price = ?, updated_at = ?
		WHERE instrument_id = ? AND total_quantity = ?`,
		d8(wap), now, instrumentID.String(), d8(total),
	)
	if err != nil {
		return fmt.Errorf("refresh wap: %w", convertErr(err))
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: lot total diverged from aggregate for instrument %s", ErrLedgerDrift, instrumentID)
	}
	return nil
}

func (m *MySQLAdapter) CreateCorporateAction(ctx context.Context, action domain.CorporateAction) error {
	var faceValue any
	if action.NewFaceValue != nil {
		faceValue = d8(*action.NewFaceValue)
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO corporate_actions
			(id, instrument_id, type, ratio_from, ratio_to, new_face_value, record_date, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		action.ID.String(), action.InstrumentID.String(), string(action.Type),
		action.RatioFrom, action.RatioTo, faceValue, action.RecordDate,
		string(action.Status), action.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert corporate action: %w", convertErr(err))
	}
	return nil
}

func (m *MySQLAdapter) GetCorporateAction(ctx context.Context, id uuid.UUID) (*domain.CorporateAction, error) {
	var a domain.CorporateAction
	var idStr, insStr, typeStr, statusStr string
	var faceStr sql.NullString
	var appliedAt sql.NullTime
	err := m.db.QueryRowContext(ctx, `
		SELECT id, instrument_id, type, ratio_from, ratio_to, new_face_value,
		       record_date, status, applied_at, created_at
		FROM corporate_actions WHERE id = ?`, id.String(),
	).Scan(&idStr, &insStr, &typeStr, &a.RatioFrom, &a.RatioTo, &faceStr,
		&a.RecordDate, &statusStr, &appliedAt, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrActionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query corporate action: %w", convertErr(err))
	}

	if a.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("parse action id: %w", err)
	}
	if a.InstrumentID, err = uuid.Parse(insStr); err != nil {
		return nil, fmt.Errorf("parse action instrument id: %w", err)
	}
	a.Type = domain.ActionType(typeStr)
	a.Status = domain.ActionStatus(statusStr)
	if faceStr.Valid {
		fv, err := parseDec(faceStr.String)
		if err != nil {
			return nil, fmt.Errorf("parse new face value: %w", err)
		}
		a.NewFaceValue = &fv
	}
	if appliedAt.Valid {
		t := appliedAt.Time
		a.AppliedAt = &t
	}
	return &a, nil
}

// ApplyCorporateAction rescales the whole instrument in one transaction.
// The pending -> applied flip is a guarded update, so a second apply finds
// zero rows and fails instead of double-adjusting.
func (m *MySQLAdapter) ApplyCorporateAction(ctx context.Context, action domain.CorporateAction) (*domain.AdjustmentSummary, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", convertErr(err))
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE corporate_actions SET status = ?, applied_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.ActionStatusApplied), now, action.ID.String(), string(domain.ActionStatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("mark applied: %w", convertErr(err))
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM corporate_actions WHERE id = ?`, action.ID.String()).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrActionNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("check action: %w", convertErr(err))
		}
		return nil, domain.ErrAlreadyApplied
	}

	agg, err := m.getAggregate(ctx, tx, action.InstrumentID, true)
	if err != nil {
		return nil, err
	}
	before := agg.Snapshot()

	// Exact rational arithmetic pushed into the store: multiply by the
	// denominator before dividing by the numerator (and vice versa).
	num, den := action.Ratio()
	lotRes, err := tx.ExecContext(ctx, `
		UPDATE cost_lots
		SET quantity = quantity * ? / ?, unit_price = unit_price * ? / ?, updated_at = ?
		WHERE instrument_id = ?`,
		den.String(), num.String(), num.String(), den.String(), now,
		action.InstrumentID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("rescale lots: %w", convertErr(err))
	}

	bookRes, err := tx.ExecContext(ctx, `
		UPDATE bookings
		SET quantity = quantity * ? / ?,
		    buying_price = buying_price * ? / ?,
		    selling_price = selling_price * ? / ?,
		    updated_at = ?
		WHERE instrument_id = ? AND status = ?`,
		den.String(), num.String(), num.String(), den.String(), num.String(), den.String(), now,
		action.InstrumentID.String(), string(domain.BookingStatusOpen),
	)
	if err != nil {
		return nil, fmt.Errorf("rescale bookings: %w", convertErr(err))
	}

	// Aggregate quantities come from re-summing the rescaled rows. A
	// non-terminating factor rounds differently when applied once to the
	// old totals than when applied per row at column scale, and the lot
	// ledger's per-row rounding is the one the draw-down path checks
	// against.
	total, err := m.sumQuantity(ctx, tx, `
		SELECT COALESCE(SUM(quantity), 0) FROM cost_lots WHERE instrument_id = ?`,
		action.InstrumentID.String())
	if err != nil {
		return nil, fmt.Errorf("sum lots: %w", err)
	}
	booked, err := m.sumQuantity(ctx, tx, `
		SELECT COALESCE(SUM(quantity), 0) FROM bookings WHERE instrument_id = ? AND status = ?`,
		action.InstrumentID.String(), string(domain.BookingStatusOpen))
	if err != nil {
		return nil, fmt.Errorf("sum open bookings: %w", err)
	}

	agg.WeightedAvgPrice = action.ScalePrice(agg.WeightedAvgPrice)
	agg.LandingPrice = action.ScalePrice(agg.LandingPrice)
	agg.TotalQuantity = total
	agg.BookedQuantity = booked
	agg.AvailableQuantity = total.Sub(booked)
	agg.Version++
	agg.UpdatedAt = now
	if err := m.writeAggregate(ctx, tx, agg); err != nil {
		return nil, err
	}

	if action.Type == domain.ActionTypeSplit && action.NewFaceValue != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE instruments SET face_value = ?, updated_at = ? WHERE id = ?`,
			d8(*action.NewFaceValue), now, action.InstrumentID.String(),
		); err != nil {
			return nil, fmt.Errorf("update face value: %w", convertErr(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit corporate action: %w", convertErr(err))
	}

	lots, _ := lotRes.RowsAffected()
	bookings, _ := bookRes.RowsAffected()
	return &domain.AdjustmentSummary{
		ActionID:        action.ID,
		InstrumentID:    action.InstrumentID,
		Type:            action.Type,
		PriceFactor:     action.PriceFactor(),
		Before:          before,
		After:           agg.Snapshot(),
		LotsRescaled:    lots,
		BookingsScaled:  bookings,
		FaceValueUpdate: action.NewFaceValue,
		AppliedAt:       now,
	}, nil
}

// RecalculateAggregate rebuilds the aggregate from its ledgers. The row
// lock taken up front blocks the reserve path's guarded update until the
// rebuild commits, so no oversell window opens mid-rewrite.
func (m *MySQLAdapter) RecalculateAggregate(ctx context.Context, instrumentID uuid.UUID) (*domain.ReconciliationReport, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", convertErr(err))
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	agg, err := m.getAggregate(ctx, tx, instrumentID, true)
	if errors.Is(err, domain.ErrAggregateNotFound) {
		agg = &domain.InventoryAggregate{InstrumentID: instrumentID, UpdatedAt: now}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO inventory_aggregates
				(instrument_id, total_quantity, available_quantity, booked_quantity,
				 weighted_avg_price, landing_price, version, updated_at)
			VALUES (?, 0, 0, 0, 0, 0, 0, ?)`,
			instrumentID.String(), now,
		); err != nil {
			if isDuplicateKey(err) {
				return nil, fmt.Errorf("%w: aggregate row created concurrently", domain.ErrConcurrencyConflict)
			}
			return nil, fmt.Errorf("create aggregate: %w", convertErr(err))
		}
	} else if err != nil {
		return nil, err
	}
	before := agg.Snapshot()

	lots, err := m.listLots(ctx, tx, instrumentID, false)
	if err != nil {
		return nil, err
	}
	bookings, err := m.listOpenBookings(ctx, tx, instrumentID)
	if err != nil {
		return nil, err
	}

	total, wap, booked := domain.RecomputeAggregate(lots, bookings)
	available := total.Sub(booked)
	if available.IsNegative() {
		return nil, fmt.Errorf("%w: open bookings (%s) exceed lot total (%s) for instrument %s",
			ErrLedgerDrift, booked, total, instrumentID)
	}

	agg.TotalQuantity = total
	agg.WeightedAvgPrice = wap
	agg.BookedQuantity = booked
	agg.AvailableQuantity = available
	after := agg.Snapshot()

	drifted := !before.Equal(after)
	if drifted {
		agg.Version++
		agg.UpdatedAt = now
		if err := m.writeAggregate(ctx, tx, agg); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit recalculate: %w", convertErr(err))
	}

	return &domain.ReconciliationReport{
		InstrumentID: instrumentID,
		Before:       before,
		After:        after,
		Drifted:      drifted,
		CheckedAt:    now,
	}, nil
}

func (m *MySQLAdapter) listOpenBookings(ctx context.Context, q querier, instrumentID uuid.UUID) ([]domain.Booking, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, quantity FROM bookings WHERE instrument_id = ? AND status = ?`,
		instrumentID.String(), string(domain.BookingStatusOpen),
	)
	if err != nil {
		return nil, fmt.Errorf("query open bookings: %w", convertErr(err))
	}
	defer rows.Close()

	var bookings []domain.Booking
	for rows.Next() {
		var b domain.Booking
		var idStr, qtyStr string
		if err := rows.Scan(&idStr, &qtyStr); err != nil {
			return nil, err
		}
		if b.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("parse booking id: %w", err)
		}
		if b.Quantity, err = parseDec(qtyStr); err != nil {
			return nil, fmt.Errorf("parse booking quantity: %w", err)
		}
		b.InstrumentID = instrumentID
		b.Status = domain.BookingStatusOpen
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}
