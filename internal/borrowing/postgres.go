// internal/borrowing/postgres.go
package borrowing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libraryloans/internal/eventstore"
	"libraryloans/internal/pagination"
)

const requestColumns = `id, requestor_id, status, date_requested, approver_id, date_processed, due_date, rejection_reason, version, created_at, updated_at`

const detailColumns = `id, request_id, book_id, due_date, original_due_date, is_extension_used, returned_date`

const activeLoanCountQuery = `
	SELECT COUNT(*)
	FROM borrowing_request_details d
	JOIN borrowing_requests r ON r.id = d.request_id
	WHERE d.book_id = $1 AND d.returned_date IS NULL AND r.status = 'Approved'
`

// PostgresStore keeps requests in the borrowing_requests and
// borrowing_request_details tables and their history in the event log.
type PostgresStore struct {
	db      *sqlx.DB
	events  *eventstore.EventStore
	dialect goqu.DialectWrapper
	tracer  trace.Tracer
}

func NewPostgresStore(db *sqlx.DB, events *eventstore.EventStore) *PostgresStore {
	return &PostgresStore{
		db:      db,
		events:  events,
		dialect: goqu.Dialect("postgres"),
		tracer:  otel.Tracer("libraryloans/borrowing/postgres"),
	}
}

// WithinTx runs fn in a READ COMMITTED transaction. Row locks taken through
// the Tx serialize conflicting units of work.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(ctx, &pgTx{tx: tx, events: s.events}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, id uuid.UUID) (*Request, error) {
	ctx, span := s.tracer.Start(ctx, "borrowing.store.get_request",
		trace.WithAttributes(attribute.String("request.id", id.String())),
	)
	defer span.End()

	return getRequest(ctx, s.db, id, false)
}

func (s *PostgresStore) ListRequests(ctx context.Context, filter ListFilter, page pagination.Params) ([]Request, int, error) {
	ctx, span := s.tracer.Start(ctx, "borrowing.store.list_requests")
	defer span.End()

	ds := s.dialect.From("borrowing_requests").Prepared(true)
	if filter.RequestorID != nil {
		ds = ds.Where(goqu.C("requestor_id").Eq(filter.RequestorID.String()))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		ds = ds.Where(goqu.C("status").In(statuses))
	}
	if filter.From != nil {
		ds = ds.Where(goqu.C("date_requested").Gte(*filter.From))
	}
	if filter.To != nil {
		ds = ds.Where(goqu.C("date_requested").Lt(*filter.To))
	}

	countSQL, countArgs, err := ds.Select(goqu.COUNT("*")).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}
	var total int
	if err := s.db.GetContext(ctx, &total, countSQL, countArgs...); err != nil {
		return nil, 0, fmt.Errorf("count requests: %w", err)
	}

	column := page.SortBy
	if column == "" {
		column = SortColumns[DefaultSortKey]
	}
	var order exp.OrderedExpression
	if page.Desc {
		order = goqu.C(column).Desc()
	} else {
		order = goqu.C(column).Asc()
	}

	listSQL, listArgs, err := ds.
		Select(goqu.L(requestColumns)).
		Order(order, goqu.C("id").Asc()).
		Limit(uint(page.Limit())).
		Offset(uint(page.Offset())).
		ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build list query: %w", err)
	}

	var requests []Request
	if err := s.db.SelectContext(ctx, &requests, listSQL, listArgs...); err != nil {
		return nil, 0, fmt.Errorf("list requests: %w", err)
	}
	if err := attachDetails(ctx, s.db, requests); err != nil {
		return nil, 0, err
	}

	span.SetAttributes(attribute.Int("total.items", total), attribute.Int("page.items", len(requests)))
	return requests, total, nil
}

func (s *PostgresStore) ActiveLoanCount(ctx context.Context, bookID int64) (int, error) {
	return activeLoanCount(ctx, s.db, bookID)
}

func (s *PostgresStore) History(ctx context.Context, requestID uuid.UUID) ([]eventstore.Event, error) {
	return s.events.LoadEvents(ctx, requestID, 0, 0)
}

func (s *PostgresStore) OvercommittedBooks(ctx context.Context) (int, error) {
	query := `
		SELECT COUNT(*) FROM (
			SELECT b.id
			FROM books b
			JOIN borrowing_request_details d ON d.book_id = b.id
			JOIN borrowing_requests r ON r.id = d.request_id
			WHERE d.returned_date IS NULL AND r.status = 'Approved'
			GROUP BY b.id, b.total_quantity
			HAVING COUNT(*) > b.total_quantity
		) overcommitted
	`
	var n int
	if err := s.db.GetContext(ctx, &n, query); err != nil {
		return 0, fmt.Errorf("count overcommitted books: %w", err)
	}
	return n, nil
}

// pgTx implements Tx on an open sqlx transaction.
type pgTx struct {
	tx     *sqlx.Tx
	events *eventstore.EventStore
}

func (t *pgTx) LockRequestor(ctx context.Context, requestorID uuid.UUID) error {
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, requestorID.String()); err != nil {
		return fmt.Errorf("lock requestor: %w", err)
	}
	return nil
}

func (t *pgTx) LockBooks(ctx context.Context, bookIDs []int64) (map[int64]int, error) {
	ids := append([]int64(nil), bookIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, total_quantity
		FROM books
		WHERE id = ANY($1) AND NOT is_deleted
		ORDER BY id
		FOR UPDATE
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("lock books: %w", err)
	}
	defer rows.Close()

	totals := make(map[int64]int, len(ids))
	for rows.Next() {
		var id int64
		var total int
		if err := rows.Scan(&id, &total); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		totals[id] = total
	}
	return totals, rows.Err()
}

func (t *pgTx) ActiveLoanCount(ctx context.Context, bookID int64) (int, error) {
	return activeLoanCount(ctx, t.tx, bookID)
}

func (t *pgTx) SetTotalQuantity(ctx context.Context, bookID int64, total int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE books
		SET total_quantity = $1, updated_at = NOW()
		WHERE id = $2 AND NOT is_deleted
	`, total, bookID)
	if err != nil {
		return fmt.Errorf("update book %d: %w", bookID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update book %d: %w", bookID, err)
	}
	if n == 0 {
		return fmt.Errorf("book %d: %w", bookID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) OpenRequestBooks(ctx context.Context, requestorID uuid.UUID, bookIDs []int64) ([]int64, error) {
	var open []int64
	err := t.tx.SelectContext(ctx, &open, `
		SELECT DISTINCT d.book_id
		FROM borrowing_request_details d
		JOIN borrowing_requests r ON r.id = d.request_id
		WHERE r.requestor_id = $1 AND r.status = 'Waiting' AND d.book_id = ANY($2)
		ORDER BY d.book_id
	`, requestorID, pq.Array(bookIDs))
	if err != nil {
		return nil, fmt.Errorf("find open requests: %w", err)
	}
	return open, nil
}

func (t *pgTx) GetRequest(ctx context.Context, id uuid.UUID, forUpdate bool) (*Request, error) {
	return getRequest(ctx, t.tx, id, forUpdate)
}

func (t *pgTx) GetDetail(ctx context.Context, id uuid.UUID, forUpdate bool) (*Detail, error) {
	query := `SELECT ` + detailColumns + ` FROM borrowing_request_details WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	d := &Detail{}
	if err := t.tx.GetContext(ctx, d, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("detail %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get detail: %w", err)
	}
	return d, nil
}

func (t *pgTx) InsertRequest(ctx context.Context, req *Request) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO borrowing_requests (`+requestColumns+`)
		VALUES (:id, :requestor_id, :status, :date_requested, :approver_id, :date_processed,
			:due_date, :rejection_reason, :version, :created_at, :updated_at)
	`, req)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}

	if len(req.Details) == 0 {
		return nil
	}
	_, err = t.tx.NamedExecContext(ctx, `
		INSERT INTO borrowing_request_details (`+detailColumns+`)
		VALUES (:id, :request_id, :book_id, :due_date, :original_due_date, :is_extension_used, :returned_date)
	`, req.Details)
	if err != nil {
		return fmt.Errorf("insert details: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateRequest(ctx context.Context, req *Request, expectedVersion int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE borrowing_requests
		SET status = $1, approver_id = $2, date_processed = $3, due_date = $4,
			rejection_reason = $5, version = $6, updated_at = $7
		WHERE id = $8 AND version = $9
	`, req.Status, req.ApproverID, req.DateProcessed, req.DueDate,
		req.RejectionReason, req.Version, req.UpdatedAt, req.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	if n == 0 {
		return eventstore.ErrConcurrencyConflict
	}
	return nil
}

func (t *pgTx) UpdateDetail(ctx context.Context, d *Detail) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE borrowing_request_details
		SET due_date = $1, original_due_date = $2, is_extension_used = $3, returned_date = $4
		WHERE id = $5
	`, d.DueDate, d.OriginalDueDate, d.IsExtensionUsed, d.ReturnedDate, d.ID)
	if err != nil {
		return fmt.Errorf("update detail: %w", err)
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, requestID uuid.UUID, expectedVersion int, eventType string, data interface{}, metadata map[string]interface{}) error {
	ev, err := eventstore.NewEvent(eventType, data, metadata)
	if err != nil {
		return err
	}
	_, err = t.events.AppendTx(ctx, t.tx, requestID, AggregateType, expectedVersion, []eventstore.Event{ev})
	return err
}

func getRequest(ctx context.Context, q sqlx.ExtContext, id uuid.UUID, forUpdate bool) (*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM borrowing_requests WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	req := Request{}
	if err := sqlx.GetContext(ctx, q, &req, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get request: %w", err)
	}

	requests := []Request{req}
	if err := attachDetails(ctx, q, requests); err != nil {
		return nil, err
	}
	return &requests[0], nil
}

// attachDetails loads the details of every request in one query.
func attachDetails(ctx context.Context, q sqlx.ExtContext, requests []Request) error {
	if len(requests) == 0 {
		return nil
	}

	ids := make([]string, len(requests))
	index := make(map[uuid.UUID]int, len(requests))
	for i := range requests {
		ids[i] = requests[i].ID.String()
		index[requests[i].ID] = i
		requests[i].Details = []Detail{}
	}

	var details []Detail
	err := sqlx.SelectContext(ctx, q, &details, `
		SELECT `+detailColumns+`
		FROM borrowing_request_details
		WHERE request_id = ANY($1::uuid[])
		ORDER BY request_id, book_id
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("load details: %w", err)
	}

	for _, d := range details {
		i := index[d.RequestID]
		requests[i].Details = append(requests[i].Details, d)
	}
	return nil
}

func activeLoanCount(ctx context.Context, q sqlx.QueryerContext, bookID int64) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, q, &n, activeLoanCountQuery, bookID); err != nil {
		return 0, fmt.Errorf("count active loans: %w", err)
	}
	return n, nil
}
