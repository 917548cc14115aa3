// internal/chaos/experiments.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"libraryloans/internal/borrowing"
)

// Target is the lending system an experiment drives.
type Target interface {
	AddBook(ctx context.Context, copies int) (int64, error)
	NewRequestor(ctx context.Context) (Requestor, error)
	ApproveRequest(ctx context.Context, id uuid.UUID) error
	// OvercommittedBooks counts books with more active loans than copies.
	OvercommittedBooks(ctx context.Context) (int, error)
}

// Requestor creates borrowing requests as one member.
type Requestor interface {
	CreateRequest(ctx context.Context, bookIDs []int64) (uuid.UUID, error)
}

// RegisterExperiments adds the standard experiments for target.
func (e *Engine) RegisterExperiments(target Target, duration time.Duration) {
	race := ApprovalRace(target, 3, 24)
	race.Duration = duration
	e.RegisterExperiment(race)

	dup := DuplicateRequestRace(target, 16)
	dup.Duration = duration
	e.RegisterExperiment(dup)
}

func overcommitted(target Target) Metric {
	return Metric{
		Name: "overcommitted_books",
		Query: func(ctx context.Context) (float64, error) {
			n, err := target.OvercommittedBooks(ctx)
			return float64(n), err
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

// ApprovalRace approves `requests` waiting requests for a title with
// `copies` copies all at once. Exactly `copies` approvals must win and no
// book may end up lent beyond its quantity.
func ApprovalRace(target Target, copies, requests int) Experiment {
	var overflow atomic.Int64

	return Experiment{
		Name:       "concurrent-approval-race",
		Hypothesis: "Simultaneous approvals never lend more copies than a book has",
		SteadyState: []Metric{
			overcommitted(target),
			{
				Name: "approval_overflow",
				Query: func(context.Context) (float64, error) {
					return float64(overflow.Load()), nil
				},
				Threshold: Threshold{Operator: "==", Value: 0},
			},
		},
		Method: []Action{{
			Type:   "load",
			Target: "borrowing-approvals",
			Execute: func(ctx context.Context) error {
				book, err := target.AddBook(ctx, copies)
				if err != nil {
					return err
				}

				ids := make([]uuid.UUID, 0, requests)
				for i := 0; i < requests; i++ {
					requestor, err := target.NewRequestor(ctx)
					if err != nil {
						return err
					}
					id, err := requestor.CreateRequest(ctx, []int64{book})
					if err != nil {
						return err
					}
					ids = append(ids, id)
				}

				var (
					wg       sync.WaitGroup
					approved atomic.Int64
					mu       sync.Mutex
					errs     []error
				)
				for _, id := range ids {
					wg.Add(1)
					go func(id uuid.UUID) {
						defer wg.Done()
						err := target.ApproveRequest(ctx, id)
						switch {
						case err == nil:
							approved.Add(1)
						case errors.Is(err, borrowing.ErrConflict):
						default:
							mu.Lock()
							errs = append(errs, err)
							mu.Unlock()
						}
					}(id)
				}
				wg.Wait()

				won := int(approved.Load())
				if won > copies {
					overflow.Store(int64(won - copies))
				}
				if won != copies {
					errs = append(errs, fmt.Errorf("%d of %d approvals succeeded for %d copies", won, requests, copies))
				}
				return errors.Join(errs...)
			},
		}},
		Validation: []Assertion{
			{
				Metric:    "overcommitted_books",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "No book may have more active loans than copies",
			},
			{
				Metric:    "approval_overflow",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Approvals beyond the copy count must be refused",
			},
		},
		Duration:       10 * time.Second,
		SampleInterval: time.Second,
	}
}

// DuplicateRequestRace submits the same book for one member from many
// goroutines at once. Only one waiting request may result.
func DuplicateRequestRace(target Target, attempts int) Experiment {
	var duplicates atomic.Int64

	return Experiment{
		Name:       "duplicate-request-race",
		Hypothesis: "A member never holds two waiting requests for the same book",
		SteadyState: []Metric{
			overcommitted(target),
			{
				Name: "duplicate_waiting_requests",
				Query: func(context.Context) (float64, error) {
					return float64(duplicates.Load()), nil
				},
				Threshold: Threshold{Operator: "==", Value: 0},
			},
		},
		Method: []Action{{
			Type:   "load",
			Target: "borrowing-requests",
			Execute: func(ctx context.Context) error {
				book, err := target.AddBook(ctx, attempts)
				if err != nil {
					return err
				}
				requestor, err := target.NewRequestor(ctx)
				if err != nil {
					return err
				}

				var (
					wg      sync.WaitGroup
					created atomic.Int64
				)
				for i := 0; i < attempts; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						if _, err := requestor.CreateRequest(ctx, []int64{book}); err == nil {
							created.Add(1)
						}
					}()
				}
				wg.Wait()

				n := created.Load()
				if n > 1 {
					duplicates.Store(n - 1)
				}
				if n == 0 {
					return errors.New("no request was created")
				}
				return nil
			},
		}},
		Validation: []Assertion{{
			Metric:    "duplicate_waiting_requests",
			Condition: func(v float64) bool { return v == 0 },
			Message:   "Concurrent duplicate requests must collapse to one",
		}},
		Duration:       5 * time.Second,
		SampleInterval: time.Second,
	}
}
