// internal/borrowing/availability.go
package borrowing

// Available is the number of copies that can still be lent out: the total
// minus the details of approved requests that have not been returned.
// Waiting requests do not reserve copies. The result is never negative.
func Available(total, active int) int {
	if n := total - active; n > 0 {
		return n
	}
	return 0
}
