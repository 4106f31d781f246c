package ledger

import "time"

// Metrics defines the interface for tracking ledger operations.
type Metrics interface {
	// RecordDebit records a debit attempt.
	// partial is true when the debit could not be fully covered.
	RecordDebit(tier string, amount int64, partial bool)

	// RecordCredit records a credit.
	RecordCredit(source string, amount int64)

	// RecordShortfall records the uncovered remainder of a partial debit.
	RecordShortfall(tier string, shortfall int64)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDebit(tier string, amount int64, partial bool)                 {}
func (n *NoopMetrics) RecordCredit(source string, amount int64)                            {}
func (n *NoopMetrics) RecordShortfall(tier string, shortfall int64)                        {}
func (n *NoopMetrics) RecordStorageOperation(op string, duration time.Duration, err error) {}
