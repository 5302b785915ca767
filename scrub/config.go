// Package scrub implements the two-phase index integrity checker of spec
// §4.10: phase 1 walks an index's entries looking for ones whose record no
// longer exists (a dangling entry), phase 2 walks a record type's rows
// looking for expected index entries that are missing. Both phases share
// the OnlineIndexer's resumable, size-and-time-bounded batch transaction
// shape (see migrations.Migrator and build.OnlineIndexer), but additionally
// tolerate and report per-batch failures instead of aborting the whole run:
// a Scrubber always returns a Result, never an error.
package scrub

import (
	"time"

	"github.com/c2h5oh/datasize"
)

// Config holds the tunables spec §4.10 names. The zero value is not valid;
// use DefaultConfig, ConservativeConfig, or AggressiveConfig as a starting
// point.
type Config struct {
	// EntriesScanLimit caps how many entries one batch transaction may
	// process before it voluntarily ends, independent of byte size.
	EntriesScanLimit int
	// MaxTransactionBytes caps the summed key(+value) size of one batch.
	// Spec §4.10.2 ceilings this at 9 MiB, matching the KVS's own
	// transaction size limit.
	MaxTransactionBytes datasize.ByteSize
	// TransactionTimeoutMillis bounds how long one batch transaction may
	// run. Spec §4.10.2 ceilings this at 4000ms.
	TransactionTimeoutMillis int64
	// ReadYourWrites, when false, disables read-your-writes on each batch
	// transaction so concurrent repairs from earlier batches in the same
	// run are not re-observed as extra writes to read back.
	ReadYourWrites bool
	// AllowRepair enables write-side correction: phase 1 clears dangling
	// index entries, phase 2 writes missing ones. When false the Scrubber
	// only reports issues.
	AllowRepair bool
	// SupportedTypes lists the index types this Scrubber is allowed to
	// run against; New rejects any other type.
	SupportedTypes []string
	// MaxRetries bounds how many times a batch retries after a retryable
	// KVS error before the phase gives up with ScrubberRetryExhausted.
	MaxRetries int
	// RetryDelayMillis is the base of the exponential backoff between
	// retries: attempt n waits RetryDelayMillis * 2^(n-1).
	RetryDelayMillis int64
	// LogProgress enables the progress_ratio gauge update, made after
	// every committed batch. No progress log lines are written.
	LogProgress bool
	// LogProgressEveryBatches is not read by the Scrubber: with
	// LogProgress set, the gauge is updated after every committed batch
	// whatever this value is.
	LogProgressEveryBatches int
}

const (
	maxTransactionBytesCeiling    = 9 * datasize.MB
	maxTransactionTimeoutMsCeiling = 4000
)

func (c Config) timeout() time.Duration {
	return time.Duration(c.TransactionTimeoutMillis) * time.Millisecond
}

func (c Config) retryDelay(attempt int) time.Duration {
	d := c.RetryDelayMillis
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return time.Duration(d) * time.Millisecond
}

// DefaultConfig returns the spec §4.10 "default" preset: report-only,
// moderate batch sizes, read-your-writes enabled.
func DefaultConfig(supportedTypes ...string) Config {
	return Config{
		EntriesScanLimit:         10000,
		MaxTransactionBytes:      maxTransactionBytesCeiling,
		TransactionTimeoutMillis: maxTransactionTimeoutMsCeiling,
		ReadYourWrites:           true,
		AllowRepair:              false,
		SupportedTypes:           supportedTypes,
		MaxRetries:               3,
		RetryDelayMillis:         100,
		LogProgress:              true,
		LogProgressEveryBatches:  50,
	}
}

// ConservativeConfig shrinks batch sizes and timeouts and retries harder
// before giving up, for a production index under live write load.
func ConservativeConfig(supportedTypes ...string) Config {
	c := DefaultConfig(supportedTypes...)
	c.EntriesScanLimit = 1000
	c.MaxTransactionBytes = 2 * 1024 * 1024
	c.TransactionTimeoutMillis = 2000
	c.MaxRetries = 5
	c.RetryDelayMillis = 250
	return c
}

// AggressiveConfig maximizes batch sizes and enables automatic repair; the
// only preset that writes. Intended for offline or low-traffic windows.
func AggressiveConfig(supportedTypes ...string) Config {
	c := DefaultConfig(supportedTypes...)
	c.EntriesScanLimit = 50000
	c.AllowRepair = true
	c.MaxRetries = 2
	c.RetryDelayMillis = 50
	return c
}
