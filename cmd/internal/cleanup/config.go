package cleanup

const (
	// DefaultBatchSize bounds one deletion round when nothing is configured.
	DefaultBatchSize = 100

	// DefaultSchedule runs the janitor every five minutes.
	DefaultSchedule = "@every 5m"
)

// Config defines runtime configuration for the janitor.
type Config struct {
	// BatchSize is the maximum number of records fetched and deleted per
	// round. Values below 1 are rejected at construction.
	BatchSize int

	// RemoveConsumedGrants enables the consumed-grant sweep phase in
	// addition to the expired-grant phase. Consumed grants are swept in
	// their own pass, ordered by consumption time.
	RemoveConsumedGrants bool

	// Schedule is the cron expression Host runs on. Standard five-field
	// expressions and @every descriptors are accepted.
	Schedule string
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		BatchSize:            DefaultBatchSize,
		RemoveConsumedGrants: true,
		Schedule:             DefaultSchedule,
	}
}

// Validate returns ErrConfig for unusable values.
func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return ErrConfig
	}
	return nil
}
