package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LOAN_PERIOD_DAYS", "")
	t.Setenv("FINE_PER_DAY", "")
	t.Setenv("HOLD_GRACE_HOURS", "")

	cfg := Load()

	assert.Equal(t, 14*24*time.Hour, cfg.Policy.LoanPeriod)
	assert.Equal(t, "0.50", cfg.Policy.FinePerDay.StringFixed(2))
	assert.Equal(t, 48*time.Hour, cfg.Policy.HoldGrace)
	assert.Equal(t, 60*time.Second, cfg.Policy.HoldSweepInterval)
}

func TestLoadPolicyOverrides(t *testing.T) {
	t.Setenv("LOAN_PERIOD_DAYS", "21")
	t.Setenv("FINE_PER_DAY", "1.25")
	t.Setenv("HOLD_GRACE_HOURS", "24")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg := Load()

	assert.Equal(t, 21*24*time.Hour, cfg.Policy.LoanPeriod)
	assert.Equal(t, "1.25", cfg.Policy.FinePerDay.StringFixed(2))
	assert.Equal(t, 24*time.Hour, cfg.Policy.HoldGrace)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoadRejectsNegativeFine(t *testing.T) {
	t.Setenv("FINE_PER_DAY", "-3")
	t.Setenv("LOAN_PERIOD_DAYS", "0")

	cfg := Load()

	assert.Equal(t, "0.50", cfg.Policy.FinePerDay.StringFixed(2))
	assert.Equal(t, 14*24*time.Hour, cfg.Policy.LoanPeriod)
}
