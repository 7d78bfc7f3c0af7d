package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_ModeDerivation(t *testing.T) {
	tests := []struct {
		name                       string
		db, broker, subscription   bool
		want                       Mode
	}{
		{name: "all healthy", db: true, broker: true, subscription: true, want: ModeOK},
		{name: "all down", want: ModeFailed},
		{name: "db down", broker: true, subscription: true, want: ModeDegraded},
		{name: "only db up", db: true, want: ModeDegraded},
		{name: "subscription down", db: true, broker: true, want: ModeDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor()
			m.SetDBActive(tt.db)
			m.SetBrokerActive(tt.broker)
			m.SetSubscriptionActive(tt.subscription)

			assert.Equal(t, tt.want, m.Mode())
		})
	}
}

func TestMonitor_RecoveryRestoresOK(t *testing.T) {
	m := NewMonitor()
	m.SetDBActive(true)
	m.SetBrokerActive(true)
	m.SetSubscriptionActive(true)
	require.Equal(t, ModeOK, m.Mode())

	m.SetDBActive(false)
	assert.Equal(t, ModeDegraded, m.Mode())

	m.SetDBActive(true)
	assert.Equal(t, ModeOK, m.Mode())
}

func TestMonitor_ErrorRingIsBounded(t *testing.T) {
	m := NewMonitor()
	for i := 0; i < 8; i++ {
		m.RecordError("database", string(rune('a'+i)))
	}
	m.RecordError("broker", "one")

	snap := m.Snapshot()

	require.Len(t, snap.Errors["database"], ringSize)
	// Oldest entries are evicted first.
	assert.Equal(t, "d", snap.Errors["database"][0].Message)
	assert.Equal(t, "h", snap.Errors["database"][4].Message)
	assert.Len(t, snap.Errors["broker"], 1)
}

func TestMonitor_SnapshotIsACopy(t *testing.T) {
	m := NewMonitor()
	m.RecordError("database", "first")

	snap := m.Snapshot()
	snap.Errors["database"][0].Message = "mutated"

	assert.Equal(t, "first", m.Snapshot().Errors["database"][0].Message)
}
