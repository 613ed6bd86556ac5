package dispatch

import (
	"testing"
	"time"

	"github.com/ignite/dispatch-engine/internal/subscribers"
)

func TestSecureHash(t *testing.T) {
	created := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	sub := &subscribers.Subscriber{ID: 42, Email: "test@example.com", DateCreated: created}

	hash := SecureHash("secret", "7", sub)

	if len(hash) != 40 {
		t.Errorf("SecureHash() length = %d, want 40 hex chars", len(hash))
	}
	if hash != SecureHash("secret", "7", sub) {
		t.Error("SecureHash() is not deterministic")
	}
}

func TestSecureHashSensitivity(t *testing.T) {
	created := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	base := &subscribers.Subscriber{ID: 42, DateCreated: created}
	baseHash := SecureHash("secret", "7", base)

	tests := []struct {
		name      string
		secret    string
		objectKey string
		sub       *subscribers.Subscriber
	}{
		{"different secret", "other-secret", "7", base},
		{"different object key", "secret", "8", base},
		{"different subscriber id", "secret", "7",
			&subscribers.Subscriber{ID: 43, DateCreated: created}},
		{"different creation time", "secret", "7",
			&subscribers.Subscriber{ID: 42, DateCreated: created.Add(time.Second)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SecureHash(tt.secret, tt.objectKey, tt.sub); got == baseHash {
				t.Errorf("SecureHash() = %q, want a different hash than the base tuple", got)
			}
		})
	}
}

func TestSecureHashIgnoresSubSecondCreation(t *testing.T) {
	created := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	a := &subscribers.Subscriber{ID: 1, DateCreated: created}
	b := &subscribers.Subscriber{ID: 1, DateCreated: created.Add(500 * time.Millisecond)}

	if SecureHash("secret", "1", a) != SecureHash("secret", "1", b) {
		t.Error("SecureHash() should truncate the creation timestamp to the second")
	}
}
