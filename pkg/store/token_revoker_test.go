package store

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestSignedOutAccessTokenStaysRevokedUntilExpiry(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		r := NewMemoryTokenRevoker()
		if err := r.Revoke("jti-asha-1", 20*time.Millisecond); err != nil {
			t.Fatalf("revoke: %v", err)
		}
		if revoked, _ := r.IsRevoked("jti-asha-1"); !revoked {
			t.Fatalf("token usable right after sign out")
		}
		time.Sleep(30 * time.Millisecond)
		if revoked, _ := r.IsRevoked("jti-asha-1"); revoked {
			t.Fatalf("revocation outlived the token")
		}
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		r := NewRedisTokenRevoker(mr.Addr(), "")
		if err := r.Revoke("jti-asha-1", 15*time.Minute); err != nil {
			t.Fatalf("revoke: %v", err)
		}
		if !mr.Exists("quickfix:revoked:jti:jti-asha-1") {
			t.Fatalf("revocation not stored under the quickfix prefix: %v", mr.Keys())
		}
		if revoked, err := r.IsRevoked("jti-asha-1"); err != nil || !revoked {
			t.Fatalf("is revoked: %v %v", revoked, err)
		}
		mr.FastForward(16 * time.Minute)
		if revoked, _ := r.IsRevoked("jti-asha-1"); revoked {
			t.Fatalf("revocation outlived the token")
		}
	})
}

func TestRevokeIgnoresExpiredTokens(t *testing.T) {
	r := NewMemoryTokenRevoker()
	if err := r.Revoke("jti-old", 0); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked, _ := r.IsRevoked("jti-old"); revoked {
		t.Fatalf("already expired token recorded")
	}
}

func TestUserCutoffOnlyMovesForward(t *testing.T) {
	passwordChanged := time.Date(2025, 3, 12, 9, 30, 0, 0, time.UTC)
	disabled := passwordChanged.Add(2 * time.Hour)

	revokers := map[string]func(t *testing.T) UserTokenRevoker{
		"memory": func(*testing.T) UserTokenRevoker { return NewMemoryTokenRevoker() },
		"redis": func(t *testing.T) UserTokenRevoker {
			return NewRedisTokenRevoker(miniredis.RunT(t).Addr(), "")
		},
	}
	for name, build := range revokers {
		t.Run(name, func(t *testing.T) {
			r := build(t)
			if got, err := r.RevokedAfter("u-ravi"); err != nil || !got.IsZero() {
				t.Fatalf("fresh user cutoff: %v %v", got, err)
			}
			steps := []struct {
				at   time.Time
				want time.Time
			}{
				{at: passwordChanged, want: passwordChanged},
				{at: passwordChanged.Add(-time.Hour), want: passwordChanged},
				{at: disabled, want: disabled},
			}
			for _, step := range steps {
				if err := r.RevokeUser("u-ravi", step.at); err != nil {
					t.Fatalf("revoke user at %v: %v", step.at, err)
				}
				got, err := r.RevokedAfter("u-ravi")
				if err != nil {
					t.Fatalf("revoked after: %v", err)
				}
				if !got.Equal(step.want) {
					t.Fatalf("cutoff = %v, want %v", got, step.want)
				}
			}
			if got, _ := r.RevokedAfter("u-asha"); !got.IsZero() {
				t.Fatalf("cutoff leaked to another user: %v", got)
			}
		})
	}
}
