package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/classchat/internal/model"
)

func fixedClock(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func TestTokenService(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := NewTokenService("test-secret-test-secret-test-secret", time.Hour).WithClock(fixedClock(&now))

	t.Run("ValidOnlyForItsIdentity", func(t *testing.T) {
		tok, err := svc.Issue("x@school.test")
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		if !svc.IsValid(tok, "x@school.test") {
			t.Fatal("token must be valid for its identity")
		}
		if svc.IsValid(tok, "y@school.test") {
			t.Fatal("token must be invalid for another identity")
		}
		id, err := svc.ExtractIdentity(tok)
		if err != nil || id != "x@school.test" {
			t.Fatalf("extract: id=%q err=%v", id, err)
		}
	})

	t.Run("ExpiresExactlyAfterTTL", func(t *testing.T) {
		issued := now
		tok, err := svc.Issue("x@school.test")
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		later := issued.Add(time.Hour - time.Second)
		atLater := svc.WithClock(fixedClock(&later))
		if !atLater.Validate(tok) {
			t.Fatal("token must survive until its TTL")
		}
		expired := issued.Add(time.Hour)
		atExpiry := svc.WithClock(fixedClock(&expired))
		if atExpiry.Validate(tok) {
			t.Fatal("token must be invalid once TTL has elapsed")
		}
		if atExpiry.IsValid(tok, "x@school.test") {
			t.Fatal("expired token must not be valid for its identity")
		}
		// expiry does not prevent identity extraction
		if id, err := atExpiry.ExtractIdentity(tok); err != nil || id != "x@school.test" {
			t.Fatalf("expired token should still yield identity; id=%q err=%v", id, err)
		}
	})

	t.Run("SubSecondIssueKeepsFullTTL", func(t *testing.T) {
		issued := time.Date(2026, 3, 1, 9, 0, 0, 700_000_000, time.UTC)
		tok, err := svc.WithClock(fixedClock(&issued)).Issue("x@school.test")
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		cases := []struct {
			name  string
			at    time.Time
			valid bool
		}{
			{"PastWholeSecondOfExpiry", issued.Add(time.Hour - 500*time.Millisecond), true},
			{"OneNanosecondBeforeTTL", issued.Add(time.Hour - time.Nanosecond), true},
			{"ExactlyAtTTL", issued.Add(time.Hour), false},
			{"BeforeRoundedExp", issued.Add(time.Hour + 200*time.Millisecond), false},
		}
		for _, tc := range cases {
			at := tc.at
			if got := svc.WithClock(fixedClock(&at)).IsValid(tok, "x@school.test"); got != tc.valid {
				t.Fatalf("%s: IsValid=%v; want %v", tc.name, got, tc.valid)
			}
		}
		exp, err := svc.ExpiresAt(tok)
		if err != nil || !exp.Equal(issued.Add(time.Hour)) {
			t.Fatalf("ExpiresAt=%v err=%v; want %v", exp, err, issued.Add(time.Hour))
		}
	})

	t.Run("TamperedSignature", func(t *testing.T) {
		tok, _ := svc.Issue("x@school.test")
		parts := strings.Split(tok, ".")
		parts[2] = strings.Repeat("A", len(parts[2]))
		bad := strings.Join(parts, ".")
		if _, err := svc.ExtractIdentity(bad); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken; got %v", err)
		}
		other := NewTokenService("another-secret-another-secret-xx", time.Hour).WithClock(fixedClock(&now))
		if other.Validate(tok) {
			t.Fatal("token signed with another secret must not validate")
		}
		if _, err := svc.ExtractIdentity("not-a-token"); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("malformed token: expected ErrInvalidToken; got %v", err)
		}
	})

	t.Run("RefreshRequiresValidToken", func(t *testing.T) {
		tok, _ := svc.Issue("x@school.test")
		if _, err := svc.Refresh(tok, "y@school.test"); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("refresh for another identity must fail; got %v", err)
		}
		next := now.Add(30 * time.Minute)
		mid := svc.WithClock(fixedClock(&next))
		fresh, err := mid.Refresh(tok, "x@school.test")
		if err != nil {
			t.Fatalf("refresh: %v", err)
		}
		exp, _ := mid.ExpiresAt(fresh)
		if !exp.Equal(next.Add(time.Hour)) {
			t.Fatalf("refreshed token must expire one TTL after refresh; got %v", exp)
		}
		after := now.Add(2 * time.Hour)
		if _, err := svc.WithClock(fixedClock(&after)).Refresh(tok, "x@school.test"); err == nil {
			t.Fatal("expired token must not refresh")
		}
	})
}

func TestPolicy(t *testing.T) {
	pol := DefaultPolicy()
	student := &Principal{Email: "s@school.test", Role: model.RoleStudent}
	admin := &Principal{Email: "a@school.test", Role: model.RoleAdmin}

	cases := []struct {
		name string
		op   Operation
		p    *Principal
		want error
	}{
		{"PublicWithoutIdentity", OpLogin, nil, nil},
		{"AuthenticatedRequiresIdentity", OpHistory, nil, ErrUnauthenticated},
		{"AnyRoleWhenAuthenticated", OpHistory, student, nil},
		{"StaffOnlyDeniesStudent", OpViewers, student, ErrForbidden},
		{"StaffOnlyAllowsAdmin", OpViewers, admin, nil},
		{"StaffOnlyAllowsTeacher", OpViewers, &Principal{Role: model.RoleTeacher}, nil},
		{"UnknownOperationDenied", Operation("chat.unknown"), admin, ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := pol.Authorize(tc.op, tc.p); !errors.Is(got, tc.want) && got != tc.want {
				t.Fatalf("Authorize(%s) = %v; want %v", tc.op, got, tc.want)
			}
		})
	}
}
