package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/example/mandado-dispatch/internal/models"
)

func TestRoundTrip(t *testing.T) {
	a := NewTokenAuthenticator("s3cret")
	want := models.Identity{ID: "cour-1", Role: models.RoleCourier}
	got, err := a.Authenticate(context.Background(), a.MintToken(want))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestRejectsTampering(t *testing.T) {
	a := NewTokenAuthenticator("s3cret")
	token := a.MintToken(models.Identity{ID: "cust-1", Role: models.RoleCustomer})

	cases := []string{
		"",
		"cust-1",
		"cust-1.customer.deadbeef",
		// privilege escalation keeps the old signature
		"cust-1.administrator." + token[len("cust-1.customer."):],
		"cust-1.superuser.deadbeef",
	}
	for _, c := range cases {
		_, err := a.Authenticate(context.Background(), c)
		var ae *models.AuthenticationError
		if !errors.As(err, &ae) {
			t.Fatalf("token %q: expected AuthenticationError, got %v", c, err)
		}
	}
}

func TestRejectsWrongSecret(t *testing.T) {
	minter := NewTokenAuthenticator("one")
	verifier := NewTokenAuthenticator("two")
	token := minter.MintToken(models.Identity{ID: "x", Role: models.RoleAdmin})
	if _, err := verifier.Authenticate(context.Background(), token); err == nil {
		t.Fatal("expected failure across secrets")
	}
}
