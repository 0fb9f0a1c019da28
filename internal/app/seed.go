package app

import (
	"context"
	"fmt"

	"github.com/lalithlochan/carbonsnap/internal/auth"
	"github.com/lalithlochan/carbonsnap/internal/carbon"
	"github.com/lalithlochan/carbonsnap/internal/db"
)

// SeedUser is a demo account created by Seed.
type SeedUser struct {
	Email    string
	Password string
	Internal bool
}

// SeedUsers are the demo accounts. Both public users share a password.
var SeedUsers = []SeedUser{
	{Email: "admin@carbonconsole.com", Password: "admin123", Internal: true},
	{Email: "manager@carbonconsole.com", Password: "manager123", Internal: true},
	{Email: "user1@example.com", Password: "user123"},
	{Email: "user2@example.com", Password: "user123"},
}

type seedOperation struct {
	Type      string
	Amount    float64
	UserEmail string
}

var seedOperations = []seedOperation{
	{Type: "electricity", Amount: 100, UserEmail: "user1@example.com"},
	{Type: "transportation", Amount: 50, UserEmail: "user2@example.com"},
	{Type: "heating", Amount: 75, UserEmail: "user1@example.com"},
	{Type: "manufacturing", Amount: 200},
	{Type: "electricity", Amount: 150, UserEmail: "user2@example.com"},
}

// SeedResult counts what Seed created.
type SeedResult struct {
	Users      int
	Operations int
}

// Seed wipes the store and loads the demo users and operations. Scores come
// from the local factor table so seeding never calls out.
func Seed(ctx context.Context, store db.Store, bcryptCost int) (SeedResult, error) {
	var res SeedResult

	if err := store.Reset(ctx); err != nil {
		return res, fmt.Errorf("reset: %w", err)
	}

	for _, u := range SeedUsers {
		hash, err := auth.HashPassword(u.Password, bcryptCost)
		if err != nil {
			return res, fmt.Errorf("hash password for %s: %w", u.Email, err)
		}
		if _, err := store.CreateUser(ctx, u.Email, hash, u.Internal); err != nil {
			return res, fmt.Errorf("create user %s: %w", u.Email, err)
		}
		res.Users++
	}

	for _, o := range seedOperations {
		var email *string
		if o.UserEmail != "" {
			e := o.UserEmail
			email = &e
		}
		if _, err := store.CreateOperation(ctx, db.NewOperation{
			Type:        o.Type,
			Amount:      o.Amount,
			CarbonScore: carbon.LocalScore(o.Type, o.Amount),
			UserEmail:   email,
		}); err != nil {
			return res, fmt.Errorf("create %s operation: %w", o.Type, err)
		}
		res.Operations++
	}

	return res, nil
}
