// Command gentoken mints credentials for a crucible instance: JWT bearer
// tokens by default, or a raw API key together with its storage hash.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/anvillabs/crucible/internal/auth"
	"github.com/anvillabs/crucible/internal/models"
)

func main() {
	var (
		userID = flag.String("user", "admin", "subject for the token")
		email  = flag.String("email", "admin@localhost", "email claim")
		role   = flag.String("role", "admin", "role claim (admin or builder)")
		secret = flag.String("secret", "", "JWT secret (or JWT_SECRET env var)")
		expiry = flag.Duration("expiry", 24*365*time.Hour, "token lifetime")
		apiKey = flag.Bool("apikey", false, "mint an API key instead of a JWT")
	)
	flag.Parse()

	if *apiKey {
		key, err := auth.GenerateAPIKey()
		if err != nil {
			fatalf("generating API key: %v", err)
		}
		// The raw key goes to stdout so it pipes cleanly; the hash is
		// what a key row stores.
		fmt.Println(key)
		fmt.Fprintln(os.Stderr, "hash:", auth.HashAPIKey(key))
		return
	}

	jwtSecret := *secret
	if jwtSecret == "" {
		jwtSecret = os.Getenv("JWT_SECRET")
	}
	switch {
	case jwtSecret == "":
		fatalf("a JWT secret is required: pass -secret or set JWT_SECRET")
	case len(jwtSecret) < 32:
		fatalf("the JWT secret must be at least 32 characters")
	}

	r := models.Role(*role)
	if r != models.RoleAdmin && r != models.RoleBuilder {
		fatalf("unknown role %q (want admin or builder)", *role)
	}

	svc := auth.NewService(&auth.Config{
		JWTSecret:   []byte(jwtSecret),
		TokenExpiry: *expiry,
	}, nil, nil)

	token, err := svc.GenerateToken(*userID, *email, r)
	if err != nil {
		fatalf("generating token: %v", err)
	}
	fmt.Println(token)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "gentoken: "+format+"\n", args...)
	os.Exit(1)
}
