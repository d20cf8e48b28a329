// Command devtoken prints an HS256 access token accepted by the farm
// service, for local testing with curl.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	uid := flag.String("uid", "", "user id (random when empty)")
	role := flag.String("role", "user", "role claim")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET is required")
		os.Exit(2)
	}

	token, err := sign(secret, os.Getenv("JWT_ISSUER"), *uid, *role, *ttl, time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func sign(secret, issuer, uid, role string, ttl time.Duration, now time.Time) (string, error) {
	if uid == "" {
		uid = uuid.NewString()
	} else if _, err := uuid.Parse(uid); err != nil {
		return "", fmt.Errorf("invalid -uid: %w", err)
	}

	claims := jwt.MapClaims{
		"sub":  uid,
		"uid":  uid,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
