package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/wizardbeardstudio/streamwallet/internal/platform/auth"
)

func main() {
	user := flag.String("user", "", "user id carried in the token")
	role := flag.String("role", "VIEWER", "VIEWER, CREATOR, ADMIN or SERVICE")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	keysetFile := flag.String("keyset", os.Getenv("WALLET_JWT_KEYSET_FILE"), "jwt keyset file, JSON or kid:secret lines; merged with WALLET_JWT_KEYS")
	flag.Parse()

	if *user == "" {
		fmt.Fprintln(os.Stderr, "usage: go run ./cmd/tokenissue --user <id> [--role VIEWER] [--ttl 1h] [--keyset keys.json]")
		os.Exit(2)
	}
	src := auth.KeysetSource{
		File:      *keysetFile,
		Keys:      os.Getenv("WALLET_JWT_KEYS"),
		Secret:    os.Getenv("WALLET_JWT_SECRET"),
		ActiveKID: os.Getenv("WALLET_JWT_ACTIVE_KID"),
	}
	token, exp, err := issue(*user, *role, src, *ttl, time.Now().UTC())
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
	fmt.Println(token)
}

func issue(userID, rawRole string, src auth.KeysetSource, ttl time.Duration, now time.Time) (string, time.Time, error) {
	role, err := auth.ParseRole(rawRole)
	if err != nil {
		return "", time.Time{}, err
	}
	keys, err := src.Load()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w (set WALLET_JWT_SECRET, WALLET_JWT_KEYS or --keyset)", err)
	}
	return auth.NewJWTSignerWithKeyset(keys).SignActor(auth.Actor{ID: userID, Role: role}, now, ttl)
}
