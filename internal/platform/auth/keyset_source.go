package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// KeysetSource says where the HS256 keys come from. Fields mirror WALLET_JWT_KEYSET_FILE,
// WALLET_JWT_KEYS, WALLET_JWT_SECRET and WALLET_JWT_ACTIVE_KID.
//
// File and Keys are merged. Secret is only used when neither is set, and is registered
// under ActiveKID. ActiveKID wins over the file's active_kid so a key can be rotated in by
// adding it to the file first and flipping the env var later.
type KeysetSource struct {
	File      string
	Keys      string
	Secret    string
	ActiveKID string
}

type hmacKeysetFile struct {
	ActiveKID string            `json:"active_kid"`
	Keys      map[string]string `json:"keys"`
}

// ParseHMACKeyset builds a keyset from a "kid:secret,kid:secret" list, or from a single
// secret when the list is empty. A lone secret without activeKID is kid "default".
func ParseHMACKeyset(secret, keysCSV, activeKID string) (HMACKeyset, error) {
	return KeysetSource{Keys: keysCSV, Secret: secret, ActiveKID: activeKID}.Load()
}

func (s KeysetSource) Load() (HMACKeyset, error) {
	keys := make(map[string][]byte)
	var fileActive string
	if s.File != "" {
		var err error
		if fileActive, err = readKeysetFile(s.File, keys); err != nil {
			return HMACKeyset{}, err
		}
	}
	if err := addKeyPairs(keys, strings.Split(s.Keys, ",")); err != nil {
		return HMACKeyset{}, err
	}

	active := strings.TrimSpace(s.ActiveKID)
	if active == "" {
		active = fileActive
	}
	if active == "" {
		active = "default"
	}
	if len(keys) == 0 {
		if sec := strings.TrimSpace(s.Secret); sec != "" {
			keys[active] = []byte(sec)
		}
	}

	if len(keys) == 0 {
		return HMACKeyset{}, errors.New("jwt keyset is empty")
	}
	if _, ok := keys[active]; !ok {
		return HMACKeyset{}, fmt.Errorf("active kid %q not found in keyset", active)
	}
	return HMACKeyset{ActiveKID: active, Keys: keys}, nil
}

// readKeysetFile accepts the JSON form or one kid:secret per line, with # comments.
func readKeysetFile(path string, keys map[string][]byte) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read jwt keyset file: %w", err)
	}
	body := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(body, "{") {
		var lines []string
		for _, line := range strings.Split(body, "\n") {
			if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "#") {
				lines = append(lines, line)
			}
		}
		return "", addKeyPairs(keys, lines)
	}

	var f hmacKeysetFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", fmt.Errorf("decode jwt keyset file: %w", err)
	}
	for kid, secret := range f.Keys {
		if err := addKey(keys, kid, secret); err != nil {
			return "", err
		}
	}
	return strings.TrimSpace(f.ActiveKID), nil
}

func addKeyPairs(keys map[string][]byte, pairs []string) error {
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kid, secret, ok := strings.Cut(pair, ":")
		if !ok {
			return fmt.Errorf("malformed jwt key entry %q", pair)
		}
		if err := addKey(keys, kid, secret); err != nil {
			return err
		}
	}
	return nil
}

func addKey(keys map[string][]byte, kid, secret string) error {
	kid, secret = strings.TrimSpace(kid), strings.TrimSpace(secret)
	if kid == "" || secret == "" {
		return fmt.Errorf("jwt key %q has an empty kid or secret", kid)
	}
	if prev, ok := keys[kid]; ok && string(prev) != secret {
		return fmt.Errorf("jwt kid %q is defined twice with different secrets", kid)
	}
	keys[kid] = []byte(secret)
	return nil
}
