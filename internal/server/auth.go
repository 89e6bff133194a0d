package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/labstack/echo/v4"
	"gopkg.in/yaml.v3"
)

// BasicAuth verifies HTTP Basic credentials against stored SHA-256 password
// hashes (lowercase hex).
type BasicAuth struct {
	Realm string            `yaml:"realm"`
	Users map[string]string `yaml:"users"`
}

// LoadBasicAuth reads an auth config file. An empty path disables
// authentication and returns nil.
func LoadBasicAuth(path string) (*BasicAuth, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read auth config: %w", err)
	}
	var auth BasicAuth
	if err := yaml.Unmarshal(data, &auth); err != nil {
		return nil, fmt.Errorf("parse auth config: %w", err)
	}
	if len(auth.Users) == 0 {
		return nil, fmt.Errorf("auth config %s declares no users", path)
	}
	if auth.Realm == "" {
		auth.Realm = "fnsched"
	}
	normalized := make(map[string]string, len(auth.Users))
	for name, hash := range auth.Users {
		normalized[name] = strings.ToLower(strings.TrimSpace(hash))
	}
	auth.Users = normalized
	return &auth, nil
}

// Middleware enforces Basic Authentication over the whole surface.
func (a *BasicAuth) Middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		user, pass, ok := parseBasicAuth(c.Request())
		if !ok || !a.verify(user, pass) {
			c.Response().Header().Set("WWW-Authenticate",
				fmt.Sprintf(`Basic realm=%q, charset="UTF-8"`, a.Realm))
			return c.JSON(http.StatusUnauthorized, errorBody("authentication required"))
		}
		return next(c)
	}
}

// verify hashes the presented password and compares in constant time.
func (a *BasicAuth) verify(user, pass string) bool {
	stored, ok := a.Users[user]
	if !ok {
		// Compare against a dummy hash so unknown users cost the same.
		stored = strings.Repeat("0", sha256.Size*2)
		ok = false
	}
	sum := sha256.Sum256([]byte(pass))
	presented := hex.EncodeToString(sum[:])
	match := subtle.ConstantTimeCompare([]byte(presented), []byte(stored)) == 1
	return ok && match
}

func parseBasicAuth(r *http.Request) (user, pass string, ok bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	user, pass, ok = strings.Cut(string(decoded), ":")
	return user, pass, ok
}
