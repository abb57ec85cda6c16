package broker

import (
	"errors"
	"fmt"

	"github.com/joho/godotenv"
)

// Credentials holds everything either adapter might need. Which fields are
// present decides which adapter is selected.
type Credentials struct {
	APIKey     string
	APISecret  string
	UserID     string
	Password   string
	TOTPSecret string
	TOTPToken  string
}

// ErrNoCredentials is returned when the credentials file names no known broker.
var ErrNoCredentials = errors.New("credentials match no known broker")

// LoadCredentials reads a dotenv-style credentials file.
func LoadCredentials(path string) (Credentials, error) {
	env, err := godotenv.Read(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("loading credentials from %s: %w", path, err)
	}
	return Credentials{
		APIKey:     env["API_KEY"],
		APISecret:  env["API_SECRET"],
		UserID:     env["USER_ID"],
		Password:   env["PASSWORD"],
		TOTPSecret: env["TOTP_SECRET"],
		TOTPToken:  env["TOTP_TOKEN"],
	}, nil
}

// Detect picks an adapter from the credentials shape: an api_secret means
// Zerodha (token-exchange flow), a totp_token without api_secret means
// AngelOne.
func Detect(c Credentials) (string, error) {
	switch {
	case c.APISecret != "":
		return "zerodha", nil
	case c.TOTPToken != "":
		return "angelone", nil
	default:
		return "", ErrNoCredentials
	}
}

// NewFromCredentials builds the requested adapter, or auto-detects when
// name is "auto".
func NewFromCredentials(name string, c Credentials) (Broker, error) {
	if name == "" || name == "auto" {
		detected, err := Detect(c)
		if err != nil {
			return nil, err
		}
		name = detected
	}
	switch name {
	case "zerodha":
		return NewZerodhaClient(c), nil
	case "angelone":
		return NewAngelOneClient(c), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", name)
	}
}
