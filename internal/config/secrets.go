package config

import (
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// Credentials contains API credentials for a broker account.
type Credentials struct {
	APIKey    string `json:"api_key"`
	AccountID string `json:"account_id"`
}

// Secrets contains per broker credentials.
// Struct values are loaded from a JSON secrets file kept outside the main config.
type Secrets struct {
	Oanda Credentials `json:"oanda"`
}

// LoadSecrets reads broker credentials for the given broker from the JSON
// secrets file at the given path. Environment variables OANDA_API_KEY and
// OANDA_ACCOUNT_ID override the file values, so the file may be absent when
// both are set.
func LoadSecrets(path string, broker string) (Credentials, error) {
	var secrets Secrets
	secretsFile, err := os.Open(path)
	if err == nil {
		defer secretsFile.Close()
		if err = jsoniter.NewDecoder(secretsFile).Decode(&secrets); err != nil {
			return Credentials{}, errors.Wrapf(err, "not able to parse JSON from secrets file: %v", path)
		}
	} else if !os.IsNotExist(err) {
		return Credentials{}, errors.Wrapf(err, "not able to open secrets file: %v", path)
	}

	var creds Credentials
	switch broker {
	case "oanda":
		creds = secrets.Oanda
		if v := os.Getenv("OANDA_API_KEY"); v != "" {
			creds.APIKey = v
		}
		if v := os.Getenv("OANDA_ACCOUNT_ID"); v != "" {
			creds.AccountID = v
		}
	default:
		return Credentials{}, errors.Errorf("unsupported broker: %v", broker)
	}

	if creds.APIKey == "" || creds.AccountID == "" {
		return Credentials{}, errors.Errorf("missing api_key or account_id for broker: %v", broker)
	}
	return creds, nil
}
