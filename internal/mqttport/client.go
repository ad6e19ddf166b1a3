package mqttport

import (
	"crypto/tls"
	"os"
	"strings"
	"time"

	jwt "github.com/dgrijalva/jwt-go"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"github.com/tiiuae/fleetcoordinator/internal/log"
)

type ClientConfig struct {
	Broker   string
	ClientID string
	Username string

	// PrivateKeyFile enables a signed JWT as the MQTT password.
	PrivateKeyFile string
	Algorithm      string
	Audience       string
	TTL            time.Duration

	ConnectTimeout  time.Duration
	ConnectAttempts int
}

// NewClient connects to the broker and retries on connection timeouts.
func NewClient(cfg ClientConfig, logger log.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetAutoReconnect(true).
		SetProtocolVersion(4) // MQTT 3.1.1

	if strings.HasPrefix(cfg.Broker, "ssl://") || strings.HasPrefix(cfg.Broker, "tls://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	if cfg.PrivateKeyFile != "" {
		pass, err := signPassword(cfg, time.Now())
		if err != nil {
			return nil, err
		}
		opts.SetPassword(pass)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 3
	}

	client := mqtt.NewClient(opts)
	for i := 1; i <= attempts; i++ {
		logger.Infof("Connecting MQTT %s (attempt %d/%d)", cfg.Broker, i, attempts)
		tok := client.Connect()
		if !tok.WaitTimeout(timeout) {
			logger.Warnf("MQTT connection timeout")
			continue
		}
		if err := tok.Error(); err != nil {
			return nil, errors.Wrapf(err, "connect %s", cfg.Broker)
		}
		logger.Infof("MQTT connected")
		return client, nil
	}
	return nil, errors.Errorf("connect %s: no answer after %d attempts", cfg.Broker, attempts)
}

func signPassword(cfg ClientConfig, now time.Time) (string, error) {
	keyData, err := os.ReadFile(cfg.PrivateKeyFile)
	if err != nil {
		return "", errors.WithMessage(err, "read mqtt private key")
	}

	var key interface{}
	switch cfg.Algorithm {
	case "RS256":
		key, err = jwt.ParseRSAPrivateKeyFromPEM(keyData)
	case "ES256":
		key, err = jwt.ParseECPrivateKeyFromPEM(keyData)
	default:
		return "", errors.Errorf("unknown jwt algorithm: %s", cfg.Algorithm)
	}
	if err != nil {
		return "", errors.Wrapf(err, "parse %s key", cfg.Algorithm)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	token := jwt.NewWithClaims(jwt.GetSigningMethod(cfg.Algorithm), &jwt.StandardClaims{
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
		Audience:  cfg.Audience,
	})
	pass, err := token.SignedString(key)
	if err != nil {
		return "", errors.Wrap(err, "sign jwt")
	}
	return pass, nil
}
