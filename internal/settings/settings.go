// Package settings provides typed access to the key/value configuration stored in the
// setting table, with the process environment as a fallback.
package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/shopspring/decimal"

	"github.com/minipass/reconciler/internal/models"
	"github.com/minipass/reconciler/pkg/logger"
)

var (
	ErrMissingSetting = errors.New("missing setting")
	ErrInvalidSetting = errors.New("invalid setting")
)

var defaults = map[string]string{
	KeyBankEmailFrom:      "notify@payments.interac.ca",
	KeyBankEmailSubject:   "Virement Interac :",
	KeyProcessedFolder:    "PaymentProcessed",
	KeyNameThreshold:      "85",
	KeyPaymentBotEnabled:  "false",
	KeyPaymentBotInterval: "30",
	KeyCallBackDays:       "7",
	KeyReminderInterval:   "7",
	KeyMailPort:           "587",
	KeyMailUseTLS:         "true",
	KeyMailUseSSL:         "false",
	KeyMailSenderName:     "Minipass",
	KeyHyphenAsSpace:      "true",
}

// IsSensitive reports whether values for key are encrypted at rest.
func IsSensitive(key string) bool {
	switch key {
	case KeyMailPassword, KeyIMAPPassword, KeyTelegramBotToken:
		return true
	}
	return strings.HasSuffix(key, "_API_KEY")
}

type Provider struct {
	logger *logger.Logger
	repo   models.SettingsRepository
	key    *fernet.Key

	lookupEnv func(string) (string, bool)
	now       func() time.Time
}

// NewProvider builds a provider. encryptionKey is a base64 Fernet key and may be empty,
// in which case sensitive settings can be neither read from nor written to the store.
func NewProvider(repo models.SettingsRepository, encryptionKey string, logger *logger.Logger) (*Provider, error) {
	p := &Provider{
		logger:    logger,
		repo:      repo,
		lookupEnv: os.LookupEnv,
		now:       time.Now,
	}
	if encryptionKey != "" {
		k, err := fernet.DecodeKey(encryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		p.key = k
	}
	return p, nil
}

// Get resolves key from the store, then the environment, then the built-in defaults.
// The boolean is false when none of them has a value.
func (p *Provider) Get(ctx context.Context, key string) (string, bool, error) {
	s, err := p.repo.GetSetting(ctx, key)
	if err != nil {
		return "", false, err
	}
	if s != nil && s.Value != "" {
		if !s.Encrypted {
			return s.Value, true, nil
		}
		v, err := p.decrypt(s.Value)
		if err != nil {
			return "", false, fmt.Errorf("%w: %s: %s", ErrInvalidSetting, key, err)
		}
		return v, true, nil
	}
	if v, ok := p.lookupEnv(key); ok && v != "" {
		return v, true, nil
	}
	if v, ok := defaults[key]; ok {
		return v, true, nil
	}
	return "", false, nil
}

// Set stores value, encrypting it first when the key is sensitive.
func (p *Provider) Set(ctx context.Context, key, value string) error {
	setting := &models.Setting{Key: key, Value: value, UpdatedAt: p.now()}
	if IsSensitive(key) && value != "" {
		tok, err := p.encrypt(value)
		if err != nil {
			return fmt.Errorf("failed to encrypt %s: %w", key, err)
		}
		setting.Value = tok
		setting.Encrypted = true
	}
	return p.repo.SaveSetting(ctx, setting)
}

func (p *Provider) encrypt(value string) (string, error) {
	if p.key == nil {
		return "", fmt.Errorf("%w: MINIPASS_ENCRYPTION_KEY", ErrMissingSetting)
	}
	tok, err := fernet.EncryptAndSign([]byte(value), p.key)
	if err != nil {
		return "", err
	}
	return string(tok), nil
}

func (p *Provider) decrypt(token string) (string, error) {
	if p.key == nil {
		return "", fmt.Errorf("no encryption key configured")
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), -1, []*fernet.Key{p.key})
	if msg == nil {
		return "", fmt.Errorf("token does not decrypt with the configured key")
	}
	return string(msg), nil
}

// String returns the value or "" when unset.
func (p *Provider) String(ctx context.Context, key string) (string, error) {
	v, _, err := p.Get(ctx, key)
	return strings.TrimSpace(v), err
}

// Required returns the value or ErrMissingSetting.
func (p *Provider) Required(ctx context.Context, key string) (string, error) {
	v, err := p.String(ctx, key)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingSetting, key)
	}
	return v, nil
}

func (p *Provider) Bool(ctx context.Context, key string) (bool, error) {
	v, err := p.String(ctx, key)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(v) {
	case "", "false", "0", "no", "off":
		return false, nil
	case "true", "1", "yes", "on":
		return true, nil
	}
	return false, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidSetting, key, v)
}

func (p *Provider) Int(ctx context.Context, key string) (int, error) {
	v, err := p.Required(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidSetting, key, v)
	}
	return n, nil
}

// IntRange is Int with an inclusive bounds check.
func (p *Provider) IntRange(ctx context.Context, key string, min, max int) (int, error) {
	n, err := p.Int(ctx, key)
	if err != nil {
		return 0, err
	}
	if n < min || n > max {
		return 0, fmt.Errorf("%w: %s=%d must be between %d and %d", ErrInvalidSetting, key, n, min, max)
	}
	return n, nil
}

func (p *Provider) Decimal(ctx context.Context, key string) (decimal.Decimal, error) {
	v, err := p.Required(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(v, ",", "."))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s=%q is not a number", ErrInvalidSetting, key, v)
	}
	return d, nil
}

// Minutes reads a positive integer number of minutes.
func (p *Provider) Minutes(ctx context.Context, key string) (time.Duration, error) {
	n, err := p.IntRange(ctx, key, 1, 24*60)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Minute, nil
}

// GenerateKey returns a fresh base64 Fernet key suitable for MINIPASS_ENCRYPTION_KEY.
func GenerateKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", err
	}
	return k.Encode(), nil
}
