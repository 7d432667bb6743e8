package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"storefront/internal/models"
	"storefront/internal/util"

	"go.uber.org/zap"
)

const otpDigits = 6

// OTPStore keeps one outstanding code per email
type OTPStore interface {
	StoreOTP(ctx context.Context, email, code string, ttl time.Duration) error
	// ConsumeOTP deletes the code when it matches. A mismatch counts as an
	// attempt and the code is dropped once maxAttempts is reached.
	ConsumeOTP(ctx context.Context, email, code string, maxAttempts int) (bool, error)
}

// Mailer delivers one-time codes
type Mailer interface {
	SendOTP(ctx context.Context, email, code string) error
}

// LogMailer writes codes to the log. Only suitable for development.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer creates a mailer backed by the service logger
func NewLogMailer() *LogMailer {
	return &LogMailer{logger: util.GetLogger()}
}

// SendOTP logs the code
func (m *LogMailer) SendOTP(ctx context.Context, email, code string) error {
	m.logger.Info("OTP issued", zap.String("email", email), zap.String("code", code))
	return nil
}

// OTPService issues and verifies email one-time passwords
type OTPService struct {
	store       OTPStore
	mailer      Mailer
	ttl         time.Duration
	maxAttempts int
	logger      *zap.Logger
}

// NewOTPService creates a new OTP service
func NewOTPService(store OTPStore, mailer Mailer, ttl time.Duration, maxAttempts int) *OTPService {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &OTPService{
		store:       store,
		mailer:      mailer,
		ttl:         ttl,
		maxAttempts: maxAttempts,
		logger:      util.GetLogger(),
	}
}

// Issue generates a fresh code for email, replacing any previous one
func (s *OTPService) Issue(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}

	code, err := generateOTP()
	if err != nil {
		return err
	}
	if err := s.store.StoreOTP(ctx, email, code, s.ttl); err != nil {
		return fmt.Errorf("failed to store otp: %w", err)
	}
	if err := s.mailer.SendOTP(ctx, email, code); err != nil {
		return fmt.Errorf("failed to send otp: %w", err)
	}

	util.OTPIssuedTotal.Inc()
	return nil
}

// Verify checks and consumes the code. A code can be used once.
func (s *OTPService) Verify(ctx context.Context, email, code string) (bool, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return false, err
	}
	code = strings.TrimSpace(code)
	if len(code) != otpDigits {
		util.OTPVerificationsTotal.WithLabelValues("rejected").Inc()
		return false, nil
	}

	ok, err := s.store.ConsumeOTP(ctx, email, code, s.maxAttempts)
	if err != nil {
		util.OTPVerificationsTotal.WithLabelValues("error").Inc()
		return false, err
	}
	if !ok {
		util.OTPVerificationsTotal.WithLabelValues("rejected").Inc()
		s.logger.Info("OTP rejected", zap.String("email", email))
		return false, nil
	}

	util.OTPVerificationsTotal.WithLabelValues("accepted").Inc()
	return true, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: invalid email", models.ErrInvalidArgument)
	}
	return email, nil
}

func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("failed to generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", otpDigits, n.Int64()), nil
}
