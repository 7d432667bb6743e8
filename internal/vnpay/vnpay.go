// Package vnpay builds signed VNPay payment URLs and verifies the signed
// parameters VNPay sends back on the return URL and IPN callback.
//
// Signing: every vnp_ parameter except vnp_SecureHash and vnp_SecureHashType,
// with a non-empty value, sorted by key, URL-encoded as k=v and joined with &,
// HMAC-SHA512 with the merchant secret, hex encoded.
package vnpay

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"storefront/internal/models"

	"github.com/shopspring/decimal"
)

const (
	Version        = "2.1.0"
	CommandPay     = "pay"
	CurrencyVND    = "VND"
	OrderTypeOther = "other"
	HashTypeSHA512 = "HmacSHA512"

	// SuccessCode is the value of vnp_ResponseCode and vnp_TransactionStatus for a settled payment.
	SuccessCode = "00"

	paramPrefix         = "vnp_"
	paramSecureHash     = "vnp_SecureHash"
	paramSecureHashType = "vnp_SecureHashType"

	timeLayout   = "20060102150405"
	txnRefLayout = "150405"
)

// VNPay timestamps are always Vietnam local time (GMT+7, no DST).
var vietnam = time.FixedZone("GMT+7", 7*60*60)

var minorUnits = decimal.NewFromInt(100)

type Config struct {
	TmnCode     string
	HashSecret  string
	PayURL      string
	ReturnURL   string
	Locale      string
	ExpireAfter time.Duration
}

// Gateway is stateless apart from its configuration and clock.
type Gateway struct {
	cfg Config
	now func() time.Time
}

type Option func(*Gateway)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

func NewGateway(cfg Config, opts ...Option) *Gateway {
	if cfg.Locale == "" {
		cfg.Locale = "vn"
	}
	if cfg.ExpireAfter <= 0 {
		cfg.ExpireAfter = 15 * time.Minute
	}
	g := &Gateway{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// PaymentRequest is one payment attempt for an order
type PaymentRequest struct {
	OrderID   int64
	Amount    decimal.Decimal
	OrderInfo string
	ClientIP  string
}

// CallbackResult is what VNPay reported, plus whether the signature matched.
type CallbackResult struct {
	OrderID           int64
	TxnRef            string
	Amount            decimal.Decimal
	ResponseCode      string
	TransactionStatus string
	TransactionNo     string
	BankCode          string
	SignatureValid    bool
}

// Success reports a signed callback for a settled payment.
func (r CallbackResult) Success() bool {
	return r.SignatureValid && r.ResponseCode == SuccessCode && r.TransactionStatus == SuccessCode
}

// TxnRef returns the per-attempt transaction reference {orderId}_{HHmmss}.
func TxnRef(orderID int64, at time.Time) string {
	return fmt.Sprintf("%d_%s", orderID, at.In(vietnam).Format(txnRefLayout))
}

// OrderIDFromTxnRef extracts the leading numeric segment of a transaction reference.
func OrderIDFromTxnRef(ref string) (int64, error) {
	head, _, _ := strings.Cut(ref, "_")
	id, err := strconv.ParseInt(head, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: malformed transaction reference %q", models.ErrInvalidArgument, ref)
	}
	return id, nil
}

// ToMinorUnits converts an amount into VNPay's integer representation (amount × 100).
func ToMinorUnits(amount decimal.Decimal) (int64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be positive", models.ErrInvalidArgument)
	}
	minor := amount.Mul(minorUnits)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: amount %s has more than two decimal places", models.ErrInvalidArgument, amount)
	}
	return minor.IntPart(), nil
}

// BuildRedirectURL returns the gateway URL the customer is sent to.
func (g *Gateway) BuildRedirectURL(req PaymentRequest) (string, error) {
	minor, err := ToMinorUnits(req.Amount)
	if err != nil {
		return "", err
	}
	if req.OrderID <= 0 {
		return "", fmt.Errorf("%w: order id must be positive", models.ErrInvalidArgument)
	}

	now := g.now().In(vietnam)
	info := req.OrderInfo
	if info == "" {
		info = fmt.Sprintf("Thanh toan don hang %d", req.OrderID)
	}
	ip := req.ClientIP
	if ip == "" {
		ip = "127.0.0.1"
	}

	params := url.Values{}
	params.Set("vnp_Version", Version)
	params.Set("vnp_Command", CommandPay)
	params.Set("vnp_TmnCode", g.cfg.TmnCode)
	params.Set("vnp_Amount", strconv.FormatInt(minor, 10))
	params.Set("vnp_CurrCode", CurrencyVND)
	params.Set("vnp_TxnRef", TxnRef(req.OrderID, now))
	params.Set("vnp_OrderInfo", info)
	params.Set("vnp_OrderType", OrderTypeOther)
	params.Set("vnp_Locale", g.cfg.Locale)
	params.Set("vnp_ReturnUrl", g.cfg.ReturnURL)
	params.Set("vnp_IpAddr", ip)
	params.Set("vnp_CreateDate", now.Format(timeLayout))
	params.Set("vnp_ExpireDate", now.Add(g.cfg.ExpireAfter).Format(timeLayout))

	data := canonical(params)
	return fmt.Sprintf("%s?%s&%s=%s&%s=%s",
		g.cfg.PayURL, data,
		paramSecureHashType, HashTypeSHA512,
		paramSecureHash, g.hash(data)), nil
}

// VerifyCallback returns the order id named by the transaction reference and
// whether the callback is both authentic and a successful payment. The order
// id alone proves nothing; only verified == true does.
func (g *Gateway) VerifyCallback(params url.Values) (int64, bool) {
	res := g.ParseCallback(params)
	return res.OrderID, res.Success()
}

// ParseCallback reads and checks the signed callback parameters.
func (g *Gateway) ParseCallback(params url.Values) CallbackResult {
	res := CallbackResult{
		TxnRef:            params.Get("vnp_TxnRef"),
		ResponseCode:      params.Get("vnp_ResponseCode"),
		TransactionStatus: params.Get("vnp_TransactionStatus"),
		TransactionNo:     params.Get("vnp_TransactionNo"),
		BankCode:          params.Get("vnp_BankCode"),
	}
	if id, err := OrderIDFromTxnRef(res.TxnRef); err == nil {
		res.OrderID = id
	}
	if minor, err := strconv.ParseInt(params.Get("vnp_Amount"), 10, 64); err == nil {
		res.Amount = decimal.NewFromInt(minor).Div(minorUnits)
	}

	received := strings.ToLower(params.Get(paramSecureHash))
	expected := strings.ToLower(g.Sign(params))
	res.SignatureValid = received != "" && hmac.Equal([]byte(received), []byte(expected))
	return res
}

// Sign computes the signature VNPay expects for params. Non-vnp_ keys and the
// signature fields themselves are ignored.
func (g *Gateway) Sign(params url.Values) string {
	return g.hash(canonical(params))
}

func (g *Gateway) hash(data string) string {
	mac := hmac.New(sha512.New, []byte(g.cfg.HashSecret))
	mac.Write([]byte(data))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

func canonical(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if !strings.HasPrefix(k, paramPrefix) || k == paramSecureHash || k == paramSecureHashType {
			continue
		}
		if params.Get(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params.Get(k)))
	}
	return b.String()
}
