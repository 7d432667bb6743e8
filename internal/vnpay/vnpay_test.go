package vnpay

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"storefront/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 14, 2, 30, 45, 0, time.UTC) // 09:30:45 in GMT+7

func newTestGateway() *Gateway {
	return NewGateway(Config{
		TmnCode:     "DEMO1234",
		HashSecret:  "SECRETKEYSECRETKEY",
		PayURL:      "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html",
		ReturnURL:   "http://localhost:8080/api/v1/payments/vnpay/return",
		ExpireAfter: 15 * time.Minute,
	}, WithClock(func() time.Time { return fixedNow }))
}

func buildParams(t *testing.T, g *Gateway) url.Values {
	t.Helper()
	raw, err := g.BuildRedirectURL(PaymentRequest{
		OrderID:  42,
		Amount:   decimal.RequireFromString("125000.50"),
		ClientIP: "10.0.0.7",
	})
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query()
}

// gatewayCallback simulates what VNPay sends back for a payment attempt.
func gatewayCallback(g *Gateway, sent url.Values, responseCode, txnStatus string) url.Values {
	cb := url.Values{}
	for _, k := range []string{"vnp_TmnCode", "vnp_Amount", "vnp_TxnRef", "vnp_OrderInfo"} {
		cb.Set(k, sent.Get(k))
	}
	cb.Set("vnp_BankCode", "NCB")
	cb.Set("vnp_TransactionNo", "14226112")
	cb.Set("vnp_PayDate", "20260314093512")
	cb.Set("vnp_ResponseCode", responseCode)
	cb.Set("vnp_TransactionStatus", txnStatus)
	cb.Set("vnp_SecureHash", g.Sign(cb))
	return cb
}

func TestBuildRedirectURL(t *testing.T) {
	g := newTestGateway()
	params := buildParams(t, g)

	assert.Equal(t, Version, params.Get("vnp_Version"))
	assert.Equal(t, CommandPay, params.Get("vnp_Command"))
	assert.Equal(t, "DEMO1234", params.Get("vnp_TmnCode"))
	assert.Equal(t, "12500050", params.Get("vnp_Amount"))
	assert.Equal(t, CurrencyVND, params.Get("vnp_CurrCode"))
	assert.Equal(t, "42_093045", params.Get("vnp_TxnRef"))
	assert.Equal(t, "Thanh toan don hang 42", params.Get("vnp_OrderInfo"))
	assert.Equal(t, "vn", params.Get("vnp_Locale"))
	assert.Equal(t, "10.0.0.7", params.Get("vnp_IpAddr"))
	assert.Equal(t, "20260314093045", params.Get("vnp_CreateDate"))
	assert.Equal(t, "20260314094545", params.Get("vnp_ExpireDate"))
	assert.Equal(t, HashTypeSHA512, params.Get("vnp_SecureHashType"))

	hash := params.Get("vnp_SecureHash")
	assert.Len(t, hash, 128)
	assert.Equal(t, strings.ToUpper(hash), hash)
}

func TestBuildRedirectURL_SignatureIsLastParameter(t *testing.T) {
	raw, err := newTestGateway().BuildRedirectURL(PaymentRequest{OrderID: 1, Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)

	last := raw[strings.LastIndex(raw, "&")+1:]
	assert.True(t, strings.HasPrefix(last, "vnp_SecureHash="))
}

func TestBuildRedirectURL_SignatureRoundTrip(t *testing.T) {
	g := newTestGateway()
	params := buildParams(t, g)

	res := g.ParseCallback(params)
	assert.True(t, res.SignatureValid)
	assert.Equal(t, int64(42), res.OrderID)
	assert.True(t, decimal.RequireFromString("125000.50").Equal(res.Amount))
	// a redirect URL carries no response codes, so it is not a successful payment
	assert.False(t, res.Success())
}

func TestBuildRedirectURL_InvalidAmount(t *testing.T) {
	g := newTestGateway()

	for _, amount := range []string{"0", "-5", "10.005"} {
		_, err := g.BuildRedirectURL(PaymentRequest{OrderID: 1, Amount: decimal.RequireFromString(amount)})
		assert.ErrorIs(t, err, models.ErrInvalidArgument, amount)
	}
}

func TestVerifyCallback_Success(t *testing.T) {
	g := newTestGateway()
	cb := gatewayCallback(g, buildParams(t, g), SuccessCode, SuccessCode)

	orderID, verified := g.VerifyCallback(cb)
	assert.True(t, verified)
	assert.Equal(t, int64(42), orderID)
}

func TestVerifyCallback_CaseInsensitiveSignature(t *testing.T) {
	g := newTestGateway()
	cb := gatewayCallback(g, buildParams(t, g), SuccessCode, SuccessCode)
	cb.Set("vnp_SecureHash", strings.ToLower(cb.Get("vnp_SecureHash")))

	_, verified := g.VerifyCallback(cb)
	assert.True(t, verified)
}

func TestVerifyCallback_TamperedParameter(t *testing.T) {
	g := newTestGateway()
	sent := buildParams(t, g)

	for _, key := range []string{"vnp_Amount", "vnp_TxnRef", "vnp_TransactionNo", "vnp_ResponseCode", "vnp_OrderInfo"} {
		cb := gatewayCallback(g, sent, SuccessCode, SuccessCode)
		v := []byte(cb.Get(key))
		v[len(v)-1] ^= 0x01
		cb.Set(key, string(v))

		_, verified := g.VerifyCallback(cb)
		assert.False(t, verified, "tampered %s", key)
	}
}

func TestVerifyCallback_ExtraSignedParameter(t *testing.T) {
	g := newTestGateway()
	cb := gatewayCallback(g, buildParams(t, g), SuccessCode, SuccessCode)
	cb.Set("vnp_CardType", "ATM")

	_, verified := g.VerifyCallback(cb)
	assert.False(t, verified)
}

func TestVerifyCallback_IgnoresNonGatewayParameters(t *testing.T) {
	g := newTestGateway()
	cb := gatewayCallback(g, buildParams(t, g), SuccessCode, SuccessCode)
	cb.Set("utm_source", "mail")
	cb.Set("vnp_SecureHashType", HashTypeSHA512)

	_, verified := g.VerifyCallback(cb)
	assert.True(t, verified)
}

func TestVerifyCallback_WrongSecret(t *testing.T) {
	g := newTestGateway()
	other := NewGateway(Config{HashSecret: "another-secret"})
	cb := gatewayCallback(other, buildParams(t, g), SuccessCode, SuccessCode)

	_, verified := g.VerifyCallback(cb)
	assert.False(t, verified)
}

func TestVerifyCallback_DeclinedPayment(t *testing.T) {
	g := newTestGateway()
	sent := buildParams(t, g)

	cases := []struct{ response, status string }{
		{"24", "02"}, // customer cancelled
		{SuccessCode, "01"},
		{"51", SuccessCode},
	}
	for _, tc := range cases {
		cb := gatewayCallback(g, sent, tc.response, tc.status)
		res := g.ParseCallback(cb)
		assert.True(t, res.SignatureValid)
		assert.False(t, res.Success())

		orderID, verified := g.VerifyCallback(cb)
		assert.Equal(t, int64(42), orderID)
		assert.False(t, verified)
	}
}

func TestVerifyCallback_MissingSignature(t *testing.T) {
	g := newTestGateway()
	cb := gatewayCallback(g, buildParams(t, g), SuccessCode, SuccessCode)
	cb.Del("vnp_SecureHash")

	_, verified := g.VerifyCallback(cb)
	assert.False(t, verified)
}

func TestOrderIDFromTxnRef(t *testing.T) {
	id, err := OrderIDFromTxnRef("1234_235959")
	require.NoError(t, err)
	assert.Equal(t, int64(1234), id)

	id, err = OrderIDFromTxnRef("77")
	require.NoError(t, err)
	assert.Equal(t, int64(77), id)

	for _, bad := range []string{"", "_123", "abc_123", "-4_120000"} {
		_, err := OrderIDFromTxnRef(bad)
		assert.ErrorIs(t, err, models.ErrInvalidArgument, bad)
	}
}
