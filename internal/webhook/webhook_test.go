package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GianGuaz256/pow-vending-machine/internal/models"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"type":"InvoiceSettled","invoiceId":"inv-1"}`)
	sig := Sign("s3cret", body)

	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)
	assert.NoError(t, Verify("s3cret", body, sig))
	assert.ErrorIs(t, Verify("other", body, sig), ErrBadSignature)
	assert.ErrorIs(t, Verify("s3cret", append(body, ' '), sig), ErrBadSignature)
	assert.ErrorIs(t, Verify("s3cret", body, ""), ErrMissingSignature)
	assert.ErrorIs(t, Verify("s3cret", body, "sha256=zz"), ErrBadSignature)
}

func TestParseAndStatus(t *testing.T) {
	p, err := Parse([]byte(`{"deliveryId":"d1","type":"InvoiceExpired","storeId":"s","invoiceId":"inv-9","timestamp":1700000000}`))
	require.NoError(t, err)
	assert.Equal(t, "inv-9", p.InvoiceID)

	st, ok := p.Status(DefaultEventVocabulary())
	require.True(t, ok)
	assert.Equal(t, models.InvoiceExpired, st)

	p.Type = "InvoicePaymentSettled"
	_, ok = p.Status(DefaultEventVocabulary())
	assert.False(t, ok)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte(`not json`))
	assert.Error(t, err)
	_, err = Parse([]byte(`{"invoiceId":"x"}`))
	assert.Error(t, err)
}
