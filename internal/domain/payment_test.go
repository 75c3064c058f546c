package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapProviderStatus_IsTotal(t *testing.T) {
	expected := map[ProviderStatus]Settlement{
		ProviderPending:     {Payment: PaymentPending, Order: OrderPending},
		ProviderApproved:    {Payment: PaymentApproved, Order: OrderPaid},
		ProviderAuthorized:  {Payment: PaymentPending, Order: OrderPending},
		ProviderInProcess:   {Payment: PaymentPending, Order: OrderPending},
		ProviderInMediation: {Payment: PaymentPending, Order: OrderPending},
		ProviderRejected:    {Payment: PaymentRejected, Order: OrderCancelled},
		ProviderCancelled:   {Payment: PaymentCancelled, Order: OrderCancelled},
		ProviderRefunded:    {Payment: PaymentRefunded, Order: OrderCancelled},
		ProviderChargedBack: {Payment: PaymentPending, Order: OrderPending},
		ProviderUnknown:     {Payment: PaymentPending, Order: OrderPending},
	}

	statuses := ProviderStatuses()
	assert.Len(t, statuses, len(expected))
	for _, s := range statuses {
		want, ok := expected[s]
		if !assert.True(t, ok, "missing expectation for %s", s) {
			continue
		}
		assert.Equal(t, want, MapProviderStatus(s), s)
	}
}

func TestParseProviderStatus(t *testing.T) {
	assert.Equal(t, ProviderApproved, ParseProviderStatus("approved"))
	assert.Equal(t, ProviderApproved, ParseProviderStatus(" APPROVED "))
	assert.Equal(t, ProviderRefunded, ParseProviderStatus("refunded"))
	assert.Equal(t, ProviderUnknown, ParseProviderStatus("something_new"))
	assert.Equal(t, ProviderUnknown, ParseProviderStatus(""))
	assert.True(t, MapProviderStatus(ParseProviderStatus("bogus")).NoOp())
}

func TestPaymentStatus_CanMoveTo(t *testing.T) {
	assert.True(t, PaymentPending.CanMoveTo(PaymentApproved))
	assert.True(t, PaymentPending.CanMoveTo(PaymentRejected))
	assert.True(t, PaymentPending.CanMoveTo(PaymentCancelled))
	assert.False(t, PaymentPending.CanMoveTo(PaymentRefunded))
	assert.True(t, PaymentApproved.CanMoveTo(PaymentRefunded))
	assert.False(t, PaymentApproved.CanMoveTo(PaymentRejected))
	assert.False(t, PaymentRejected.CanMoveTo(PaymentApproved))
	assert.False(t, PaymentRefunded.CanMoveTo(PaymentApproved))
}
