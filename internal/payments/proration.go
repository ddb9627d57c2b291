package payments

import "math/bits"

// Prorate returns the credits to remove for a refund of refundAmount against
// a payment of paymentAmount that granted granted credits:
// ceil(granted * refundAmount / paymentAmount), never more than granted.
// An unknown payment amount removes everything granted.
func Prorate(granted, refundAmount, paymentAmount int64) int64 {
	if granted <= 0 || refundAmount <= 0 {
		return 0
	}
	if paymentAmount <= 0 || refundAmount >= paymentAmount {
		return granted
	}
	// 128-bit intermediate; the quotient is at most granted so Div64 cannot
	// overflow.
	hi, lo := bits.Mul64(uint64(granted), uint64(refundAmount))
	lo, carry := bits.Add64(lo, uint64(paymentAmount-1), 0)
	hi += carry
	q, _ := bits.Div64(hi, lo, uint64(paymentAmount))
	if int64(q) > granted {
		return granted
	}
	return int64(q)
}
