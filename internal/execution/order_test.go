package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitionAllowed(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		want     bool
	}{
		{StatusPendingValidation, StatusValidated, true},
		{StatusPendingValidation, StatusRejected, true},
		{StatusPendingValidation, StatusSubmitted, false},
		{StatusValidated, StatusSubmitted, true},
		{StatusSubmitted, StatusPartiallyFilled, true},
		{StatusSubmitted, StatusFilled, true},
		{StatusPartiallyFilled, StatusFilled, true},
		{StatusPartiallyFilled, StatusCancelled, true},
		{StatusFilled, StatusCancelled, false},
		{StatusCancelled, StatusFilled, false},
		{StatusRejected, StatusValidated, false},
		// ERROR is reachable from any pre-terminal state only.
		{StatusSubmitted, StatusError, true},
		{StatusFilled, StatusError, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TransitionAllowed(tc.from, tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []OrderStatus{StatusFilled, StatusCancelled, StatusRejected, StatusError} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []OrderStatus{StatusPendingValidation, StatusValidated, StatusSubmitted, StatusPartiallyFilled} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestSliceQuantities(t *testing.T) {
	cases := []struct {
		qty, limit int
		want       []int
	}{
		{10, 50, []int{10}},
		{50, 50, []int{50}},
		{51, 50, []int{26, 25}},
		{120, 50, []int{40, 40, 40}},
		{101, 50, []int{34, 34, 33}},
		{7, 0, []int{7}},
	}
	for _, tc := range cases {
		got := sliceQuantities(tc.qty, tc.limit)
		assert.Equal(t, tc.want, got, "qty=%d limit=%d", tc.qty, tc.limit)
		total := 0
		for _, q := range got {
			total += q
		}
		assert.Equal(t, tc.qty, total)
	}
}
