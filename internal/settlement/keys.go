package settlement

import "fmt"

// PenaltyKey is the idempotency key for the first charge attempt of a goal week.
func PenaltyKey(userID, weekStart string) string {
	return fmt.Sprintf("penalty-%s-%s", userID, weekStart)
}

// RetryKey is the idempotency key for retry attempt n (1-based).
func RetryKey(userID, weekStart string, n int) string {
	return fmt.Sprintf("retry-%s-%s-%d", userID, weekStart, n)
}
