package sigverify

import (
	"fmt"
	"strings"
)

// Canonical message formats, one per authenticated operation kind.
// Format: "inferbroker|{kind}|{params...}|{timestamp}".
// Parameters are the operation's semantic fields only; free-form client text
// never enters the message, so a signature for one operation cannot be
// replayed as another.

func InitMessage(address string, timestampMs int64) string {
	return fmt.Sprintf("inferbroker|init|%s|%d", strings.ToLower(address), timestampMs)
}

func BalanceMessage(address string, timestampMs int64) string {
	return fmt.Sprintf("inferbroker|balance|%s|%d", strings.ToLower(address), timestampMs)
}

func FundMessage(address, amount string, timestampMs int64) string {
	return fmt.Sprintf("inferbroker|fund|%s|%s|%d", strings.ToLower(address), amount, timestampMs)
}

func AcknowledgeMessage(address, provider string, timestampMs int64) string {
	return fmt.Sprintf("inferbroker|ack|%s|%s|%d", strings.ToLower(address), strings.ToLower(provider), timestampMs)
}

func InferMessage(address, provider string, timestampMs int64) string {
	return fmt.Sprintf("inferbroker|infer|%s|%s|%d", strings.ToLower(address), strings.ToLower(provider), timestampMs)
}

func PendingMessage(address string, timestampMs int64) string {
	return fmt.Sprintf("inferbroker|pending|%s|%d", strings.ToLower(address), timestampMs)
}

func WaitMessage(address, operationID string, timestampMs int64) string {
	return fmt.Sprintf("inferbroker|wait|%s|%s|%d", strings.ToLower(address), operationID, timestampMs)
}

func CancelMessage(address, operationID string, timestampMs int64) string {
	return fmt.Sprintf("inferbroker|cancel|%s|%s|%d", strings.ToLower(address), operationID, timestampMs)
}

func ProvideMessage(address, operationID string, timestampMs int64) string {
	return fmt.Sprintf("inferbroker|provide|%s|%s|%d", strings.ToLower(address), operationID, timestampMs)
}

func SubscribeMessage(address string, timestampMs int64) string {
	return fmt.Sprintf("inferbroker|subscribe|%s|%d", strings.ToLower(address), timestampMs)
}

func SettleMessage(address, provider string, timestampMs int64) string {
	return fmt.Sprintf("inferbroker|settle|%s|%s|%d", strings.ToLower(address), strings.ToLower(provider), timestampMs)
}
