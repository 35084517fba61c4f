package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

func signHex(message []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyHex checks a hex HMAC-SHA256 signature in constant time.
func verifyHex(message []byte, signature, secret string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" || strings.TrimSpace(secret) == "" {
		return false
	}
	candidate, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(message)
	return hmac.Equal(candidate, mac.Sum(nil))
}

func checkoutSignatureMessage(orderID, paymentID, gatewaySubscriptionID string) string {
	orderID = strings.TrimSpace(orderID)
	paymentID = strings.TrimSpace(paymentID)
	if orderID != "" {
		return orderID + "|" + paymentID
	}
	return paymentID + "|" + strings.TrimSpace(gatewaySubscriptionID)
}
