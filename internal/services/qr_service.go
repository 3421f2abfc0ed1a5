package services

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"net/url"
	"strconv"
	"time"

	"github.com/skip2/go-qrcode"
)

// PaymentRequestQR renders the pending payment as a base64 PNG for the
// customer-facing screen. It never carries the code itself; the code only
// travels by SMS.
func PaymentRequestQR(cardID, retailerID string, amount int64, expiresAt time.Time) (string, error) {
	content := url.URL{
		Scheme: "retailpay",
		Host:   "pay",
		RawQuery: url.Values{
			"card":     {cardID},
			"retailer": {retailerID},
			"amount":   {strconv.FormatInt(amount, 10)},
			"exp":      {strconv.FormatInt(expiresAt.Unix(), 10)},
		}.Encode(),
	}

	qr, err := qrcode.New(content.String(), qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to build QR code: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", fmt.Errorf("failed to encode QR image: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
