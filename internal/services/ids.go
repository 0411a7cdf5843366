package services

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const installmentTransactionIDLength = 10

// randomSuffix returns n characters of ULID entropy (Crockford base32, upper case).
func randomSuffix(n int) string {
	id := ulid.Make().String()
	entropy := id[10:]
	if n > len(entropy) {
		n = len(entropy)
	}
	return entropy[len(entropy)-n:]
}

// newRequestID builds correlation ids such as REQ-1718000000000-7K3QX2AB.
func newRequestID(prefix string, now time.Time) string {
	if prefix == "" {
		prefix = "REQ"
	}
	return fmt.Sprintf("%s-%d-%s", prefix, now.UnixMilli(), randomSuffix(8))
}

// newInstallmentTransactionID builds O<orderId><suffix>, at most 10 characters.
func newInstallmentTransactionID(orderID int64) string {
	id := "O" + strconv.FormatInt(orderID, 10) + randomSuffix(6)
	if len(id) > installmentTransactionIDLength {
		id = id[:installmentTransactionIDLength]
	}
	return strings.ToUpper(id)
}

func walletReference(orderID int64, kind string, now time.Time) string {
	return fmt.Sprintf("order-%d-%s-%d", orderID, kind, now.UnixMilli())
}
