package payment

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var generatedTxID = regexp.MustCompile(`^\d{14}-[a-z]+-[0-9a-f]{8}$`)

// NewTransactionID builds <time prefix>-<method>-<random suffix>.
func NewTransactionID(method Method, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s-%s", now.UTC().Format("20060102150405"), strings.ToLower(string(method)), suffix)
}

// IsGeneratedTransactionID reports whether id came from NewTransactionID,
// i.e. no provider has assigned its own id yet.
func IsGeneratedTransactionID(id string) bool {
	return generatedTxID.MatchString(id)
}
