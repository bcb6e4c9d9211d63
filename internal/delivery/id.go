package delivery

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

const (
	idHexLength    = 12
	runIDHexLength = 8
	summaryRunes   = 200
)

// DeliveryID derives the stable id for a repository and trigger label, so
// the same issue always maps to the same delivery.
func DeliveryID(repository, triggerLabel string) string {
	sum := sha256.Sum256([]byte(repository + ":" + triggerLabel))
	return hex.EncodeToString(sum[:])[:idHexLength]
}

func newRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:runIDHexLength]
}

func summarize(text string) string {
	r := []rune(text)
	if len(r) <= summaryRunes {
		return text
	}
	return string(r[:summaryRunes])
}
