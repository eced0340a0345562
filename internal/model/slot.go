// Slot identifiers and order tags. A slot is the stable logical role a
// protective order fills ("SL", or one take-profit level), independent of
// the broker's order ID. Orders placed by the engine carry a tag encoding
// (account, instrument, slot) so working orders can be matched back to
// their slot after reconnects and restarts.
package model

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	SlotStopLoss   = "SL"
	SlotTakeProfit = "TP"
)

// TagPrefix marks orders owned by this engine. Untagged working orders are
// never touched by reconciliation.
const TagPrefix = "guard"

// tagRegex matches: guard:{accountID}:{instrumentID}:{slot}
// Example: guard:acc-1:BBG004730N88:TP_2
var tagRegex = regexp.MustCompile(`^guard:([^:]+):([^:]+):(SL|TP(?:_[1-9]\d*)?)$`)

var ErrInvalidTag = errors.New("model: invalid order tag")

// TPSlot returns the slot identifier for multi-TP level index (1-based).
func TPSlot(index int) string {
	return fmt.Sprintf("TP_%d", index)
}

// ValidSlot reports whether s is a recognized slot identifier.
func ValidSlot(s string) bool {
	if s == SlotStopLoss || s == SlotTakeProfit {
		return true
	}
	if rest, ok := strings.CutPrefix(s, "TP_"); ok {
		n, err := strconv.Atoi(rest)
		return err == nil && n >= 1
	}
	return false
}

// OrderTag encodes (account, instrument, slot) into a broker order tag.
func OrderTag(accountID, instrumentID, slot string) string {
	return fmt.Sprintf("%s:%s:%s:%s", TagPrefix, accountID, instrumentID, slot)
}

// ParsedTag is a decoded protective-order tag.
type ParsedTag struct {
	AccountID    string
	InstrumentID string
	Slot         string
}

// ParseOrderTag decodes a tag previously produced by OrderTag.
func ParseOrderTag(tag string) (ParsedTag, error) {
	matches := tagRegex.FindStringSubmatch(tag)
	if matches == nil {
		return ParsedTag{}, fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	return ParsedTag{
		AccountID:    matches[1],
		InstrumentID: matches[2],
		Slot:         matches[3],
	}, nil
}
