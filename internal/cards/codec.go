// Package cards maps detector class ids to card names and published barcodes.
package cards

import (
	"errors"
	"fmt"
	"strings"
)

// UnknownCard is returned by CardName for ids outside the 52-card domain.
const UnknownCard = "Unknown Card"

// barcodeBase offsets target ids into the published barcode range.
const barcodeBase = 1_000_000

// ErrInvalidCardID is returned when a class id has no known card.
var ErrInvalidCardID = errors.New("invalid card id")

// classNames is the detector's class ordering, grouped by rank across suits.
var classNames = [52]string{
	"10 of Club", "10 of Diamond", "10 of Heart", "10 of Spade",
	"2 of Club", "2 of Diamond", "2 of Heart", "2 of Spade",
	"3 of Club", "3 of Diamond", "3 of Heart", "3 of Spade",
	"4 of Club", "4 of Diamond", "4 of Heart", "4 of Spade",
	"5 of Club", "5 of Diamond", "5 of Heart", "5 of Spade",
	"6 of Club", "6 of Diamond", "6 of Heart", "6 of Spade",
	"7 of Club", "7 of Diamond", "7 of Heart", "7 of Spade",
	"8 of Club", "8 of Diamond", "8 of Heart", "8 of Spade",
	"9 of Club", "9 of Diamond", "9 of Heart", "9 of Spade",
	"A of Club", "A of Diamond", "A of Heart", "A of Spade",
	"J of Club", "J of Diamond", "J of Heart", "J of Spade",
	"K of Club", "K of Diamond", "K of Heart", "K of Spade",
	"Q of Club", "Q of Diamond", "Q of Heart", "Q of Spade",
}

// targetIDs is the published card numbering keyed by suit letter + rank:
// Hearts, Clubs, Diamonds, Spades, each Ace..King.
var targetIDs = map[string]int{
	"HA": 0, "H2": 1, "H3": 2, "H4": 3, "H5": 4, "H6": 5, "H7": 6, "H8": 7, "H9": 8, "H10": 9,
	"HJ": 10, "HQ": 11, "HK": 12,

	"CA": 13, "C2": 14, "C3": 15, "C4": 16, "C5": 17, "C6": 18, "C7": 19, "C8": 20, "C9": 21, "C10": 22,
	"CJ": 23, "CQ": 24, "CK": 25,

	"DA": 26, "D2": 27, "D3": 28, "D4": 29, "D5": 30, "D6": 31, "D7": 32, "D8": 33, "D9": 34, "D10": 35,
	"DJ": 36, "DQ": 37, "DK": 38,

	"SA": 39, "S2": 40, "S3": 41, "S4": 42, "S5": 43, "S6": 44, "S7": 45, "S8": 46, "S9": 47, "S10": 48,
	"SJ": 49, "SQ": 50, "SK": 51,
}

var suitLetters = map[string]string{
	"Club":    "C",
	"Diamond": "D",
	"Heart":   "H",
	"Spade":   "S",
}

// classToTarget is built once from the two tables above.
var classToTarget = buildClassToTarget()

func buildClassToTarget() [52]int {
	var out [52]int
	for classID, name := range classNames {
		rank, suit, ok := strings.Cut(name, " of ")
		if !ok {
			panic(fmt.Sprintf("cards: malformed class name %q", name))
		}
		target, ok := targetIDs[suitLetters[suit]+rank]
		if !ok {
			panic(fmt.Sprintf("cards: no target id for %q", name))
		}
		out[classID] = target
	}
	return out
}

// CardName returns the human-readable card for a class id, or UnknownCard.
func CardName(classID int) string {
	if classID < 0 || classID >= len(classNames) {
		return UnknownCard
	}
	return classNames[classID]
}

// TargetID re-indexes a class id into the published card numbering.
func TargetID(classID int) (int, error) {
	if classID < 0 || classID >= len(classToTarget) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidCardID, classID)
	}
	return classToTarget[classID], nil
}

// Barcode computes the published barcode (1_000_000 + targetID) * 10.
func Barcode(classID int) (int64, error) {
	target, err := TargetID(classID)
	if err != nil {
		return 0, err
	}
	return int64(barcodeBase+target) * 10, nil
}
