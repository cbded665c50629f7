package crdt

import (
	"errors"
	"strings"
)

// Fractional positions order blocks without renumbering neighbours. A
// position is a non-empty string over positionAlphabet; ordering is plain
// lexicographic comparison.
const positionAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// ErrInvalidPositionBounds indicates bounds that leave no room for a
// position strictly between them.
var ErrInvalidPositionBounds = errors.New("crdt: left position must sort before right position")

// PositionBetween returns a position strictly between left and right. Empty
// left means the start of the document; empty right means the end.
func PositionBetween(left, right string) (string, error) {
	if right != "" && left >= right {
		return "", ErrInvalidPositionBounds
	}

	var builder strings.Builder
	for depth := 0; ; depth++ {
		lowDigit := 0
		if depth < len(left) {
			lowDigit = strings.IndexByte(positionAlphabet, left[depth])
		}
		highDigit := len(positionAlphabet)
		if right != "" && depth < len(right) {
			highDigit = strings.IndexByte(positionAlphabet, right[depth])
		}
		if lowDigit < 0 || highDigit < 0 {
			return "", ErrInvalidPositionBounds
		}

		if highDigit-lowDigit > 1 {
			builder.WriteByte(positionAlphabet[(lowDigit+highDigit)/2])
			return builder.String(), nil
		}

		// Adjacent digits: emit the low digit and descend a level.
		if right != "" && depth < len(right) && highDigit == lowDigit {
			// Copying right's final digit exhausts it: every longer string
			// sorts after right, so no position fits strictly between.
			if depth == len(right)-1 {
				return "", ErrInvalidPositionBounds
			}
			builder.WriteByte(positionAlphabet[lowDigit])
			continue
		}
		builder.WriteByte(positionAlphabet[lowDigit])
		right = ""
	}
}
