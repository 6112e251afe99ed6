// Package contenthash computes sampled, order-sensitive fingerprints of
// data grids for drift detection between runs. Not cryptographic.
package contenthash

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// cellDelim joins cells within a row; rows join with newline.
	cellDelim = "|"

	// maxChars truncates the normalized content before hashing to bound
	// cost on wide grids.
	maxChars = 100000

	// sampleThreshold is the row count above which rows are sampled at a
	// stride instead of hashed exhaustively.
	sampleThreshold = 1000

	// sampleRows is the approximate number of rows hashed for large grids.
	sampleRows = 200
)

// Normalize canonicalizes a heterogeneous cell value to a comparison
// string. The verification engine uses the same rule, so a value that
// round-trips through the destination store compares equal.
func Normalize(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case time.Time:
		return x.UTC().Format("2006-01-02T15:04:05")
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case float64:
		return normalizeFloat(x)
	case float32:
		return normalizeFloat(float64(x))
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return s
		}
		// Timestamps round-trip through some backends as RFC3339 strings.
		if len(s) >= 20 && s[4] == '-' && strings.ContainsRune(s, 'T') {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return t.UTC().Format("2006-01-02T15:04:05")
			}
		}
		// Digit strings written to a numeric destination come back as
		// numbers; fold them the same way.
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) {
			return normalizeFloat(f)
		}
		return s
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", x))
	}
}

// normalizeFloat renders a number with fixed precision and trailing zeros
// stripped, so 1.10 and 1.1 fingerprint identically.
func normalizeFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', 6, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "" || s == "-" {
		return "0"
	}
	return s
}

// Fingerprint produces a short fingerprint embedding the grid dimensions.
// Grids above the sampling threshold are hashed at a computed row stride.
func Fingerprint(grid [][]any) string {
	rows := len(grid)
	// Widest row, matching how verification records count columns.
	cols := 0
	for _, row := range grid {
		if len(row) > cols {
			cols = len(row)
		}
	}

	stride := 1
	if rows > sampleThreshold {
		stride = rows / sampleRows
	}

	var b strings.Builder
	for i := 0; i < rows; i += stride {
		if b.Len() >= maxChars {
			break
		}
		row := grid[i]
		for j, cell := range row {
			if j > 0 {
				b.WriteString(cellDelim)
			}
			b.WriteString(Normalize(cell))
		}
		b.WriteByte('\n')
	}

	content := b.String()
	if len(content) > maxChars {
		content = content[:maxChars]
	}

	return fmt.Sprintf("%dx%d:%08x", rows, cols, fold(content))
}

// fold is the 32-bit multiplicative rolling hash (djb2 variant).
func fold(s string) uint32 {
	var h uint32 = 5381
	for i := 0; i < len(s); i++ {
		h = h*33 + uint32(s[i])
	}
	return h
}
