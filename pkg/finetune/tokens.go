package finetune

import (
	"strings"

	"github.com/tiktoken-go/tokenizer/codec"
	"gonum.org/v1/gonum/stat"
)

var tokenizer = codec.NewCl100kBase()

// TokenStats summarizes cl100k_base token counts per exported record.
type TokenStats struct {
	Records int     `json:"records"`
	Total   int     `json:"total"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"std_dev"`
	Max     int     `json:"max"`
}

func approxNumTokens(text string) int {
	tokens, _, err := tokenizer.Encode(text)
	if err != nil {
		// approximation
		wc := len(strings.Fields(text)) * 4 / 3
		cc := len(text) / 4
		return (wc + cc) / 2
	}
	return len(tokens)
}

func CountTokens(lines [][]byte) TokenStats {
	stats := TokenStats{Records: len(lines)}
	if len(lines) == 0 {
		return stats
	}
	counts := make([]float64, len(lines))
	for i, line := range lines {
		n := approxNumTokens(string(line))
		counts[i] = float64(n)
		stats.Total += n
		if n > stats.Max {
			stats.Max = n
		}
	}
	if len(counts) > 1 {
		stats.Mean, stats.StdDev = stat.MeanStdDev(counts, nil)
	} else {
		stats.Mean = counts[0]
	}
	return stats
}
