// Package similarity scores a free-text answer against a reference answer
// and keyword set.
package similarity

import (
	"strings"

	"github.com/stemsi/exstem-engine/internal/textnorm"
)

// Score weights. Keyword coverage dominates content recall.
const (
	KeywordWeight = 0.6
	ContentWeight = 0.4
)

// Result is the outcome of comparing an answer with a reference.
type Result struct {
	Similarity      float64 `json:"similarity"` // 0..100
	KeywordScore    float64 `json:"keywordScore"`
	ContentScore    float64 `json:"contentScore"`
	KeywordsMatched int     `json:"keywordsMatched"`
	TotalKeywords   int     `json:"totalKeywords"`
}

// Score compares answer against reference and keywords.
//
// A keyword matches when its normalized form is a substring of the
// normalized answer. Content score is the share of distinct reference tokens
// present in the answer. Either input being blank yields a zero Result.
func Score(answer, reference string, keywords []string) Result {
	if strings.TrimSpace(answer) == "" || strings.TrimSpace(reference) == "" {
		return Result{}
	}

	answerTokens := textnorm.Normalize(answer)
	referenceTokens := textnorm.Normalize(reference)
	joinedAnswer := strings.Join(answerTokens, " ")

	res := Result{TotalKeywords: len(keywords)}
	for _, kw := range keywords {
		// A keyword that normalizes to nothing is a substring of any answer.
		if strings.Contains(joinedAnswer, textnorm.Joined(kw)) {
			res.KeywordsMatched++
		}
	}
	if res.TotalKeywords > 0 {
		res.KeywordScore = float64(res.KeywordsMatched) / float64(res.TotalKeywords) * 100
	}

	refSet := toSet(referenceTokens)
	if len(refSet) > 0 {
		ansSet := toSet(answerTokens)
		common := 0
		for tok := range refSet {
			if _, ok := ansSet[tok]; ok {
				common++
			}
		}
		res.ContentScore = float64(common) / float64(len(refSet)) * 100
	}

	res.Similarity = res.KeywordScore*KeywordWeight + res.ContentScore*ContentWeight
	return res
}

// Points converts a similarity into points out of maxPoints.
func Points(similarity, maxPoints float64) float64 {
	if similarity <= 0 || maxPoints <= 0 {
		return 0
	}
	if similarity >= 100 {
		return maxPoints
	}
	return similarity / 100 * maxPoints
}

func toSet(tokens []string) map[string]struct{} {
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}
