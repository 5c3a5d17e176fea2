// TF-IDF cosine similarity over a locally built document-frequency
// table (spec §4.4.1). Tokens are lowercased, length >= 2,
// alphanumeric or CJK, with a small built-in bilingual stop-list.
package curated

import (
	"math"
	"regexp"
	"strings"
)

var tfidfTokenRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

// stopWords is the small bilingual stop-list spec §4.4.1 calls for.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "of": true,
	"to": true, "and": true, "or": true, "in": true, "on": true, "for": true,
	"with": true, "this": true, "that": true, "it": true, "be": true,
	"的": true, "了": true, "是": true, "在": true, "和": true, "与": true, "就": true,
}

func tfidfTokenize(s string) []string {
	raw := tfidfTokenRe.FindAllString(strings.ToLower(s), -1)
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		if len([]rune(t)) < 2 {
			continue
		}
		if stopWords[t] {
			continue
		}
		out = append(out, t)
	}
	return out
}

// tfidfIndex holds a term-frequency vector per document plus a shared
// document-frequency table, built fresh over one candidate set at
// recall time (spec: "locally built DF table over the current memory set").
type tfidfIndex struct {
	docTermFreq []map[string]int
	docFreq     map[string]int
	numDocs     int
}

func newTFIDFIndex(docs []string) *tfidfIndex {
	idx := &tfidfIndex{
		docTermFreq: make([]map[string]int, len(docs)),
		docFreq:     make(map[string]int),
		numDocs:     len(docs),
	}
	for i, doc := range docs {
		tf := make(map[string]int)
		for _, tok := range tfidfTokenize(doc) {
			tf[tok]++
		}
		idx.docTermFreq[i] = tf
		for tok := range tf {
			idx.docFreq[tok]++
		}
	}
	return idx
}

func (idx *tfidfIndex) idf(term string) float64 {
	df := idx.docFreq[term]
	if df == 0 {
		return 0
	}
	return math.Log(float64(idx.numDocs+1) / float64(df+1))
}

func (idx *tfidfIndex) vector(i int) map[string]float64 {
	vec := make(map[string]float64)
	for term, tf := range idx.docTermFreq[i] {
		vec[term] = float64(tf) * idx.idf(term)
	}
	return vec
}

// cosine scores document i against a raw query string.
func (idx *tfidfIndex) cosine(i int, query string) float64 {
	queryTerms := tfidfTokenize(query)
	if len(queryTerms) == 0 {
		return 0
	}
	queryTF := make(map[string]int)
	for _, t := range queryTerms {
		queryTF[t]++
	}
	queryVec := make(map[string]float64, len(queryTF))
	for term, tf := range queryTF {
		queryVec[term] = float64(tf) * idx.idf(term)
	}

	docVec := idx.vector(i)

	var dot, docNorm, queryNorm float64
	for term, w := range docVec {
		docNorm += w * w
		if qw, ok := queryVec[term]; ok {
			dot += w * qw
		}
	}
	for _, qw := range queryVec {
		queryNorm += qw * qw
	}
	if docNorm == 0 || queryNorm == 0 {
		return 0
	}
	return dot / (math.Sqrt(docNorm) * math.Sqrt(queryNorm))
}
