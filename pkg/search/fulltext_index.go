// BM25 full-text index: the keyword-ranking leg of the hybrid search
// service, fused with the vector leg via Reciprocal Rank Fusion.
package search

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Standard BM25 tuning: K1 controls term-frequency saturation, B controls
// how strongly document length is normalized against the corpus average.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// FulltextIndex is a thread-safe inverted-index BM25 scorer over indexed
// document text.
type FulltextIndex struct {
	mu sync.RWMutex

	documents     map[string]string         // docID -> original text
	invertedIndex map[string]map[string]int // term -> docID -> term frequency
	docLengths    map[string]int            // docID -> token count
	avgDocLength  float64
	docCount      int
}

// NewFulltextIndex returns an empty index.
func NewFulltextIndex() *FulltextIndex {
	return &FulltextIndex{
		documents:     make(map[string]string),
		invertedIndex: make(map[string]map[string]int),
		docLengths:    make(map[string]int),
	}
}

// Index tokenizes text and (re)indexes it under id, replacing any prior
// content stored for that ID. Text that tokenizes to nothing is dropped
// from the index rather than stored empty.
func (f *FulltextIndex) Index(id string, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.removeInternal(id)

	tokens := tokenize(text)
	if len(tokens) == 0 {
		return
	}

	f.documents[id] = text
	f.docLengths[id] = len(tokens)
	f.docCount++

	termFreq := make(map[string]int)
	for _, token := range tokens {
		termFreq[token]++
	}
	for term, freq := range termFreq {
		if f.invertedIndex[term] == nil {
			f.invertedIndex[term] = make(map[string]int)
		}
		f.invertedIndex[term][id] = freq
	}

	f.updateAvgDocLength()
}

// Remove deletes id's content from the index, if present.
func (f *FulltextIndex) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeInternal(id)
}

func (f *FulltextIndex) removeInternal(id string) {
	text, exists := f.documents[id]
	if !exists {
		return
	}

	for _, token := range tokenize(text) {
		if docs, ok := f.invertedIndex[token]; ok {
			delete(docs, id)
			if len(docs) == 0 {
				delete(f.invertedIndex, token)
			}
		}
	}

	delete(f.documents, id)
	delete(f.docLengths, id)
	f.docCount--
	f.updateAvgDocLength()
}

// bm25TermScore returns docID's BM25 contribution for a single query term
// given its raw term frequency in that document and the term's IDF.
func (f *FulltextIndex) bm25TermScore(docID string, termFreq int, idf float64) float64 {
	docLen := float64(f.docLengths[docID])
	tf := float64(termFreq)
	numerator := tf * (bm25K1 + 1)
	denominator := tf + bm25K1*(1-bm25B+bm25B*(docLen/f.avgDocLength))
	return idf * (numerator / denominator)
}

// Search ranks indexed documents against query by summed BM25 score
// across query terms, including a reduced-weight prefix match (so
// "search" also credits a document containing "searchable"), and returns
// the top limit results descending by score.
func (f *FulltextIndex) Search(query string, limit int) []indexResult {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.docCount == 0 {
		return nil
	}

	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return nil
	}

	scores := make(map[string]float64)
	for _, term := range queryTerms {
		if docs, exists := f.invertedIndex[term]; exists {
			idf := f.calculateIDF(term)
			for docID, termFreq := range docs {
				scores[docID] += f.bm25TermScore(docID, termFreq, idf)
			}
		}

		// Prefix matches count too, at reduced weight, so a query for
		// "search" still surfaces a document indexed only under
		// "searchable".
		const prefixIDFPenalty = 0.8
		for indexedTerm, termDocs := range f.invertedIndex {
			if indexedTerm == term || !strings.HasPrefix(indexedTerm, term) {
				continue
			}
			idf := f.calculateIDF(indexedTerm) * prefixIDFPenalty
			for docID, termFreq := range termDocs {
				scores[docID] += f.bm25TermScore(docID, termFreq, idf)
			}
		}
	}

	return topScored(scores, limit)
}

// topScored converts a docID->score map into indexResults sorted by score
// descending, truncated to limit.
func topScored(scores map[string]float64, limit int) []indexResult {
	results := make([]indexResult, 0, len(scores))
	for id, score := range scores {
		results = append(results, indexResult{ID: id, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// calculateIDF computes the BM25 IDF for term using the Lucene/Elasticsearch
// variant (log(1 + (N-df+0.5)/(df+0.5))), which stays non-negative for
// terms appearing in a majority of documents rather than going negative
// like the classic Robertson-Sparck-Jones formula.
func (f *FulltextIndex) calculateIDF(term string) float64 {
	df := float64(len(f.invertedIndex[term]))
	n := float64(f.docCount)

	idf := math.Log(1 + (n-df+0.5)/(df+0.5))
	if idf < 0 {
		idf = 0
	}
	return idf
}

func (f *FulltextIndex) updateAvgDocLength() {
	if f.docCount == 0 {
		f.avgDocLength = 0
		return
	}

	var total int
	for _, length := range f.docLengths {
		total += length
	}
	f.avgDocLength = float64(total) / float64(f.docCount)
}

// Count returns the number of documents currently indexed.
func (f *FulltextIndex) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.docCount
}

// GetDocument returns the original text indexed under id.
func (f *FulltextIndex) GetDocument(id string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	text, exists := f.documents[id]
	return text, exists
}

// tokenize lowercases text, splits on runs of non-alphanumeric characters,
// and drops stop words and single-character tokens.
func tokenize(text string) []string {
	text = strings.ToLower(text)

	words := strings.FieldsFunc(text, func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})

	tokens := make([]string, 0, len(words))
	for _, word := range words {
		if len(word) < 2 || isStopWord(word) {
			continue
		}
		tokens = append(tokens, word)
	}
	return tokens
}

// stopWords is deliberately minimal: generic function words only. Technical
// terms like "learning" or "query" are never filtered, since they're often
// exactly what a memory search is looking for.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "he": true, "in": true, "is": true,
	"it": true, "its": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "to": true, "was": true, "were": true,
	"with": true, "this": true, "but": true, "they": true,
	"we": true, "you": true, "your": true, "my": true, "their": true,
	"been": true, "do": true, "does": true, "did": true,
}

func isStopWord(word string) bool {
	return stopWords[word]
}

// PhraseSearch returns documents containing phrase verbatim (case-folded),
// scored higher the earlier the phrase appears, up to limit results.
func (f *FulltextIndex) PhraseSearch(phrase string, limit int) []indexResult {
	f.mu.RLock()
	defer f.mu.RUnlock()

	phrase = strings.ToLower(phrase)
	var results []indexResult

	for id, text := range f.documents {
		lower := strings.ToLower(text)
		idx := strings.Index(lower, phrase)
		if idx < 0 {
			continue
		}
		score := 1.0 / (1.0 + float64(idx)/100.0)
		results = append(results, indexResult{ID: id, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}
