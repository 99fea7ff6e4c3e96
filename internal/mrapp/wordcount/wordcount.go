// Package wordcount is the reference MapReduce application: it counts
// word occurrences across the input files, mirroring the single example
// application shipped with the original implementation
// (apps/word_count.py). It registers itself under the name "wordcount"
// for the worker CLI's built-in application registry.
package wordcount

import (
	"strconv"
	"strings"
	"unicode"

	"mapreduce/internal/mrapp"
)

func init() {
	mrapp.Register(mrapp.Application{
		Name:   "wordcount",
		Map:    mapFunc,
		Reduce: reduceFunc,
	})
}

func mapFunc(_ string, contents string) []mrapp.KeyValue {
	words := strings.FieldsFunc(contents, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	kvs := make([]mrapp.KeyValue, 0, len(words))
	for _, word := range words {
		kvs = append(kvs, mrapp.KeyValue{Key: strings.ToLower(word), Value: "1"})
	}
	return kvs
}

func reduceFunc(_ string, values []string) string {
	return strconv.Itoa(len(values))
}
