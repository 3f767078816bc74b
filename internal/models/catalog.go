package models

import (
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

var catalogIDReplacer = strings.NewReplacer("/", "-", "\\", "-")

// NormalizeName trims and uppercases a free-text catalog value.
func NormalizeName(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// CatalogID derives the document id for a catalog name.
func CatalogID(name string) string {
	n := catalogIDReplacer.Replace(NormalizeName(name))
	return strings.Join(strings.Fields(n), "_")
}

func newCollator() *collate.Collator {
	return collate.New(language.Spanish, collate.IgnoreCase)
}

// SortNames returns a deduplicated copy of names sorted with Spanish collation.
func SortNames(names []string) []string {
	out := DedupeNames(names)
	newCollator().SortStrings(out)
	return out
}

// DedupeNames normalizes names and drops empty and repeated values, keeping first occurrence.
func DedupeNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = NormalizeName(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// AddName puts name at the front of names, removing any previous occurrence.
func AddName(names []string, name string) []string {
	name = NormalizeName(name)
	out := make([]string, 0, len(names)+1)
	out = append(out, name)
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

// RemoveName drops name from names.
func RemoveName(names []string, name string) []string {
	name = NormalizeName(name)
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}
