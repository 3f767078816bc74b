package remote

import (
	"fmt"
	"strings"
)

// RootCollection holds one root document per account.
const RootCollection = "orgData"

// AccountPath returns the path of an account's root document.
func AccountPath(account string) string {
	return RootCollection + "/" + account
}

// CollectionPath returns the path of a per-record collection under an account.
func CollectionPath(account, collection string) string {
	return AccountPath(account) + "/" + collection
}

// DocPath returns the path of one document in a per-record collection.
func DocPath(account, collection, id string) string {
	return CollectionPath(account, collection) + "/" + id
}

// SplitPath splits a document path into its collection path and document id.
func SplitPath(path string) (collection, id string, err error) {
	path = strings.Trim(path, "/")
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", fmt.Errorf("invalid document path %q", path)
	}
	return path[:i], path[i+1:], nil
}
