package store

import (
	"encoding/base64"
	"fmt"
	"strconv"
)

// EncodeCursor encodes the identifier of the last row of a page into an
// opaque continuation token.
func EncodeCursor(id int64) string {
	return base64.URLEncoding.EncodeToString([]byte(strconv.FormatInt(id, 10)))
}

// DecodeCursor decodes a continuation token back into the identifier of the
// last row seen.
func DecodeCursor(cursor string) (int64, error) {
	decoded, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor format: %v", err)
	}
	id, err := strconv.ParseInt(string(decoded), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor format: %s", cursor)
	}
	return id, nil
}
