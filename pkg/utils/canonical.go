package utils

import (
	"github.com/ohler55/ojg/oj"
)

// CanonicalJSON returns a key sorted compact rendition of the json document.
// Documents which differ only in key order or whitespace yield equal results.
func CanonicalJSON(data []byte) (string, error) {
	v, err := oj.Parse(data)
	if err != nil {
		return "", err
	}
	return oj.JSON(v, &oj.Options{Sort: true}), nil
}
