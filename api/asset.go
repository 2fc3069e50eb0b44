package api

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAsset is returned for asset references that do not follow the
// "resdb:///<id>.<ext>" form.
var ErrInvalidAsset = errors.New("invalid asset reference")

// AssetID extracts the id from an asset reference: the text between the
// first "///" and the next ".".
func AssetID(ref string) (string, error) {
	_, rest, ok := strings.Cut(ref, "///")
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidAsset, ref)
	}
	rest, _, _ = strings.Cut(rest, "///")
	id, _, _ := strings.Cut(rest, ".")
	if id == "" || strings.ContainsAny(id, "/?#") {
		return "", fmt.Errorf("%w: %q", ErrInvalidAsset, ref)
	}
	return id, nil
}
