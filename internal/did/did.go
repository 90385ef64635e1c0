package did

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const DefaultMethod = "dad"

var (
	ErrMalformed = errors.New("malformed DID value")
	ErrInvalid   = errors.New("invalid DID value")
)

// DID is a parsed did:<method>:<key> identifier.
type DID struct {
	Prefix string
	Method string
	Key    string
}

func (d *DID) String() string {
	return d.Prefix + ":" + d.Method + ":" + d.Key
}

func Generate(vk []byte, method string) string {
	return Generate64u(base64.URLEncoding.EncodeToString(vk), method)
}

func Generate64u(vk64u, method string) string {
	if method == "" {
		method = DefaultMethod
	}
	return fmt.Sprintf("did:%s:%s", method, vk64u)
}

// Parse splits s into its three segments without checking their values.
func Parse(s string) (*DID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return nil, ErrMalformed
	}
	for _, p := range parts {
		if p == "" {
			return nil, ErrMalformed
		}
	}
	return &DID{Prefix: parts[0], Method: parts[1], Key: parts[2]}, nil
}

// Validate parses s and checks the prefix and method. It returns the
// verification key segment.
func Validate(s, method string) (string, error) {
	d, err := Parse(s)
	if err != nil {
		return "", err
	}
	if method == "" {
		method = DefaultMethod
	}
	if d.Prefix != "did" || d.Method != method {
		return "", fmt.Errorf("%w: %s", ErrInvalid, s)
	}
	return d.Key, nil
}
