// Package traefik reads certificates from an acme.json file maintained by traefik.
package traefik

import (
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

var ErrDomainNotFound = errors.New("domain not found")

// FromFile loads the certificate for domain from the acme store file
func FromFile(file, domain string) (tls.Certificate, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read acme store: %w", err)
	}
	return FromJSON(data, domain)
}

// FromJSON extracts the certificate for domain from acme store content
func FromJSON(data []byte, domain string) (tls.Certificate, error) {
	certData, keyData, err := lookup(data, domain)
	if err != nil {
		return tls.Certificate{}, err
	}
	pemCert, err := base64.StdEncoding.DecodeString(certData)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decode certificate: %w", err)
	}
	pemKey, err := base64.StdEncoding.DecodeString(keyData)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decode key: %w", err)
	}
	return tls.X509KeyPair(pemCert, pemKey)
}

// the store contains one entry per resolver, each with a list of certificates
func lookup(data []byte, domain string) (cert, key string, err error) {
	obj, err := oj.Parse(data)
	if err != nil {
		return "", "", err
	}

	x, err := jp.ParseString(
		fmt.Sprintf(`$..Certificates[?(@.domain.main == %q)]`, domain))
	if err != nil {
		return "", "", err
	}
	res := x.First(obj)
	entry, ok := res.(map[string]any)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrDomainNotFound, domain)
	}
	cert, _ = entry["certificate"].(string)
	key, _ = entry["key"].(string)
	if cert == "" || key == "" {
		return "", "", fmt.Errorf("incomplete certificate entry for %s", domain)
	}
	return cert, key, nil
}
