// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

package truststore

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
)

// AlgorithmWarning is a bitmask of weaknesses the TLS layer noticed while
// the credential was presented. Any set bit vetoes trust.
type AlgorithmWarning uint32

const (
	WarnTLSVersion AlgorithmWarning = 1 << iota
	WarnCipher
	WarnSignature
	WarnKeySize
)

var warningNames = []struct {
	bit  AlgorithmWarning
	name string
}{
	{WarnTLSVersion, "tls-version"},
	{WarnCipher, "cipher"},
	{WarnSignature, "signature"},
	{WarnKeySize, "key-size"},
}

func (w AlgorithmWarning) String() string {
	if w == 0 {
		return "none"
	}
	var parts []string
	for _, n := range warningNames {
		if w&n.bit != 0 {
			parts = append(parts, n.name)
			w &^= n.bit
		}
	}
	if w != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(w)))
	}
	return strings.Join(parts, "|")
}

// Credential is a certificate as presented by an endpoint, after the TLS
// layer has finished with it. Only Leaf takes part in trust decisions.
type Credential struct {
	Host             string
	Port             int
	Leaf             []byte
	Chain            [][]byte
	HostnameMismatch bool
	// Verified is set when the chain verified against the caller's roots
	// for Host. Such a credential needs no store record.
	Verified         bool
	Warnings         AlgorithmWarning
}

// minRSABits is the smallest RSA modulus accepted without a warning.
const minRSABits = 2048

// CredentialFromTLS builds a Credential from a completed handshake.
// verifyErr is the result of the caller's own chain verification: nil marks
// the credential as verified, and a hostname error marks it as mismatched.
func CredentialFromTLS(host string, port int, cs tls.ConnectionState, verifyErr error) (Credential, error) {
	if len(cs.PeerCertificates) == 0 {
		return Credential{}, fmt.Errorf("%w: no peer certificate", ErrInvalidCertificate)
	}
	leaf := cs.PeerCertificates[0]
	c := Credential{Host: host, Port: port, Leaf: leaf.Raw}
	for _, cert := range cs.PeerCertificates[1:] {
		c.Chain = append(c.Chain, cert.Raw)
	}

	c.Verified = verifyErr == nil
	var hostErr x509.HostnameError
	if errors.As(verifyErr, &hostErr) {
		c.HostnameMismatch = true
	}

	if cs.Version != 0 && cs.Version < tls.VersionTLS12 {
		c.Warnings |= WarnTLSVersion
	}
	for _, suite := range tls.InsecureCipherSuites() {
		if suite.ID == cs.CipherSuite {
			c.Warnings |= WarnCipher
			break
		}
	}
	c.Warnings |= CertificateWarnings(leaf)
	return c, nil
}

// CertificateWarnings reports weak signature algorithms and short RSA keys.
func CertificateWarnings(cert *x509.Certificate) AlgorithmWarning {
	var w AlgorithmWarning
	switch cert.SignatureAlgorithm {
	case x509.MD2WithRSA, x509.MD5WithRSA, x509.SHA1WithRSA, x509.DSAWithSHA1, x509.ECDSAWithSHA1:
		w |= WarnSignature
	}
	if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok && pub.N.BitLen() < minRSABits {
		w |= WarnKeySize
	}
	return w
}
