// Package signing produces manifest signatures compatible with the
// expo-updates code-signing protocol: RSASSA-PKCS1-v1_5 over SHA-256,
// carried in a structured-headers dictionary.
package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	"github.com/updrift/updrift/pkg/errdefs"
)

// KeyID is the fixed key identifier emitted in the signature dictionary.
// The client protocol supports multiple keys but the server stores one
// key pair per app.
const KeyID = "main"

// Sign signs the exact manifest bytes with the PEM-encoded PKCS#8 RSA
// private key and returns the standard-base64 signature.
//
// Only PKCS#8 (BEGIN PRIVATE KEY) is accepted. PKCS#1 keys pass PEM
// normalization but cannot be used here; the caller is told to convert.
func Sign(manifest []byte, privateKeyPEM string) (string, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return "", errdefs.Newf(errdefs.ErrNotConfigured, "signing key is not valid PEM")
	}
	if block.Type == "RSA PRIVATE KEY" {
		return "", errdefs.Newf(errdefs.ErrNotConfigured,
			"signing key is PKCS#1; convert it to PKCS#8 with "+
				"`openssl pkcs8 -topk8 -inform PEM -outform PEM -nocrypt`")
	}
	if block.Type != "PRIVATE KEY" {
		return "", errdefs.Newf(errdefs.ErrNotConfigured, "unsupported signing key type %q", block.Type)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return "", errdefs.Newf(errdefs.ErrNotConfigured, "parse PKCS#8 key: %v", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return "", errdefs.Newf(errdefs.ErrNotConfigured, "signing key is %T, want RSA", parsed)
	}

	digest := sha256.Sum256(manifest)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", errdefs.Newf(errdefs.ErrSystem, "sign manifest: %v", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Header serializes the signature as a structured-headers dictionary,
// e.g. `sig="<base64>", keyid="main"`.
func Header(signature string) string {
	return fmt.Sprintf("sig=%q, keyid=%q", signature, KeyID)
}

// Verify checks the base64 signature of the manifest bytes against the
// public key of the PEM certificate. Used by clients and tests; the
// server itself only signs.
func Verify(manifest []byte, signature, certificatePEM string) error {
	block, _ := pem.Decode([]byte(certificatePEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return errdefs.Newf(errdefs.ErrMalformed, "not a PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return errdefs.Newf(errdefs.ErrMalformed, "parse certificate: %v", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return errdefs.Newf(errdefs.ErrMalformed, "certificate key is %T, want RSA", cert.PublicKey)
	}
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return errdefs.Newf(errdefs.ErrMalformed, "signature is not valid base64: %v", err)
	}
	digest := sha256.Sum256(manifest)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], raw)
}
