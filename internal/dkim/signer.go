// Package dkim signs outgoing campaign mail with the sending account's key
package dkim

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"fmt"
	"strings"
	"sync"

	"github.com/emersion/go-msgauth/dkim"
)

// Headers covered by the signature; From is mandatory
var signedHeaders = []string{
	"From", "To", "Subject", "Date", "Message-ID", "Reply-To",
	"In-Reply-To", "References", "MIME-Version", "Content-Type",
	"List-Unsubscribe", "List-Unsubscribe-Post",
}

// Signer signs email messages with DKIM
type Signer struct {
	privateKey *rsa.PrivateKey
	domain     string
	selector   string
}

// NewSigner creates a new DKIM signer
func NewSigner(privateKey *rsa.PrivateKey, domain, selector string) *Signer {
	return &Signer{
		privateKey: privateKey,
		domain:     strings.ToLower(domain),
		selector:   selector,
	}
}

// NewSignerFromFile creates a new DKIM signer from a key file
func NewSignerFromFile(keyFile, domain, selector string) (*Signer, error) {
	privateKey, err := LoadPrivateKey(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}

	return NewSigner(privateKey, domain, selector), nil
}

// Sign signs the message and returns the signed message
func (s *Signer) Sign(message []byte) ([]byte, error) {
	options := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.privateKey,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             presentHeaders(message),
	}

	var signedMsg bytes.Buffer
	if err := dkim.Sign(&signedMsg, bytes.NewReader(message), options); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}

	return signedMsg.Bytes(), nil
}

// presentHeaders returns the subset of signedHeaders found in the message header
func presentHeaders(message []byte) []string {
	header := message
	if i := bytes.Index(message, []byte("\r\n\r\n")); i >= 0 {
		header = message[:i]
	} else if i := bytes.Index(message, []byte("\n\n")); i >= 0 {
		header = message[:i]
	}

	found := make(map[string]bool)
	for _, line := range strings.Split(string(header), "\n") {
		name, _, ok := strings.Cut(line, ":")
		if !ok || strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			continue
		}
		found[strings.ToLower(strings.TrimSpace(name))] = true
	}

	keys := []string{"From"}
	for _, h := range signedHeaders[1:] {
		if found[strings.ToLower(h)] {
			keys = append(keys, h)
		}
	}
	return keys
}

// Domain returns the DKIM domain
func (s *Signer) Domain() string {
	return s.domain
}

// Selector returns the DKIM selector
func (s *Signer) Selector() string {
	return s.selector
}

// Keyring caches signers per key file so each sender account's key is read once
type Keyring struct {
	mu      sync.Mutex
	signers map[string]*Signer
}

// NewKeyring creates an empty keyring
func NewKeyring() *Keyring {
	return &Keyring{signers: make(map[string]*Signer)}
}

// Signer returns the signer for the sending address. It returns nil, nil
// when the account has no DKIM selector or key configured.
func (k *Keyring) Signer(fromEmail, selector, keyFile string) (*Signer, error) {
	if selector == "" || keyFile == "" {
		return nil, nil
	}

	at := strings.LastIndex(fromEmail, "@")
	if at <= 0 || at == len(fromEmail)-1 {
		return nil, fmt.Errorf("invalid sender address %q", fromEmail)
	}
	domain := strings.ToLower(fromEmail[at+1:])

	cacheKey := keyFile + "|" + domain + "|" + selector

	k.mu.Lock()
	defer k.mu.Unlock()

	if s, ok := k.signers[cacheKey]; ok {
		return s, nil
	}

	s, err := NewSignerFromFile(keyFile, domain, selector)
	if err != nil {
		return nil, err
	}
	k.signers[cacheKey] = s
	return s, nil
}
