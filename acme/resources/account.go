// Package resources provides types for representing and interacting with ACME
// protocol resources.
package resources

import (
	"crypto"
	"errors"
	"fmt"

	"github.com/cpu/certify-engine/acme/keys"
)

// Account holds information related to a single ACME Account resource. If the
// account has an empty ID it has not yet been created server-side with the
// ACME server using the Account Manager's register operation.
//
// The ID field holds the server assigned Account URI that is assigned at the
// time of account creation and used as the JWS KeyID for authenticating ACME
// requests with the Account's registered keypair.
//
// The Signer field is a pointer to a private key used for the ACME account's
// keypair; it is owned by the Account Manager, not by this struct, which only
// holds a non-owning reference for signing convenience (see §3 invariants).
//
// For information about the Account resource see
// https://tools.ietf.org/html/rfc8555#section-7.1.2
type Account struct {
	// The server assigned Account URI. This is used for the JWS KeyID when
	// authenticating ACME requests using the Account's registered keypair.
	ID string `json:"id"`
	// If not nil, a slice of one or more email addresses to be used as the
	// ACME Account's "mailto:" Contact addresses.
	Contact []string `json:"contact"`
	// A signer used to sign protocol messages and derive the ACME account's
	// public key.
	Signer crypto.Signer `json:"-"`
	// Status reflects the server's last-reported account status: one of
	// {valid, deactivated, revoked}.
	Status string `json:"status,omitempty"`
	// If not nil, a slice of URLs for Order resources the Account created
	// with the ACME server.
	Orders []string `json:"orders,omitempty"`
}

// String returns the Account's ID, or an empty string if it has not been
// created with the ACME server.
func (a Account) String() string {
	return a.ID
}

// OrderURL returns the Order URL for the ith Order the Account owns. An error
// is returned if the Account has no Orders or if the index is out of bounds.
func (a *Account) OrderURL(i int) (string, error) {
	if len(a.Orders) == 0 {
		return "", errors.New("account has no orders")
	}
	if i < 0 || i >= len(a.Orders) {
		return "", fmt.Errorf("order index must be 0 <= i < %d", len(a.Orders))
	}
	return a.Orders[i], nil
}

// NewAccount creates an ACME account in-memory. *Important:* the created
// Account is *not* registered with the ACME server until the Account
// Manager's register operation creates it server-side.
//
// emails is a slice of zero or more email addresses to be used as the
// Account's Contact information. privKey is the crypto.Signer to use for the
// Account keypair; if nil a new ECDSA P-256 key is generated.
func NewAccount(emails []string, privKey crypto.Signer) (*Account, error) {
	var contacts []string
	for _, e := range emails {
		if e == "" {
			continue
		}
		contacts = append(contacts, fmt.Sprintf("mailto:%s", e))
	}

	if privKey == nil {
		randKey, err := keys.NewSigner("ecdsa")
		if err != nil {
			return nil, err
		}
		privKey = randKey
	}

	return &Account{
		Contact: contacts,
		Signer:  privKey,
	}, nil
}
