// Package proofs defines the short-lived signed assertions that let the
// marketplace ledger trust facts established on the identity ledger, together
// with their structural checks, expiry rules and validity policy.
package proofs
