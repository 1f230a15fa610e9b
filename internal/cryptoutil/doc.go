// Package cryptoutil holds the hashing and signing primitives used to protect
// bundles in transit: constant-time digest comparison and KMS-backed
// signatures over the checksum file.
package cryptoutil
