// Package satellite holds the Katello and Foreman endpoints the sync engines
// use. It is the only package that knows request paths and response shapes.
package satellite
