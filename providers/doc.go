// Package providers holds the shared OAuth2 base used by the calendar
// adapters in the subpackages, along with error classification and body
// text helpers.
package providers
