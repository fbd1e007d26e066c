// Package responses renders success envelopes and RFC 7807 problem details.
package responses
