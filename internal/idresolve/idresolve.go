// Package idresolve turns user-typed instance ID prefixes into full IDs.
package idresolve

import (
	"context"
	"fmt"
	"strings"

	"corral/pkg/protocol"
)

// FullLength is the length of a complete instance ID.
const FullLength = 36

// DefaultDisplayLength is the shortest ID prefix shown in listings.
const DefaultDisplayLength = 8

// Lister fetches every instance.
type Lister interface {
	ListInstances(ctx context.Context) ([]protocol.InstanceDetails, error)
}

// NotFoundError means no instance matched the prefix.
type NotFoundError struct {
	Prefix string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no instance found with ID prefix '%s'", e.Prefix)
}

// AmbiguousError means more than one instance matched the prefix.
type AmbiguousError struct {
	Prefix  string
	Matches []protocol.InstanceDetails
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous ID prefix '%s' matches %d instances", e.Prefix, len(e.Matches))
}

// MinLength is the shortest prefix length that tells the matches apart.
func (e *AmbiguousError) MinLength() int {
	return MinDistinguishingLength(IDs(e.Matches))
}

// Resolve returns the full instance ID for input. A full-length input is
// returned as-is without listing.
func Resolve(ctx context.Context, l Lister, input string) (string, error) {
	input = strings.TrimSpace(input)
	if len(input) == FullLength {
		return input, nil
	}

	instances, err := l.ListInstances(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve instance ID: %w", err)
	}

	var matches []protocol.InstanceDetails
	for _, inst := range instances {
		if strings.HasPrefix(inst.ID, input) {
			matches = append(matches, inst)
		}
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{Prefix: input}
	case 1:
		return matches[0].ID, nil
	default:
		return "", &AmbiguousError{Prefix: input, Matches: matches}
	}
}

// SafeIDLength returns a uniform display length for a listing: 8 characters,
// grown 4 at a time until every shown prefix is distinct, capped at the full
// length.
func SafeIDLength(ids []string) int {
	if len(ids) == 0 {
		return DefaultDisplayLength
	}
	for n := DefaultDisplayLength; n < FullLength; n += 4 {
		if distinct(ids, n) {
			return n
		}
	}
	return FullLength
}

// MinDistinguishingLength returns the shortest prefix length, starting at 1,
// at which all ids differ.
func MinDistinguishingLength(ids []string) int {
	if len(ids) <= 1 {
		return 1
	}
	for n := 1; n < FullLength; n++ {
		if distinct(ids, n) {
			return n
		}
	}
	return FullLength
}

// Short truncates id to n characters.
func Short(id string, n int) string {
	if n <= 0 || len(id) <= n {
		return id
	}
	return id[:n]
}

func distinct(ids []string, n int) bool {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		p := Short(id, n)
		if _, dup := seen[p]; dup {
			return false
		}
		seen[p] = struct{}{}
	}
	return true
}

// IDs extracts the IDs of instances.
func IDs(instances []protocol.InstanceDetails) []string {
	out := make([]string, len(instances))
	for i, inst := range instances {
		out[i] = inst.ID
	}
	return out
}
