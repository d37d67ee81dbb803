package types

import "fmt"

// MemoryDomain categorizes which sphere of the user's life a memory
// belongs to. Used as a metadata pre-filter during retrieval.
type MemoryDomain string

const (
	DomainHealth   MemoryDomain = "health"
	DomainBusiness MemoryDomain = "business"
	DomainProject  MemoryDomain = "project"
	DomainPersonal MemoryDomain = "personal"
	DomainFinance  MemoryDomain = "finance"
)

// AllMemoryDomains returns all valid memory domains
func AllMemoryDomains() []MemoryDomain {
	return []MemoryDomain{
		DomainHealth,
		DomainBusiness,
		DomainProject,
		DomainPersonal,
		DomainFinance,
	}
}

// IsValid checks if the memory domain is valid
func (d MemoryDomain) IsValid() bool {
	switch d {
	case DomainHealth, DomainBusiness, DomainProject, DomainPersonal, DomainFinance:
		return true
	default:
		return false
	}
}

// Normalize returns the domain, treating empty as DomainPersonal
func (d MemoryDomain) Normalize() MemoryDomain {
	if d == "" {
		return DomainPersonal
	}
	return d
}

// String returns the string representation of the memory domain
func (d MemoryDomain) String() string {
	return string(d)
}

// ParseMemoryDomain parses a string into a MemoryDomain
func ParseMemoryDomain(s string) (MemoryDomain, error) {
	d := MemoryDomain(s)
	if !d.IsValid() {
		return "", fmt.Errorf("invalid memory domain: %s", s)
	}
	return d, nil
}
