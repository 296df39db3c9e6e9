package negotiation

// Polite reports whether local yields when both sides have an offer in
// flight. The lexicographically smaller identity is polite, so exactly one
// of two distinct identities yields.
func Polite(local, remote string) bool {
	return local < remote
}
