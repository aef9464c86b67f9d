package utils

// CredentialPrefix returns the first 8 characters of a credential for
// log correlation. Full credentials must never reach the logs.
func CredentialPrefix(credential string) string {
	if len(credential) <= 8 {
		return credential
	}
	return credential[:8]
}
