package logging

import "strings"

// RedactEmail masks the local part of an address for logs:
// "lucy@example.com" becomes "lu***@example.com".
func RedactEmail(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "***@***"
	}
	local, domain := addr[:at], addr[at+1:]
	if len(local) > 2 {
		return local[:2] + "***@" + domain
	}
	return "***@" + domain
}

// RedactEmails applies RedactEmail to each address.
func RedactEmails(addrs []string) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = RedactEmail(a)
	}
	return out
}
