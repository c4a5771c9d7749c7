package utils

import (
	"fmt"
	"net"
	"os"
	"strings"
)

// FQDN returns the host's fully qualified name. The canonical name from the
// resolver wins; if the lookup fails the plain host name is returned.
func FQDN() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("hostname: %w", err)
	}
	return canonical(host, net.LookupCNAME), nil
}

func canonical(host string, lookup func(string) (string, error)) string {
	cname, err := lookup(host)
	if err != nil {
		return host
	}
	cname = strings.TrimSuffix(cname, ".")
	if cname == "" {
		return host
	}
	return cname
}
