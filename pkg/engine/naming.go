package engine

import (
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"net"
	"strconv"
)

// crockford is Crockford's base32 alphabet in lower case, without padding.
var crockford = base32.NewEncoding("0123456789abcdefghjkmnpqrstvwxyz").WithPadding(base32.NoPadding)

// ContainerName is the idempotency key of a deployment on its host.
func ContainerName(slug string, teamID *int64) string {
	if teamID == nil {
		return slug + "-container"
	}
	return fmt.Sprintf("%s-team-%d-container", slug, *teamID)
}

// Subdomain derives the stable HTTP subdomain for one exposed port. The label
// is the first 40 bits of SHA-256("{slug}/{team}/{port}") in Crockford base32,
// where team is the team's public id or empty for static deployments.
func Subdomain(slug, teamPublicID string, port uint16) string {
	sum := sha256.Sum256([]byte(slug + "/" + teamPublicID + "/" + strconv.Itoa(int(port))))
	return slug + "-" + crockford.EncodeToString(sum[:5])
}

// FreePort asks the OS for an unused TCP port on all interfaces.
func FreePort() (uint16, error) {
	l, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port), nil
}
