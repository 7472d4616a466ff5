package mongo

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/querymesh/querymesh/internal/query"
)

// connectionURI prefers the stored URI and otherwise assembles one from the
// discrete fields. A host without a port is treated as an SRV record.
func connectionURI(conn query.Connection) (string, error) {
	if uri := strings.TrimSpace(conn.URI); uri != "" {
		return uri, nil
	}
	host := strings.TrimSpace(conn.Host)
	if host == "" {
		return "", fmt.Errorf("mongodb source requires uri or host")
	}

	u := url.URL{Scheme: "mongodb+srv", Host: host, Path: "/" + conn.Database}
	if conn.Port > 0 {
		u.Scheme = "mongodb"
		u.Host = net.JoinHostPort(host, strconv.Itoa(conn.Port))
	}
	if conn.Username != "" {
		u.User = url.UserPassword(conn.Username, conn.Password)
	}
	params := url.Values{}
	if conn.SSL {
		params.Set("tls", "true")
	}
	if u.Scheme == "mongodb+srv" {
		params.Set("retryWrites", "true")
		params.Set("w", "majority")
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}

// DatabaseName returns the explicit database or the one named in the URI
// path.
func DatabaseName(conn query.Connection) (string, error) {
	if name := strings.TrimSpace(conn.Database); name != "" {
		return name, nil
	}
	uri, err := connectionURI(conn)
	if err != nil {
		return "", err
	}
	name := databaseFromURI(uri)
	if name == "" {
		return "", fmt.Errorf("mongodb uri does not name a database")
	}
	return name, nil
}

// databaseFromURI reads the path segment without resolving hosts, so SRV
// URIs need no DNS lookup.
func databaseFromURI(uri string) string {
	_, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return ""
	}
	_, path, ok := strings.Cut(rest, "/")
	if !ok {
		return ""
	}
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	name, err := url.PathUnescape(path)
	if err != nil {
		return path
	}
	return name
}
