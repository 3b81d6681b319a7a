package sidecar

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrInvalidLink is returned when a link cannot be parsed.
var ErrInvalidLink = errors.New("invalid link")

const (
	// ProtocolPear identifies links to replicated applications.
	ProtocolPear = "pear:"
	// ProtocolFile identifies links to local project directories.
	ProtocolFile = "file:"
)

// Aliases maps well-known application names to their keys.
var Aliases = map[string]Key{
	"keet":    MustParseKey("oeeoz3w6fjjt7bym3ndpa6hhicm8f8naxyk11z4iypeoupn6jzpo"),
	"runtime": MustParseKey("nkw138nybdx6mtf98z497czxogzwje5yzu585c66ofba854gw3ro"),
}

// Link is a parsed application link.
//
//	pear://<key>[/<path>]
//	pear://<fork>.<length>.<key>[/<path>]
//	pear://<alias>[/<path>]
//	file:///<abs-path>
type Link struct {
	Protocol string
	// Key is nil for file links.
	Key *Key
	// Alias is set when the link named a well-known application.
	Alias string
	// Fork and Length pin a checkout; nil when the link is unpinned.
	Fork   *uint64
	Length *uint64
	// Pathname is the path within the application ("/" when absent).
	Pathname string
	// Origin is the canonical identity of the application.
	Origin string
}

// ParseLink parses a pear:// or file:// link.
func ParseLink(link string) (*Link, error) {
	if link == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidLink)
	}
	u, err := url.Parse(link)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}

	switch u.Scheme + ":" {
	case ProtocolPear:
		return parsePearLink(u)
	case ProtocolFile:
		return parseFileLink(u)
	default:
		return nil, fmt.Errorf("%w: unsupported protocol %q", ErrInvalidLink, u.Scheme)
	}
}

func parsePearLink(u *url.URL) (*Link, error) {
	l := &Link{Protocol: ProtocolPear, Pathname: u.Path}
	if l.Pathname == "" {
		l.Pathname = "/"
	}

	host := u.Host
	if host == "" {
		return nil, fmt.Errorf("%w: missing key", ErrInvalidLink)
	}

	if key, ok := Aliases[host]; ok {
		l.Alias = host
		l.Key = &key
		l.Origin = ProtocolPear + "//" + key.String()
		return l, nil
	}

	parts := strings.Split(host, ".")
	var id string
	switch len(parts) {
	case 1:
		id = parts[0]
	case 3:
		fork, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: fork %q", ErrInvalidLink, parts[0])
		}
		length, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: length %q", ErrInvalidLink, parts[1])
		}
		l.Fork = &fork
		l.Length = &length
		id = parts[2]
	default:
		return nil, fmt.Errorf("%w: malformed host %q", ErrInvalidLink, host)
	}

	key, err := ParseKey(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	l.Key = &key
	l.Origin = ProtocolPear + "//" + key.String()
	return l, nil
}

func parseFileLink(u *url.URL) (*Link, error) {
	if u.Host != "" && u.Host != "localhost" {
		return nil, fmt.Errorf("%w: file link with host %q", ErrInvalidLink, u.Host)
	}
	if u.Path == "" || !filepath.IsAbs(u.Path) {
		return nil, fmt.Errorf("%w: file link must be absolute", ErrInvalidLink)
	}
	p := filepath.Clean(u.Path)
	return &Link{
		Protocol: ProtocolFile,
		Pathname: p,
		Origin:   ProtocolFile + "//" + p,
	}, nil
}

// String serializes the link with aliases resolved. Checkout pins and the
// in-app path are kept, so two links for the same checkout compare equal.
func (l *Link) String() string {
	if l.Protocol == ProtocolFile {
		return l.Origin
	}
	host := l.Key.String()
	if l.Fork != nil && l.Length != nil {
		host = strconv.FormatUint(*l.Fork, 10) + "." + strconv.FormatUint(*l.Length, 10) + "." + host
	}
	path := l.Pathname
	if path == "/" {
		path = ""
	}
	return ProtocolPear + "//" + host + path
}

// NormalizeLink parses link and returns its String form.
func NormalizeLink(link string) (string, error) {
	l, err := ParseLink(link)
	if err != nil {
		return "", err
	}
	return l.String(), nil
}

// CanonicalOrigin reduces a link to the identity used to key records:
// checkout pins, aliases and in-app paths are all dropped.
func CanonicalOrigin(link string) (string, error) {
	l, err := ParseLink(link)
	if err != nil {
		return "", err
	}
	return l.Origin, nil
}

// IsAlias reports whether link names a well-known application by alias.
func IsAlias(link string) bool {
	l, err := ParseLink(link)
	return err == nil && l.Alias != ""
}
