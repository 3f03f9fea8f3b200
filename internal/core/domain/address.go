package domain

import "strings"

// Address is the JID-like identifier of a client: "user@location" plus an
// optional "/resource" suffix for the connected device. It is the identity
// key for roster entries, sessions and relay routing.
type Address string

// Bare strips the resource part, e.g. "cam001@studio.loc/device" -> "cam001@studio.loc".
func (a Address) Bare() string {
	jid := string(a)
	if i := strings.IndexByte(jid, '/'); i >= 0 {
		return jid[:i]
	}
	return jid
}

// Resource returns the part after '/', or "" when the address is bare.
func (a Address) Resource() string {
	jid := string(a)
	if i := strings.IndexByte(jid, '/'); i >= 0 {
		return jid[i+1:]
	}
	return ""
}

func (a Address) String() string {
	return string(a)
}
