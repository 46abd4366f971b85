// Package oid defines object identifiers for pool objects.
//
// An OID both names an object and carries the object's type in a
// reserved field: bits [63:12] hold the uniquifier issued by the object
// directory, bits [11:8] hold the type tag. The zero OID is never valid.
package oid

import "fmt"

type OID uint64

type Type uint8

const (
	TypeUndef  Type = 0
	TypeMblock Type = 1
	TypeMlog   Type = 2
)

const (
	typeShift = 8
	typeMask  = 0xf
	uniqShift = 12
)

func Make(uniq uint64, t Type) OID {
	return OID(uniq<<uniqShift | uint64(t&typeMask)<<typeShift)
}

func (o OID) Type() Type {
	return Type((o >> typeShift) & typeMask)
}

func (o OID) Uniq() uint64 {
	return uint64(o) >> uniqShift
}

// IsMblock reports whether o is a valid mblock identifier.
func (o OID) IsMblock() bool {
	return o != 0 && o.Type() == TypeMblock
}

func (o OID) String() string {
	return fmt.Sprintf("0x%x", uint64(o))
}
